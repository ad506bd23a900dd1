package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"google.golang.org/api/option"

	"duck-ingest/internal/domain"
)

var _ domain.Opener = (*LocatorOpener)(nil)

// S3Settings locates an S3-compatible object store.
type S3Settings struct {
	Endpoint string // host[:port]; empty uses AWS
	Region   string
	KeyID    string
	Secret   string
}

// OpenerConfig holds the credentials for remote locators. Schemes whose
// settings are missing fail with a validation error when used.
type OpenerConfig struct {
	HTTPClient       *http.Client
	S3               *S3Settings
	GCSKeyFile       string
	AzureAccountURL  string
	AzureAccountName string
	AzureAccountKey  string
}

// s3Getter is the slice of the S3 client the opener uses.
type s3Getter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// LocatorOpener streams files from local paths, http(s) URLs, s3://,
// gs://, and azblob:// (or az://) locators. Remote bodies are returned
// unbuffered. Cloud clients are created on first use.
type LocatorOpener struct {
	cfg  OpenerConfig
	http *http.Client

	mu    sync.Mutex
	s3    s3Getter
	gcs   *storage.Client
	azure *azblob.Client
}

// NewLocatorOpener creates a LocatorOpener.
func NewLocatorOpener(cfg OpenerConfig) *LocatorOpener {
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &LocatorOpener{cfg: cfg, http: client}
}

// Open resolves locator to a byte stream. Failures are fatal SourceErrors.
func (o *LocatorOpener) Open(ctx context.Context, locator string) (io.ReadCloser, error) {
	if locator == "" {
		return nil, domain.ErrValidation("locator is required")
	}
	rc, err := o.open(ctx, locator)
	if err != nil {
		var se *domain.SourceError
		if errors.As(err, &se) {
			return nil, err
		}
		return nil, &domain.SourceError{Locator: locator, Fatal: true, Err: err}
	}
	return rc, nil
}

func (o *LocatorOpener) open(ctx context.Context, locator string) (io.ReadCloser, error) {
	scheme, rest, ok := strings.Cut(locator, "://")
	if !ok {
		return openLocal(locator)
	}
	switch strings.ToLower(scheme) {
	case "file":
		return openLocal(rest)
	case "http", "https":
		return o.openHTTP(ctx, locator)
	case "s3":
		bucket, key, err := splitBucketKey(rest)
		if err != nil {
			return nil, err
		}
		return o.openS3(ctx, bucket, key)
	case "gs":
		bucket, key, err := splitBucketKey(rest)
		if err != nil {
			return nil, err
		}
		return o.openGCS(ctx, bucket, key)
	case "azblob", "az":
		container, blob, err := splitBucketKey(rest)
		if err != nil {
			return nil, err
		}
		return o.openAzure(ctx, container, blob)
	default:
		return nil, domain.ErrValidation("unsupported locator scheme %q", scheme)
	}
}

func openLocal(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, domain.ErrNotFound("file %q not found", path)
		}
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	return f, nil
}

func (o *LocatorOpener) openHTTP(ctx context.Context, locator string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return nil, domain.ErrValidation("invalid url %q: %v", locator, err)
	}
	resp, err := o.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", redactURL(locator), err)
	}
	if resp.StatusCode > 299 {
		_ = resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return nil, domain.ErrNotFound("remote file %s not found", redactURL(locator))
		}
		return nil, fmt.Errorf("fetch %s: unexpected status %d", redactURL(locator), resp.StatusCode)
	}
	return resp.Body, nil
}

func (o *LocatorOpener) openS3(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	client, err := o.s3Client()
	if err != nil {
		return nil, err
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, domain.ErrNotFound("object s3://%s/%s not found", bucket, key)
		}
		return nil, fmt.Errorf("get s3://%s/%s: %w", bucket, key, err)
	}
	return out.Body, nil
}

func (o *LocatorOpener) s3Client() (s3Getter, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.s3 != nil {
		return o.s3, nil
	}
	cfg := o.cfg.S3
	if cfg == nil || cfg.KeyID == "" || cfg.Secret == "" {
		return nil, domain.ErrValidation("s3 locators require KEY_ID and SECRET")
	}
	o.s3 = NewS3Client(*cfg)
	return o.s3, nil
}

// NewS3Client builds an S3 client with static credentials. Custom endpoints
// use path-style addressing.
func NewS3Client(cfg S3Settings) *s3.Client {
	opts := s3.Options{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.KeyID, cfg.Secret, ""),
	}
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		if !strings.Contains(endpoint, "://") {
			endpoint = "https://" + endpoint
		}
		opts.BaseEndpoint = aws.String(endpoint)
		opts.UsePathStyle = true
	}
	return s3.New(opts)
}

func (o *LocatorOpener) openGCS(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	client, err := o.gcsClient(ctx)
	if err != nil {
		return nil, err
	}
	r, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
			return nil, domain.ErrNotFound("object gs://%s/%s not found", bucket, object)
		}
		return nil, fmt.Errorf("read gs://%s/%s: %w", bucket, object, err)
	}
	return r, nil
}

func (o *LocatorOpener) gcsClient(ctx context.Context) (*storage.Client, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gcs != nil {
		return o.gcs, nil
	}
	var opts []option.ClientOption
	if o.cfg.GCSKeyFile != "" {
		opts = append(opts, option.WithAuthCredentialsFile(option.ServiceAccount, o.cfg.GCSKeyFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	o.gcs = client
	return client, nil
}

func (o *LocatorOpener) openAzure(ctx context.Context, container, blob string) (io.ReadCloser, error) {
	client, err := o.azureClient()
	if err != nil {
		return nil, err
	}
	resp, err := client.DownloadStream(ctx, container, blob, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return nil, domain.ErrNotFound("blob %s/%s not found", container, blob)
		}
		return nil, fmt.Errorf("download blob %s/%s: %w", container, blob, err)
	}
	return resp.Body, nil
}

func (o *LocatorOpener) azureClient() (*azblob.Client, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.azure != nil {
		return o.azure, nil
	}
	serviceURL := o.cfg.AzureAccountURL
	if serviceURL == "" && o.cfg.AzureAccountName != "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net", o.cfg.AzureAccountName)
	}
	if serviceURL == "" {
		return nil, domain.ErrValidation("azblob locators require AZURE_ACCOUNT_URL or AZURE_ACCOUNT_NAME")
	}

	var (
		client *azblob.Client
		err    error
	)
	if o.cfg.AzureAccountKey != "" {
		cred, credErr := azblob.NewSharedKeyCredential(o.cfg.AzureAccountName, o.cfg.AzureAccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("create shared key credential: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	} else {
		// Anonymous or SAS-in-URL access.
		client, err = azblob.NewClientWithNoCredential(serviceURL, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("create Azure blob client: %w", err)
	}
	o.azure = client
	return client, nil
}

// splitBucketKey splits "bucket/path/to/key".
func splitBucketKey(rest string) (bucket, key string, err error) {
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return "", "", domain.ErrValidation("locator %q must name a bucket and an object", rest)
	}
	return bucket, key, nil
}

// redactURL drops credentials and query strings (often SAS tokens) from
// URLs before they reach logs.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.User = nil
	u.RawQuery = ""
	return u.String()
}
