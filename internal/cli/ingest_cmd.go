package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"duck-ingest/internal/domain"
	"duck-ingest/internal/service/ingestion"
)

func newIngestCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest tabular files",
	}
	cmd.AddCommand(newIngestFileCmd(e), newIngestRecoverCmd(e))
	return cmd
}

func newIngestFileCmd(e *env) *cobra.Command {
	var (
		req      ingestion.IngestRequest
		format   string
		progress bool
	)
	cmd := &cobra.Command{
		Use:   "file <locator>",
		Short: "Stream a CSV, TSV, or XLSX file into the row store",
		Long: `Stream a file into the row store. The locator may be a local path, an
http(s) URL, or an s3://, gs://, or azblob:// object.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()

			f, err := ingestion.ParseFormat(format)
			if err != nil {
				return err
			}
			req.Locator = args[0]
			req.Format = f
			if req.SourceID == "" {
				req.SourceID = args[0]
			}
			if progress {
				req.OnProgress = func(p domain.Progress) {
					fmt.Fprintf(cmd.ErrOrStderr(), "batch %d: %d rows read, %d inserted, %d failed (%.0f%%)\n",
						p.Batch, p.RowsRead, p.RowsInserted, p.RowsFailed, p.Percent())
				}
			}

			s, err := e.open(ctx, req.Export)
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := s.app.Services.Ingestion.Ingest(ctx, req)
			if res != nil {
				if rerr := render(cmd, res, func(w io.Writer) error { return printIngestResult(w, res) }); rerr != nil {
					return rerr
				}
			}
			if err != nil {
				return err
			}
			if res.Status == domain.FileStatusError {
				return fmt.Errorf("file %s finished with status %s", res.FileID, res.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "Source format: csv, tsv, xlsx (default: inferred from the locator)")
	cmd.Flags().StringVar(&req.FileID, "file-id", "", "File id (default: generated)")
	cmd.Flags().StringVar(&req.SourceID, "source-id", "", "Source id recorded on every row (default: the locator)")
	cmd.Flags().StringVar(&req.Actor, "actor", "", "Actor recorded in the audit log")
	cmd.Flags().StringVar(&req.Sheet, "sheet", "", "XLSX sheet name (default: first sheet)")
	cmd.Flags().Int64Var(&req.EstimatedRows, "estimated-rows", 0, "Expected row count, used to size batches")
	cmd.Flags().BoolVar(&req.Export, "export", false, "Convert stored rows to Parquet after ingestion")
	cmd.Flags().BoolVar(&progress, "progress", false, "Print per-batch progress to stderr")
	return cmd
}

func printIngestResult(w io.Writer, res *domain.IngestionResult) error {
	pairs := []string{
		"File", res.FileID,
		"Status", string(res.Status),
		"Rows", strconv.FormatInt(res.RowCount, 10),
		"Inserted", strconv.FormatInt(res.Inserted, 10),
		"Failed", strconv.FormatInt(res.Failed, 10),
		"Skipped", strconv.FormatInt(res.SkippedRows, 10),
		"Batches", fmt.Sprintf("%d x %d", res.Batches, res.BatchSize),
		"Dead letters", strconv.Itoa(res.DeadLetters),
	}
	if res.ExportPath != "" {
		pairs = append(pairs, "Export", res.ExportPath)
	}
	if res.ExportError != "" {
		pairs = append(pairs, "Export error", res.ExportError)
	}
	if err := printKV(w, pairs...); err != nil {
		return err
	}
	const maxShown = 20
	for i, re := range res.RowErrors {
		if i == maxShown {
			fmt.Fprintf(w, "... %d more row errors\n", len(res.RowErrors)-maxShown)
			break
		}
		fmt.Fprintln(w, "  "+re.String())
	}
	return nil
}

func newIngestRecoverCmd(e *env) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Mark runs stuck in processing as failed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := e.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()
			n, err := s.app.RecoverInterrupted(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			return render(cmd, map[string]int{"recovered": n}, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Recovered %d interrupted file(s)\n", n)
				return err
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", time.Hour, "Only recover runs idle for longer than this")
	return cmd
}

// stdinOrFile opens path, or stdin for "-".
func stdinOrFile(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, nil
}
