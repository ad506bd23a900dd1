package domain

import (
	"encoding/base64"
	"strconv"
	"strings"
)

// Page sizes for registry, dead-letter and audit listings.
const (
	DefaultMaxResults = 100
	MaxMaxResults     = 1000
)

// pageTokenPrefix marks tokens minted by EncodePageToken.
const pageTokenPrefix = "offset:"

// PageRequest pages through a listing ordered by creation time. PageToken
// is opaque to callers and carries the offset of the next row.
type PageRequest struct {
	MaxResults int
	PageToken  string
}

// DecodePageToken returns the offset a token points at. The empty token is
// offset 0.
func DecodePageToken(token string) (int, error) {
	if token == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || !strings.HasPrefix(string(raw), pageTokenPrefix) {
		return 0, ErrValidation("malformed page token %q", token)
	}
	offset, err := strconv.Atoi(strings.TrimPrefix(string(raw), pageTokenPrefix))
	if err != nil || offset < 0 {
		return 0, ErrValidation("malformed page token %q", token)
	}
	return offset, nil
}

// Validate rejects negative page sizes and tokens this package did not mint.
func (p PageRequest) Validate() error {
	if p.MaxResults < 0 {
		return ErrValidation("max results must not be negative")
	}
	_, err := DecodePageToken(p.PageToken)
	return err
}

// Offset is the decoded token, or 0 when the token is empty or malformed.
func (p PageRequest) Offset() int {
	offset, err := DecodePageToken(p.PageToken)
	if err != nil {
		return 0
	}
	return offset
}

// Limit is MaxResults clamped to [1, MaxMaxResults], DefaultMaxResults when
// unset.
func (p PageRequest) Limit() int {
	switch {
	case p.MaxResults <= 0:
		return DefaultMaxResults
	case p.MaxResults > MaxMaxResults:
		return MaxMaxResults
	default:
		return p.MaxResults
	}
}

// Next returns the token of the page after this one, or "" when total rows
// are exhausted.
func (p PageRequest) Next(total int64) string {
	return NextPageToken(p.Offset(), p.Limit(), total)
}

// EncodePageToken mints a token for offset. Offsets <= 0 need no token.
func EncodePageToken(offset int) string {
	if offset <= 0 {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(pageTokenPrefix + strconv.Itoa(offset)))
}

// NextPageToken is the token following a page of limit rows at offset.
func NextPageToken(offset, limit int, total int64) string {
	next := offset + limit
	if int64(next) >= total {
		return ""
	}
	return EncodePageToken(next)
}
