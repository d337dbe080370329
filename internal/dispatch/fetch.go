// ABOUTME: HTTP media fetcher for [img = ...] and [pdf = ...] body markers
// ABOUTME: Enforces a size ceiling and derives MIME type and file name from the response

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/2389/wabridge/internal/backend"
)

// ErrMediaTooLarge is returned when a fetched body exceeds the size ceiling.
var ErrMediaTooLarge = errors.New("media exceeds size limit")

// Fetcher downloads media referenced by a body marker.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (backend.Media, error)
}

// HTTPFetcher fetches media over HTTP(S).
type HTTPFetcher struct {
	client   *http.Client
	maxBytes int64
	logger   *slog.Logger
}

// NewHTTPFetcher creates a fetcher. timeout bounds each request; maxBytes
// bounds each body (zero means unlimited).
func NewHTTPFetcher(timeout time.Duration, maxBytes int64, logger *slog.Logger) *HTTPFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPFetcher{
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
		logger:   logger.With("component", "fetcher"),
	}
}

// Fetch downloads rawURL.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (backend.Media, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return backend.Media{}, fmt.Errorf("building request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return backend.Media{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return backend.Media{}, fmt.Errorf("unexpected status %s", resp.Status)
	}
	if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
		return backend.Media{}, fmt.Errorf("%w: %s > %s", ErrMediaTooLarge,
			humanize.IBytes(uint64(resp.ContentLength)), humanize.IBytes(uint64(f.maxBytes)))
	}

	var body io.Reader = resp.Body
	if f.maxBytes > 0 {
		body = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return backend.Media{}, fmt.Errorf("reading body: %w", err)
	}
	if f.maxBytes > 0 && int64(len(data)) > f.maxBytes {
		return backend.Media{}, fmt.Errorf("%w: over %s", ErrMediaTooLarge, humanize.IBytes(uint64(f.maxBytes)))
	}

	mt := resp.Header.Get("Content-Type")
	if parsed, _, err := mime.ParseMediaType(mt); err == nil {
		mt = parsed
	} else {
		mt = http.DetectContentType(data)
	}

	name := fileNameFor(resp, rawURL)
	f.logger.Debug("fetched media", "url", rawURL, "mime", mt, "size", humanize.IBytes(uint64(len(data))))

	return backend.Media{
		Kind:     backend.KindForMIME(mt),
		MimeType: mt,
		FileName: name,
		Data:     data,
	}, nil
}

// fileNameFor prefers the Content-Disposition filename, then the last URL
// path segment.
func fileNameFor(resp *http.Response, rawURL string) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil && params["filename"] != "" {
			return safeFileName(params["filename"])
		}
	}
	if u, err := url.Parse(rawURL); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" && strings.TrimSpace(base) != "" {
			return base
		}
	}
	return "file"
}
