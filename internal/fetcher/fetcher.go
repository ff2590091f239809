// Package fetcher downloads resolved upstream streams into the staging area.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/xiaoshenming/bilibili-server/pkg/models"
)

var tracer = otel.Tracer("stream-fetcher")

// DefaultTimeout bounds a single stream transfer.
const DefaultTimeout = 30 * time.Second

// ProgressFunc receives transfer progress while the total size is known.
type ProgressFunc func(fraction float64, bytesDone, bytesTotal int64)

// Stream names one download: a source URL and its staging destination.
type Stream struct {
	URL        string
	DestPath   string
	OnProgress ProgressFunc
}

// Fetcher performs streaming HTTP downloads with per-request timeouts.
type Fetcher struct {
	http    *http.Client
	timeout time.Duration
	log     *slog.Logger
}

// New creates a Fetcher. A non-positive timeout falls back to DefaultTimeout.
func New(timeout time.Duration, log *slog.Logger) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Fetcher{
		http:    &http.Client{},
		timeout: timeout,
		log:     log,
	}
}

// Download headers; the upstream CDN rejects requests without a matching
// Referer.
var downloadHeaders = map[string]string{
	"User-Agent":      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Referer":         "https://www.bilibili.com/",
	"Accept":          "*/*",
	"Accept-Language": "zh-CN,zh;q=0.9,en;q=0.8",
}

// Fetch performs a streaming GET of url into destPath, reporting progress as
// data arrives. A partial file is removed on failure.
func (f *Fetcher) Fetch(ctx context.Context, stream Stream, cred *models.Credential) error {
	ctx, span := tracer.Start(ctx, "fetch-stream")
	defer span.End()

	// Each transfer carries its own deadline so a hung download aborts
	// without cancelling its sibling.
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, stream.URL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrDownloadFailed, err)
	}
	for k, v := range downloadHeaders {
		req.Header.Set(k, v)
	}
	if cred != nil && cred.Cookie != "" {
		req.Header.Set("Cookie", cred.Cookie)
	}

	resp, err := f.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrDownloadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("%w: status %d", models.ErrDownloadFailed, resp.StatusCode)
	}

	out, err := os.Create(stream.DestPath)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", models.ErrDownloadFailed, stream.DestPath, err)
	}

	src := io.Reader(resp.Body)
	if stream.OnProgress != nil && resp.ContentLength > 0 {
		src = &progressReader{
			r:     resp.Body,
			total: resp.ContentLength,
			fn:    stream.OnProgress,
		}
	}

	written, err := io.Copy(out, src)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		f.removePartial(ctx, stream.DestPath)
		return fmt.Errorf("%w: %v", models.ErrDownloadFailed, err)
	}

	span.SetAttributes(attribute.Int64("stream.size_bytes", written))
	return nil
}

// FetchPair downloads the video and audio streams of one job concurrently.
// If either transfer fails, both staging files are removed and the stage
// fails as a whole.
func (f *Fetcher) FetchPair(ctx context.Context, video, audio Stream, cred *models.Credential) error {
	ctx, span := tracer.Start(ctx, "fetch-pair")
	defer span.End()

	// No shared cancellation: each transfer runs to its own deadline even
	// when its sibling has already failed.
	var g errgroup.Group
	g.Go(func() error { return f.Fetch(ctx, video, cred) })
	g.Go(func() error { return f.Fetch(ctx, audio, cred) })

	if err := g.Wait(); err != nil {
		f.removePartial(ctx, video.DestPath)
		f.removePartial(ctx, audio.DestPath)
		return err
	}
	return nil
}

// removePartial is best effort; cleanup failure is logged, not escalated.
func (f *Fetcher) removePartial(ctx context.Context, path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		f.log.WarnContext(ctx, "Failed to remove partial file", "path", path, "error", err)
	}
}

// progressReader reports byte counts as the response body is consumed.
type progressReader struct {
	r     io.Reader
	done  int64
	total int64
	fn    ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.done += int64(n)
		p.fn(float64(p.done)/float64(p.total), p.done, p.total)
	}
	return n, err
}
