// Package delivery streams finalized media files to token holders, with
// support for resumable byte-range requests.
package delivery

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xiaoshenming/bilibili-server/internal/metrics"
	"github.com/xiaoshenming/bilibili-server/pkg/models"
)

// ItemLookup resolves stored items and relation edges for permission checks.
type ItemLookup interface {
	GetByCanonicalID(ctx context.Context, canonicalID string) (*models.ContentItem, error)
	HasRelation(ctx context.Context, identityID string, itemID int64) (bool, error)
}

// FileVolume locates finalized media files on disk.
type FileVolume interface {
	Path(fileName string) (string, error)
}

// Server authorizes and serves download requests.
type Server struct {
	lookup ItemLookup
	volume FileVolume
	log    *slog.Logger
}

// New creates a delivery Server.
func New(lookup ItemLookup, volume FileVolume, log *slog.Logger) *Server {
	return &Server{lookup: lookup, volume: volume, log: log}
}

// Authorize checks that the token's file matches the requested one and that
// the identity still holds a relation edge to the item. Relations can be
// revoked after a token is minted, so the live check is mandatory.
func (s *Server) Authorize(ctx context.Context, claimedFile, identityID, requestedFile string) error {
	if claimedFile != requestedFile {
		return fmt.Errorf("%w: token bound to a different file", models.ErrTokenInvalid)
	}

	canonicalID := strings.TrimSuffix(requestedFile, filepath.Ext(requestedFile))
	item, err := s.lookup.GetByCanonicalID(ctx, canonicalID)
	if err != nil {
		return err
	}
	ok, err := s.lookup.HasRelation(ctx, identityID, item.ID)
	if err != nil {
		return err
	}
	if !ok {
		return models.ErrPermissionDenied
	}
	return nil
}

// ServeFile writes the file to the response, honoring a single byte-range
// of the forms "bytes=start-end", "bytes=start-" and "bytes=-suffix".
func (s *Server) ServeFile(w http.ResponseWriter, r *http.Request, fileName string) {
	path, err := s.volume.Path(fileName)
	if err != nil {
		http.Error(w, "invalid file name", http.StatusBadRequest)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "file not found", http.StatusNotFound)
			return
		}
		s.log.ErrorContext(r.Context(), "Failed to open media file", "file", fileName, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	size := info.Size()

	w.Header().Set("Content-Type", contentType(fileName))
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fileName))

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			io.Copy(w, f)
		}
		metrics.DownloadsServed.WithLabelValues("full").Inc()
		return
	}

	start, end, err := parseRange(rangeHeader, size)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		http.Error(w, "invalid range", http.StatusRequestedRangeNotSatisfiable)
		return
	}

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method != http.MethodHead {
		io.CopyN(w, f, end-start+1)
	}
	metrics.DownloadsServed.WithLabelValues("range").Inc()
}

// contentType maps the finalized file's extension to its media type. Audio
// extractions finalize as mp3, everything else as mp4.
func contentType(fileName string) string {
	if filepath.Ext(fileName) == ".mp3" {
		return "audio/mpeg"
	}
	return "video/mp4"
}

// parseRange interprets a single-range Range header against a file of the
// given size. Multi-range requests are rejected.
func parseRange(header string, size int64) (start, end int64, err error) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return 0, 0, fmt.Errorf("unsupported range %q", header)
	}

	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, 0, fmt.Errorf("malformed range %q", header)
	}

	if startStr == "" {
		// Suffix form: last N bytes.
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, fmt.Errorf("malformed range %q", header)
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, nil
	}

	start, err = strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, fmt.Errorf("malformed range %q", header)
	}

	if endStr == "" {
		end = size - 1
	} else {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("malformed range %q", header)
		}
		if end >= size {
			end = size - 1
		}
	}

	if start >= size || start > end {
		return 0, 0, fmt.Errorf("unsatisfiable range %q", header)
	}
	return start, end, nil
}
