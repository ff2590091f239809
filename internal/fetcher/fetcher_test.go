package fetcher

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaoshenming/bilibili-server/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestFetch_WritesFileAndReportsProgress(t *testing.T) {
	payload := make([]byte, 64*1024)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "https://www.bilibili.com/", r.Header.Get("Referer"))
		assert.Equal(t, "SESSDATA=abc", r.Header.Get("Cookie"))
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.Write(payload)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "BV1xx_deadbeef_video.mp4")
	var lastFraction float64
	var lastDone, lastTotal int64

	f := New(5*time.Second, testLogger())
	err := f.Fetch(context.Background(), Stream{
		URL:      srv.URL,
		DestPath: dest,
		OnProgress: func(fraction float64, done, total int64) {
			lastFraction, lastDone, lastTotal = fraction, done, total
		},
	}, &models.Credential{Cookie: "SESSDATA=abc"})
	require.NoError(t, err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, int64(len(payload)), lastDone)
	assert.Equal(t, int64(len(payload)), lastTotal)
	assert.InDelta(t, 1.0, lastFraction, 1e-9)
}

func TestFetch_UpstreamErrorRemovesPartial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "out.mp4")
	f := New(5*time.Second, testLogger())
	err := f.Fetch(context.Background(), Stream{URL: srv.URL, DestPath: dest}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrDownloadFailed))

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestFetch_TimeoutRemovesPartial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1024")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("partial"))
		if fl, ok := w.(http.Flusher); ok {
			fl.Flush()
		}
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "out.mp4")
	f := New(200*time.Millisecond, testLogger())
	err := f.Fetch(context.Background(), Stream{URL: srv.URL, DestPath: dest}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrDownloadFailed))

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestFetchPair_BothStreamsLand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/video":
			w.Write([]byte("video-bytes"))
		case "/audio":
			w.Write([]byte("audio-bytes"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	videoDest := filepath.Join(dir, "v.mp4")
	audioDest := filepath.Join(dir, "a.mp3")

	f := New(5*time.Second, testLogger())
	err := f.FetchPair(context.Background(),
		Stream{URL: srv.URL + "/video", DestPath: videoDest},
		Stream{URL: srv.URL + "/audio", DestPath: audioDest},
		nil,
	)
	require.NoError(t, err)

	v, _ := os.ReadFile(videoDest)
	a, _ := os.ReadFile(audioDest)
	assert.Equal(t, "video-bytes", string(v))
	assert.Equal(t, "audio-bytes", string(a))
}

func TestFetchPair_SiblingRunsToCompletionAfterFailure(t *testing.T) {
	videoDone := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/video":
			// Finishes well after the audio stream has failed. With
			// cross-cancellation this write would abort early.
			time.Sleep(300 * time.Millisecond)
			w.Write([]byte("video-bytes"))
			close(videoDone)
		case "/audio":
			w.WriteHeader(http.StatusForbidden)
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := New(5*time.Second, testLogger())
	err := f.FetchPair(context.Background(),
		Stream{URL: srv.URL + "/video", DestPath: filepath.Join(dir, "v.mp4")},
		Stream{URL: srv.URL + "/audio", DestPath: filepath.Join(dir, "a.mp3")},
		nil,
	)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrDownloadFailed))

	select {
	case <-videoDone:
	case <-time.After(2 * time.Second):
		t.Fatal("video transfer was cancelled by its sibling's failure")
	}
}

func TestFetchPair_OneFailureCleansBoth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/video" {
			w.Write([]byte("video-bytes"))
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	dir := t.TempDir()
	videoDest := filepath.Join(dir, "v.mp4")
	audioDest := filepath.Join(dir, "a.mp3")

	f := New(5*time.Second, testLogger())
	err := f.FetchPair(context.Background(),
		Stream{URL: srv.URL + "/video", DestPath: videoDest},
		Stream{URL: srv.URL + "/audio", DestPath: audioDest},
		nil,
	)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrDownloadFailed))

	_, vErr := os.Stat(videoDest)
	_, aErr := os.Stat(audioDest)
	assert.True(t, os.IsNotExist(vErr))
	assert.True(t, os.IsNotExist(aErr))
}
