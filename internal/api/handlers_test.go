package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaoshenming/bilibili-server/internal/auth"
	"github.com/xiaoshenming/bilibili-server/internal/config"
	"github.com/xiaoshenming/bilibili-server/internal/delivery"
	"github.com/xiaoshenming/bilibili-server/internal/fetcher"
	"github.com/xiaoshenming/bilibili-server/internal/health"
	"github.com/xiaoshenming/bilibili-server/internal/merge"
	"github.com/xiaoshenming/bilibili-server/internal/pipeline"
	"github.com/xiaoshenming/bilibili-server/internal/quota"
	"github.com/xiaoshenming/bilibili-server/internal/storage"
	"github.com/xiaoshenming/bilibili-server/internal/store"
	"github.com/xiaoshenming/bilibili-server/internal/token"
	"github.com/xiaoshenming/bilibili-server/pkg/models"
)

const (
	testSecret = "test-secret-at-least-32-characters-long"
	testIssuer = "account-service"
)

type stubResolver struct{}

func (stubResolver) Metadata(_ context.Context, canonicalID string, _ *models.Credential) (*models.ItemMetadata, error) {
	return &models.ItemMetadata{
		CanonicalID: canonicalID,
		AID:         170001,
		SubID:       280001,
		Title:       "Title for " + canonicalID,
		Owner:       models.ItemOwner{MID: 1, Name: "uploader"},
	}, nil
}

func (stubResolver) Playback(_ context.Context, _ string, _ int64, _ *models.Credential, quality int) (*models.PlaybackSources, error) {
	if quality == 0 {
		quality = 80
	}
	return &models.PlaybackSources{
		VideoURL: "https://cdn.example.com/v.m4s",
		AudioURL: "https://cdn.example.com/a.m4s",
		Quality:  quality,
	}, nil
}

type stubFetcher struct{}

func (stubFetcher) Fetch(_ context.Context, stream fetcher.Stream, _ *models.Credential) error {
	return os.WriteFile(stream.DestPath, []byte("stream"), 0o644)
}

func (stubFetcher) FetchPair(_ context.Context, video, audio fetcher.Stream, _ *models.Credential) error {
	if err := os.WriteFile(video.DestPath, []byte("video"), 0o644); err != nil {
		return err
	}
	return os.WriteFile(audio.DestPath, []byte("audio"), 0o644)
}

type stubMerger struct{}

func (stubMerger) Merge(_ context.Context, videoPath, audioPath, outputPath string) error {
	v, err := os.ReadFile(videoPath)
	if err != nil {
		return err
	}
	a, err := os.ReadFile(audioPath)
	if err != nil {
		return err
	}
	return os.WriteFile(outputPath, append(v, a...), 0o644)
}

type testStack struct {
	handler http.Handler
	store   *store.Store
	minter  *token.Minter
	volume  *storage.Volume
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	staging, err := storage.NewStaging(t.TempDir())
	require.NoError(t, err)
	volume, err := storage.NewVolume(t.TempDir())
	require.NoError(t, err)

	baseURL := "http://localhost:9000"
	pipe := pipeline.New(stubResolver{}, stubFetcher{}, stubMerger{}, st, staging, volume, baseURL, time.Millisecond, log)

	minter := token.NewMinter(testSecret, time.Hour)
	limiter := quota.NewLimiter(quota.NewMemoryCounter())
	deliverySrv := delivery.New(st, volume, log)
	scheduler := merge.NewScheduler(merge.NewFFmpegRunner("ffmpeg", log), 2, log)

	handlers := NewHandlers(&HandlersConfig{
		Logger:   log,
		Pipeline: pipe,
		Catalog:  st,
		Limiter:  limiter,
		Minter:   minter,
		Delivery: deliverySrv,
		Jobs:     scheduler,
		BaseURL:  baseURL,
	})

	cfg := &config.Config{
		Environment: "test",
		Server:      config.ServerConfig{Host: "127.0.0.1", Port: "0", PublicBaseURL: baseURL},
		CORS:        config.CORSConfig{AllowedOrigins: []string{"http://localhost:3000"}},
	}

	srv := NewServer(&ServerConfig{
		Config:        cfg,
		Logger:        log,
		Handlers:      handlers,
		Verifier:      auth.NewVerifier(testSecret, testIssuer, nil),
		HealthChecker: health.NewChecker(health.DefaultConfig("acquisition-server", log)),
	})

	return &testStack{handler: srv.httpServer.Handler, store: st, minter: minter, volume: volume}
}

func sessionToken(t *testing.T, subject string, tier int) string {
	t.Helper()
	claims := &auth.IdentityClaims{
		Tier: tier,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    testIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (ts *testStack) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var e envelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&e))
	return e
}

func TestProcessEndpoint(t *testing.T) {
	ts := newTestStack(t)
	bearer := sessionToken(t, "identity-1", 3)

	rec := ts.do(t, http.MethodPost, "/api/video/process", bearer, processRequest{
		URL: "https://www.bilibili.com/video/BV1fK4y1t7hj",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	e := decodeEnvelope(t, rec)
	assert.Equal(t, http.StatusOK, e.Code)
	assert.Equal(t, "processed", e.Message)

	// Running it again reports the dedup hit.
	rec = ts.do(t, http.MethodPost, "/api/video/process", bearer, processRequest{URL: "BV1fK4y1t7hj"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "already processed", decodeEnvelope(t, rec).Message)
}

func TestProcessEndpoint_RequiresSession(t *testing.T) {
	ts := newTestStack(t)

	rec := ts.do(t, http.MethodPost, "/api/video/process", "", processRequest{URL: "BV1fK4y1t7hj"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProcessEndpoint_BadInput(t *testing.T) {
	ts := newTestStack(t)
	bearer := sessionToken(t, "identity-1", 3)

	rec := ts.do(t, http.MethodPost, "/api/video/process", bearer, processRequest{URL: ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/video/process", bearer, processRequest{URL: "no canonical id here"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProcessEndpoint_QuotaExceeded(t *testing.T) {
	ts := newTestStack(t)
	bearer := sessionToken(t, "identity-1", 1) // one request per day

	rec := ts.do(t, http.MethodPost, "/api/video/process", bearer, processRequest{URL: "BV1fK4y1t7hj"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/video/process", bearer, processRequest{URL: "BV1aa411a7aa"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestProcessEndpoint_ReprocessOwnItemExemptFromQuota(t *testing.T) {
	ts := newTestStack(t)
	bearer := sessionToken(t, "identity-1", 1) // one request per day

	rec := ts.do(t, http.MethodPost, "/api/video/process", bearer, processRequest{URL: "BV1fK4y1t7hj"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// The processor edge exempts reprocessing from the daily cap.
	rec = ts.do(t, http.MethodPost, "/api/video/process", bearer, processRequest{URL: "BV1fK4y1t7hj"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "already processed", decodeEnvelope(t, rec).Message)

	// A new item is a fresh metered grant and the cap is spent.
	rec = ts.do(t, http.MethodPost, "/api/video/process", bearer, processRequest{URL: "BV1aa411a7aa"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestDownloadLink_ThirdPartyGrant(t *testing.T) {
	ts := newTestStack(t)
	owner := sessionToken(t, "identity-1", 3)

	for _, id := range []string{"BV1fK4y1t7hj", "BV1aa411a7aa"} {
		rec := ts.do(t, http.MethodPost, "/api/video/process", owner, processRequest{URL: id})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	// A third party with no edge spends quota and gains a downloader edge.
	third := sessionToken(t, "identity-2", 1)
	rec := ts.do(t, http.MethodPost, "/api/video/download-link", third, downloadLinkRequest{
		FileName: "BV1fK4y1t7hj.mp4",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	item, err := ts.store.GetByCanonicalID(context.Background(), "BV1fK4y1t7hj")
	require.NoError(t, err)
	granted, err := ts.store.HasRelationRole(context.Background(), "identity-2", item.ID, models.RoleDownloader)
	require.NoError(t, err)
	assert.True(t, granted)

	// The minted link is playable by the grantee.
	var e struct {
		Data downloadLinkResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&e))
	playPath := e.Data.URL[len("http://localhost:9000"):]
	rec = ts.do(t, http.MethodGet, playPath, "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Re-minting for the granted item is free, a second item is over cap.
	rec = ts.do(t, http.MethodPost, "/api/video/download-link", third, downloadLinkRequest{
		FileName: "BV1fK4y1t7hj.mp4",
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/video/download-link", third, downloadLinkRequest{
		FileName: "BV1aa411a7aa.mp4",
	})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestBatchEndpoint(t *testing.T) {
	ts := newTestStack(t)
	bearer := sessionToken(t, "identity-1", 3)

	rec := ts.do(t, http.MethodPost, "/api/video/batch", bearer, batchRequest{
		URLs: []string{"BV1aa411a7aa", "garbage", "BV1bb411b7bb"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var e struct {
		Code int                 `json:"code"`
		Data []pipeline.BatchItem `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&e))
	require.Len(t, e.Data, 3)
	assert.Empty(t, e.Data[0].Error)
	assert.NotEmpty(t, e.Data[1].Error)
	assert.Empty(t, e.Data[2].Error)
}

func TestBatchEndpoint_SizeLimit(t *testing.T) {
	ts := newTestStack(t)
	bearer := sessionToken(t, "identity-1", 4)

	urls := make([]string, MaxBatchSize+1)
	for i := range urls {
		urls[i] = fmt.Sprintf("BV1xx41%d", i)
	}
	rec := ts.do(t, http.MethodPost, "/api/video/batch", bearer, batchRequest{URLs: urls})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListAndMineEndpoints(t *testing.T) {
	ts := newTestStack(t)
	bearer := sessionToken(t, "identity-1", 3)

	rec := ts.do(t, http.MethodPost, "/api/video/process", bearer, processRequest{URL: "BV1fK4y1t7hj"})
	require.Equal(t, http.StatusOK, rec.Code)

	// The catalog is public.
	rec = ts.do(t, http.MethodGet, "/api/video/list", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list struct {
		Data []*models.ContentItem `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list.Data, 1)
	assert.Equal(t, "BV1fK4y1t7hj", list.Data[0].CanonicalID)
	assert.Equal(t, int64(1), list.Data[0].RelationCount)

	// Mine requires a session and is scoped to the identity.
	rec = ts.do(t, http.MethodGet, "/api/video/mine", bearer, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	other := sessionToken(t, "identity-2", 3)
	rec = ts.do(t, http.MethodGet, "/api/video/mine", other, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var mine struct {
		Data []*models.ContentItem `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&mine))
	assert.Empty(t, mine.Data)
}

func TestDownloadLinkAndPlay(t *testing.T) {
	ts := newTestStack(t)
	bearer := sessionToken(t, "identity-1", 3)

	rec := ts.do(t, http.MethodPost, "/api/video/process", bearer, processRequest{URL: "BV1fK4y1t7hj"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/video/download-link", bearer, downloadLinkRequest{
		FileName: "BV1fK4y1t7hj.mp4",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var e struct {
		Data downloadLinkResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&e))
	assert.Contains(t, e.Data.URL, "/api/video/play/BV1fK4y1t7hj.mp4?token=")
	assert.Equal(t, int64(3600), e.Data.ExpiresIn)

	// The signed URL works without a session header.
	playPath := e.Data.URL[len("http://localhost:9000"):]
	rec = ts.do(t, http.MethodGet, playPath, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "videoaudio", rec.Body.String())

	// Range requests resume mid-file.
	req := httptest.NewRequest(http.MethodGet, playPath, nil)
	req.Header.Set("Range", "bytes=5-9")
	rangeRec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rangeRec, req)
	assert.Equal(t, http.StatusPartialContent, rangeRec.Code)
	assert.Equal(t, "bytes 5-9/10", rangeRec.Header().Get("Content-Range"))
	assert.Equal(t, "audio", rangeRec.Body.String())
}

func TestPlayEndpoint_TokenChecks(t *testing.T) {
	ts := newTestStack(t)
	bearer := sessionToken(t, "identity-1", 3)

	rec := ts.do(t, http.MethodPost, "/api/video/process", bearer, processRequest{URL: "BV1fK4y1t7hj"})
	require.Equal(t, http.StatusOK, rec.Code)

	// Missing and garbage tokens are rejected.
	rec = ts.do(t, http.MethodGet, "/api/video/play/BV1fK4y1t7hj.mp4", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/video/play/BV1fK4y1t7hj.mp4?token=garbage", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// A token for one file cannot fetch another.
	signed, err := ts.minter.Mint("BV1fK4y1t7hj.mp4", "identity-1")
	require.NoError(t, err)
	rec = ts.do(t, http.MethodGet, "/api/video/play/BV1other.mp4?token="+signed, "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// A token minted for an identity without a relation edge is refused.
	signed, err = ts.minter.Mint("BV1fK4y1t7hj.mp4", "identity-2")
	require.NoError(t, err)
	rec = ts.do(t, http.MethodGet, "/api/video/play/BV1fK4y1t7hj.mp4?token="+signed, "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDeleteEndpoint(t *testing.T) {
	ts := newTestStack(t)
	bearer := sessionToken(t, "identity-1", 3)

	rec := ts.do(t, http.MethodPost, "/api/video/process", bearer, processRequest{URL: "BV1fK4y1t7hj"})
	require.Equal(t, http.StatusOK, rec.Code)

	item, err := ts.store.GetByCanonicalID(context.Background(), "BV1fK4y1t7hj")
	require.NoError(t, err)

	// A stranger cannot delete it.
	stranger := sessionToken(t, "identity-2", 3)
	rec = ts.do(t, http.MethodDelete, fmt.Sprintf("/api/video/%d", item.ID), stranger, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodDelete, fmt.Sprintf("/api/video/%d", item.ID), bearer, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodDelete, fmt.Sprintf("/api/video/%d", item.ID), bearer, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/video/not-a-number", bearer, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteEndpoint_KeepFile(t *testing.T) {
	ts := newTestStack(t)
	bearer := sessionToken(t, "identity-1", 3)

	rec := ts.do(t, http.MethodPost, "/api/video/process", bearer, processRequest{URL: "BV1fK4y1t7hj"})
	require.Equal(t, http.StatusOK, rec.Code)

	item, err := ts.store.GetByCanonicalID(context.Background(), "BV1fK4y1t7hj")
	require.NoError(t, err)

	rec = ts.do(t, http.MethodDelete, fmt.Sprintf("/api/video/%d?deleteFile=false", item.ID), bearer, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, ts.volume.Exists("BV1fK4y1t7hj.mp4"))

	rec = ts.do(t, http.MethodDelete, fmt.Sprintf("/api/video/%d?deleteFile=maybe", item.ID), bearer, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDailyLimitEndpoint(t *testing.T) {
	ts := newTestStack(t)
	bearer := sessionToken(t, "identity-1", 2)

	rec := ts.do(t, http.MethodGet, "/api/video/daily-limit", bearer, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var e struct {
		Data quota.Status `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&e))
	assert.Equal(t, int64(10), e.Data.Limit)
	assert.Equal(t, int64(10), e.Data.Remaining)

	// Processing one item consumes one unit.
	rec = ts.do(t, http.MethodPost, "/api/video/process", bearer, processRequest{URL: "BV1fK4y1t7hj"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/video/daily-limit", bearer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&e))
	assert.Equal(t, int64(9), e.Data.Remaining)
}

func TestJobStatusEndpoint_Unknown(t *testing.T) {
	ts := newTestStack(t)
	bearer := sessionToken(t, "identity-1", 3)

	rec := ts.do(t, http.MethodGet, "/api/video/job/nope", bearer, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint_InternalOnly(t *testing.T) {
	ts := newTestStack(t)

	// httptest requests default to a TEST-NET address, which is external.
	rec := ts.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.RemoteAddr = "127.0.0.1:9999"
	local := httptest.NewRecorder()
	ts.handler.ServeHTTP(local, req)
	assert.Equal(t, http.StatusOK, local.Code)
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestStack(t)
	rec := ts.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestStack(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/video/list", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}
