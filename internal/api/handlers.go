package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/xiaoshenming/bilibili-server/internal/auth"
	"github.com/xiaoshenming/bilibili-server/internal/delivery"
	"github.com/xiaoshenming/bilibili-server/internal/merge"
	"github.com/xiaoshenming/bilibili-server/internal/pipeline"
	"github.com/xiaoshenming/bilibili-server/internal/quota"
	"github.com/xiaoshenming/bilibili-server/internal/resolver"
	"github.com/xiaoshenming/bilibili-server/internal/token"
	"github.com/xiaoshenming/bilibili-server/pkg/models"
)

// MaxBatchSize caps how many items one batch request may carry.
const MaxBatchSize = 20

// envelope is the uniform response body for JSON endpoints.
type envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// JobStatusReader exposes merge job snapshots. Satisfied by *merge.Scheduler.
type JobStatusReader interface {
	Status(id string) (merge.JobStatus, bool)
}

// Catalog is the store surface the handlers need: item lookups, relation
// checks and the downloader-grant edge insert.
type Catalog interface {
	GetByCanonicalID(ctx context.Context, canonicalID string) (*models.ContentItem, error)
	HasRelation(ctx context.Context, identityID string, itemID int64) (bool, error)
	HasRelationRole(ctx context.Context, identityID string, itemID int64, roles ...models.RoleTag) (bool, error)
	AddRelation(ctx context.Context, identityID string, itemID int64, role models.RoleTag) (bool, error)
	ListAll(ctx context.Context, limit, offset int) ([]*models.ContentItem, error)
	ListByIdentity(ctx context.Context, identityID string) ([]*models.ContentItem, error)
}

// Handlers holds the HTTP handlers and their dependencies.
type Handlers struct {
	log      *slog.Logger
	pipeline *pipeline.Pipeline
	catalog  Catalog
	limiter  *quota.Limiter
	minter   *token.Minter
	delivery *delivery.Server
	jobs     JobStatusReader
	baseURL  string
}

// HandlersConfig carries the handler dependencies.
type HandlersConfig struct {
	Logger   *slog.Logger
	Pipeline *pipeline.Pipeline
	Catalog  Catalog
	Limiter  *quota.Limiter
	Minter   *token.Minter
	Delivery *delivery.Server
	Jobs     JobStatusReader
	BaseURL  string
}

// NewHandlers creates the handler set.
func NewHandlers(cfg *HandlersConfig) *Handlers {
	return &Handlers{
		log:      cfg.Logger,
		pipeline: cfg.Pipeline,
		catalog:  cfg.Catalog,
		limiter:  cfg.Limiter,
		minter:   cfg.Minter,
		delivery: cfg.Delivery,
		jobs:     cfg.Jobs,
		baseURL:  cfg.BaseURL,
	}
}

type processRequest struct {
	URL     string `json:"url"`
	Mode    string `json:"mode,omitempty"`
	Quality int    `json:"quality,omitempty"`
}

// ProcessHandler runs one acquisition synchronously.
func (h *Handlers) ProcessHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		h.writeError(w, r, models.ErrTokenInvalid)
		return
	}

	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		h.write(w, http.StatusBadRequest, envelope{Code: http.StatusBadRequest, Message: "url is required"})
		return
	}

	if !h.quotaExempt(r.Context(), identity, req.URL) {
		if _, err := h.limiter.Consume(r.Context(), identity); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	result, err := h.pipeline.Process(r.Context(), identity, pipeline.Request{
		Input:   req.URL,
		Mode:    models.DownloadMode(req.Mode),
		Quality: req.Quality,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	message := "processed"
	if result.Skipped {
		message = "already processed"
	}
	h.write(w, http.StatusOK, envelope{Code: http.StatusOK, Message: message, Data: result})
}

// quotaExempt reports whether the input resolves to an item the identity
// already holds an owner or processor edge on. Reprocessing one's own item
// is not a metered grant.
func (h *Handlers) quotaExempt(ctx context.Context, identity *models.Identity, input string) bool {
	canonicalID, err := resolver.ExtractID(input)
	if err != nil {
		return false
	}
	item, err := h.catalog.GetByCanonicalID(ctx, canonicalID)
	if err != nil {
		return false
	}
	exempt, err := h.catalog.HasRelationRole(ctx, identity.ID, item.ID, models.RoleOwner, models.RoleProcessor)
	return err == nil && exempt
}

type batchRequest struct {
	URLs    []string `json:"urls"`
	Mode    string   `json:"mode,omitempty"`
	Quality int      `json:"quality,omitempty"`
}

// BatchHandler runs several acquisitions sequentially. Items that fail the
// quota gate are reported in place without touching the pipeline.
func (h *Handlers) BatchHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		h.writeError(w, r, models.ErrTokenInvalid)
		return
	}

	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.URLs) == 0 {
		h.write(w, http.StatusBadRequest, envelope{Code: http.StatusBadRequest, Message: "urls is required"})
		return
	}
	if len(req.URLs) > MaxBatchSize {
		h.write(w, http.StatusBadRequest, envelope{
			Code:    http.StatusBadRequest,
			Message: fmt.Sprintf("batch size exceeds limit of %d", MaxBatchSize),
		})
		return
	}

	results := make([]pipeline.BatchItem, len(req.URLs))
	admitted := make([]pipeline.Request, 0, len(req.URLs))
	admittedIdx := make([]int, 0, len(req.URLs))

	for i, url := range req.URLs {
		if !h.quotaExempt(r.Context(), identity, url) {
			if _, err := h.limiter.Consume(r.Context(), identity); err != nil {
				results[i] = pipeline.BatchItem{Input: url, Error: err.Error()}
				continue
			}
		}
		admitted = append(admitted, pipeline.Request{
			Input:   url,
			Mode:    models.DownloadMode(req.Mode),
			Quality: req.Quality,
		})
		admittedIdx = append(admittedIdx, i)
	}

	for i, item := range h.pipeline.Batch(r.Context(), identity, admitted) {
		results[admittedIdx[i]] = item
	}

	h.write(w, http.StatusOK, envelope{Code: http.StatusOK, Message: "batch completed", Data: results})
}

// ListHandler returns the shared catalog, newest-first.
func (h *Handlers) ListHandler(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	items, err := h.catalog.ListAll(r.Context(), limit, offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.write(w, http.StatusOK, envelope{Code: http.StatusOK, Message: "ok", Data: items})
}

// MineHandler returns the items the caller holds a relation edge to.
func (h *Handlers) MineHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		h.writeError(w, r, models.ErrTokenInvalid)
		return
	}

	items, err := h.catalog.ListByIdentity(r.Context(), identity.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.write(w, http.StatusOK, envelope{Code: http.StatusOK, Message: "ok", Data: items})
}

type downloadLinkRequest struct {
	FileName string `json:"fileName"`
}

type downloadLinkResponse struct {
	URL       string `json:"url"`
	ExpiresIn int64  `json:"expiresIn"`
}

// DownloadLinkHandler mints a signed, short-lived URL for a finalized file.
func (h *Handlers) DownloadLinkHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		h.writeError(w, r, models.ErrTokenInvalid)
		return
	}

	var req downloadLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FileName == "" {
		h.write(w, http.StatusBadRequest, envelope{Code: http.StatusBadRequest, Message: "fileName is required"})
		return
	}

	canonicalID := strings.TrimSuffix(strings.TrimSuffix(req.FileName, ".mp4"), ".mp3")
	item, err := h.catalog.GetByCanonicalID(r.Context(), canonicalID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	hasEdge, err := h.catalog.HasRelation(r.Context(), identity.ID, item.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !hasEdge {
		// Third-party downloader grant: this is the metered operation.
		// The edge makes later links free and lets the live delivery
		// check pass.
		if _, err := h.limiter.Consume(r.Context(), identity); err != nil {
			h.writeError(w, r, err)
			return
		}
		if _, err := h.catalog.AddRelation(r.Context(), identity.ID, item.ID, models.RoleDownloader); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	signed, err := h.minter.Mint(req.FileName, identity.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.write(w, http.StatusOK, envelope{Code: http.StatusOK, Message: "ok", Data: downloadLinkResponse{
		URL:       fmt.Sprintf("%s/api/video/play/%s?token=%s", h.baseURL, req.FileName, signed),
		ExpiresIn: int64(h.minter.TTL().Seconds()),
	}})
}

// PlayHandler serves a finalized file to a valid token holder, honoring
// byte-range requests.
func (h *Handlers) PlayHandler(w http.ResponseWriter, r *http.Request) {
	fileName := chi.URLParam(r, "fileName")

	claims, err := h.minter.Verify(r.URL.Query().Get("token"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.delivery.Authorize(r.Context(), claims.File, claims.Subject, fileName); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.delivery.ServeFile(w, r, fileName)
}

// DeleteHandler removes an item the caller holds a relation edge to.
func (h *Handlers) DeleteHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		h.writeError(w, r, models.ErrTokenInvalid)
		return
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.write(w, http.StatusBadRequest, envelope{Code: http.StatusBadRequest, Message: "invalid item id"})
		return
	}

	removeFile := true
	if v := r.URL.Query().Get("deleteFile"); v != "" {
		removeFile, err = strconv.ParseBool(v)
		if err != nil {
			h.write(w, http.StatusBadRequest, envelope{Code: http.StatusBadRequest, Message: "invalid deleteFile flag"})
			return
		}
	}

	if err := h.pipeline.Delete(r.Context(), identity, id, removeFile); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.write(w, http.StatusOK, envelope{Code: http.StatusOK, Message: "deleted"})
}

// DailyLimitHandler reports the caller's quota standing without consuming.
func (h *Handlers) DailyLimitHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		h.writeError(w, r, models.ErrTokenInvalid)
		return
	}

	status, err := h.limiter.Peek(r.Context(), identity)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.write(w, http.StatusOK, envelope{Code: http.StatusOK, Message: "ok", Data: status})
}

// JobStatusHandler reports a merge job snapshot by id.
func (h *Handlers) JobStatusHandler(w http.ResponseWriter, r *http.Request) {
	status, ok := h.jobs.Status(chi.URLParam(r, "id"))
	if !ok {
		h.writeError(w, r, models.ErrNotFound)
		return
	}
	h.write(w, http.StatusOK, envelope{Code: http.StatusOK, Message: "ok", Data: status})
}

func (h *Handlers) write(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error("Failed to encode response", "error", err)
	}
}

// writeError maps domain sentinels onto HTTP statuses.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrInvalidIdentifier):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrTokenInvalid):
		status = http.StatusUnauthorized
	case errors.Is(err, models.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrQuotaExceeded):
		status = http.StatusTooManyRequests
	case errors.Is(err, models.ErrUpstreamUnavailable):
		status = http.StatusBadGateway
	case errors.Is(err, models.ErrNoActiveCredential):
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		h.log.ErrorContext(r.Context(), "Request failed", "path", r.URL.Path, "error", err)
	}
	h.write(w, status, envelope{Code: status, Message: err.Error()})
}
