// Package pipeline orchestrates acquisition runs: resolve, fetch, merge,
// finalize and persist.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/xiaoshenming/bilibili-server/internal/fetcher"
	"github.com/xiaoshenming/bilibili-server/internal/metrics"
	"github.com/xiaoshenming/bilibili-server/internal/resolver"
	"github.com/xiaoshenming/bilibili-server/internal/storage"
	"github.com/xiaoshenming/bilibili-server/pkg/models"
)

var tracer = otel.Tracer("acquisition-pipeline")

// DefaultBatchDelay spaces sequential batch items to stay polite upstream.
const DefaultBatchDelay = 2 * time.Second

// Resolver translates canonical ids into metadata and stream locations.
type Resolver interface {
	Metadata(ctx context.Context, canonicalID string, cred *models.Credential) (*models.ItemMetadata, error)
	Playback(ctx context.Context, canonicalID string, subID int64, cred *models.Credential, quality int) (*models.PlaybackSources, error)
}

// StreamFetcher downloads resolved streams into staging.
type StreamFetcher interface {
	Fetch(ctx context.Context, stream fetcher.Stream, cred *models.Credential) error
	FetchPair(ctx context.Context, video, audio fetcher.Stream, cred *models.Credential) error
}

// Merger combines a staged video/audio pair into one output file.
type Merger interface {
	Merge(ctx context.Context, videoPath, audioPath, outputPath string) error
}

// Store is the persistence surface the pipeline needs.
type Store interface {
	GetByCanonicalID(ctx context.Context, canonicalID string) (*models.ContentItem, error)
	Get(ctx context.Context, id int64) (*models.ContentItem, error)
	UpsertItem(ctx context.Context, item *models.ContentItem) (*models.ContentItem, error)
	AddRelation(ctx context.Context, identityID string, itemID int64, role models.RoleTag) (bool, error)
	HasRelation(ctx context.Context, identityID string, itemID int64) (bool, error)
	DeleteItem(ctx context.Context, id int64) error
	ActiveCredential(ctx context.Context, identityID string) (*models.Credential, error)
}

// Request describes one acquisition run.
type Request struct {
	Input   string
	Mode    models.DownloadMode
	Quality int
}

// Result is the outcome of one acquisition run. Skipped marks runs that were
// satisfied by an already finalized file without fetching or merging.
type Result struct {
	Item    *models.ContentItem `json:"item"`
	Skipped bool                `json:"skipped"`
}

// BatchItem is one entry of a batch outcome. Failed items carry Error and a
// nil Item; the batch itself keeps going.
type BatchItem struct {
	Input   string              `json:"input"`
	Item    *models.ContentItem `json:"item,omitempty"`
	Skipped bool                `json:"skipped,omitempty"`
	Error   string              `json:"error,omitempty"`
}

// Pipeline wires the acquisition stages together.
type Pipeline struct {
	resolver   Resolver
	fetcher    StreamFetcher
	merger     Merger
	store      Store
	staging    *storage.Staging
	volume     *storage.Volume
	baseURL    string
	batchDelay time.Duration
	log        *slog.Logger

	inflight *keyedMutex
}

// New creates a Pipeline. baseURL is the public prefix used to build play
// URLs. A non-positive batchDelay falls back to DefaultBatchDelay.
func New(r Resolver, f StreamFetcher, m Merger, st Store, staging *storage.Staging, volume *storage.Volume, baseURL string, batchDelay time.Duration, log *slog.Logger) *Pipeline {
	if batchDelay <= 0 {
		batchDelay = DefaultBatchDelay
	}
	return &Pipeline{
		resolver:   r,
		fetcher:    f,
		merger:     m,
		store:      st,
		staging:    staging,
		volume:     volume,
		baseURL:    baseURL,
		batchDelay: batchDelay,
		log:        log,
		inflight:   newKeyedMutex(),
	}
}

// Process runs the full acquisition for one input. Runs for the same
// canonical id are serialized; the second run observes the first one's
// finalized file and short-circuits.
func (p *Pipeline) Process(ctx context.Context, identity *models.Identity, req Request) (*Result, error) {
	ctx, span := tracer.Start(ctx, "pipeline-process")
	defer span.End()

	start := time.Now()

	canonicalID, err := resolver.ExtractID(req.Input)
	if err != nil {
		metrics.RecordFailure()
		return nil, err
	}
	span.SetAttributes(attribute.String("content.canonical_id", canonicalID))

	mode := req.Mode
	if mode == "" {
		mode = models.ModeAuto
	}
	if !mode.IsValid() {
		metrics.RecordFailure()
		return nil, fmt.Errorf("%w: unknown mode %q", models.ErrInvalidIdentifier, req.Mode)
	}

	unlock := p.inflight.lock(canonicalID)
	defer unlock()

	cred := p.credential(ctx, identity)

	if result, ok, err := p.dedup(ctx, identity, canonicalID, cred); err != nil {
		metrics.RecordFailure()
		return nil, err
	} else if ok {
		metrics.RecordSkip()
		return result, nil
	}

	item, err := p.acquire(ctx, identity, canonicalID, mode, req.Quality, cred)
	if err != nil {
		metrics.RecordFailure()
		return nil, err
	}

	metrics.RecordSuccess()
	metrics.ProcessingDuration.Observe(time.Since(start).Seconds())
	p.log.InfoContext(ctx, "Acquisition completed",
		"canonical_id", canonicalID,
		"identity_id", identity.ID,
		"duration", time.Since(start).String())

	return &Result{Item: item}, nil
}

// Batch processes inputs sequentially with a fixed delay between items.
// One failing item never aborts the rest.
func (p *Pipeline) Batch(ctx context.Context, identity *models.Identity, reqs []Request) []BatchItem {
	ctx, span := tracer.Start(ctx, "pipeline-batch")
	defer span.End()
	span.SetAttributes(attribute.Int("batch.size", len(reqs)))

	results := make([]BatchItem, 0, len(reqs))
	for i, req := range reqs {
		if i > 0 {
			select {
			case <-ctx.Done():
				results = append(results, BatchItem{Input: req.Input, Error: ctx.Err().Error()})
				continue
			case <-time.After(p.batchDelay):
			}
		}

		res, err := p.Process(ctx, identity, req)
		if err != nil {
			results = append(results, BatchItem{Input: req.Input, Error: err.Error()})
			continue
		}
		results = append(results, BatchItem{Input: req.Input, Item: res.Item, Skipped: res.Skipped})
	}
	return results
}

// Delete removes an item's database row and relation edges. The backing
// file is removed too when removeFile is set. The identity must hold a
// relation edge to the item.
func (p *Pipeline) Delete(ctx context.Context, identity *models.Identity, itemID int64, removeFile bool) error {
	item, err := p.store.Get(ctx, itemID)
	if err != nil {
		return err
	}

	ok, err := p.store.HasRelation(ctx, identity.ID, itemID)
	if err != nil {
		return err
	}
	if !ok {
		return models.ErrPermissionDenied
	}

	if name := item.FileName(); removeFile && name != "" {
		if err := p.volume.Delete(name); err != nil {
			return fmt.Errorf("delete media file: %w", err)
		}
	}
	return p.store.DeleteItem(ctx, itemID)
}

// credential loads the identity's upstream credential. Missing credentials
// degrade to anonymous access instead of failing the run.
func (p *Pipeline) credential(ctx context.Context, identity *models.Identity) *models.Credential {
	cred, err := p.store.ActiveCredential(ctx, identity.ID)
	if err != nil {
		if !errors.Is(err, models.ErrNoActiveCredential) {
			p.log.WarnContext(ctx, "Credential lookup failed", "identity_id", identity.ID, "error", err)
		}
		return nil
	}
	return cred
}

// dedup short-circuits when both the database row and the finalized file
// already exist. Metadata is refreshed and the relation edge recorded, but
// no bytes move.
func (p *Pipeline) dedup(ctx context.Context, identity *models.Identity, canonicalID string, cred *models.Credential) (*Result, bool, error) {
	existing, err := p.store.GetByCanonicalID(ctx, canonicalID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if existing.FileName() == "" || !p.volume.Exists(existing.FileName()) {
		return nil, false, nil
	}

	if meta, err := p.resolver.Metadata(ctx, canonicalID, cred); err == nil {
		refreshed := itemFromMetadata(meta, existing.Quality)
		refreshed.FilePath = existing.FilePath
		if updated, err := p.store.UpsertItem(ctx, refreshed); err == nil {
			existing = updated
		}
	} else {
		p.log.WarnContext(ctx, "Metadata refresh failed on dedup hit",
			"canonical_id", canonicalID, "error", err)
	}

	if _, err := p.store.AddRelation(ctx, identity.ID, existing.ID, models.RoleProcessor); err != nil {
		return nil, false, err
	}

	existing.PlayURL = p.playURL(existing.FileName())
	p.log.InfoContext(ctx, "Duplicate request satisfied from store", "canonical_id", canonicalID)
	return &Result{Item: existing, Skipped: true}, true, nil
}

// acquire performs the fetch/merge/finalize/persist path for a cache miss.
func (p *Pipeline) acquire(ctx context.Context, identity *models.Identity, canonicalID string, mode models.DownloadMode, quality int, cred *models.Credential) (*models.ContentItem, error) {
	meta, err := p.resolver.Metadata(ctx, canonicalID, cred)
	if err != nil {
		return nil, err
	}

	sources, err := p.resolver.Playback(ctx, canonicalID, meta.SubID, cred, quality)
	if err != nil {
		return nil, err
	}
	p.log.InfoContext(ctx, "playback resolved",
		"canonical_id", canonicalID,
		"quality", sources.Quality,
		"quality_desc", resolver.QualityDesc(sources.Quality))

	pair := p.staging.NewPair(canonicalID)
	defer p.staging.Remove(pair)

	fetchStart := time.Now()
	outputName, stagedOutput, err := p.fetchStage(ctx, pair, sources, mode, canonicalID, cred)
	if err != nil {
		return nil, err
	}
	metrics.DownloadDuration.Observe(time.Since(fetchStart).Seconds())

	if mode == models.ModeAuto {
		merged := pair.VideoPath + ".merged.mp4"
		defer os.Remove(merged)
		if err := p.merger.Merge(ctx, pair.VideoPath, pair.AudioPath, merged); err != nil {
			return nil, err
		}
		stagedOutput = merged
	}

	finalPath, err := p.volume.Finalize(stagedOutput, outputName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}

	item := itemFromMetadata(meta, sources.Quality)
	item.FilePath = finalPath

	stored, err := p.store.UpsertItem(ctx, item)
	if err != nil {
		return nil, err
	}
	if _, err := p.store.AddRelation(ctx, identity.ID, stored.ID, models.RoleProcessor); err != nil {
		return nil, err
	}

	stored.PlayURL = p.playURL(outputName)
	return stored, nil
}

// fetchStage downloads the streams the mode calls for. It returns the final
// file name and, for single-stream modes, the staged path to finalize.
func (p *Pipeline) fetchStage(ctx context.Context, pair storage.StagedPair, sources *models.PlaybackSources, mode models.DownloadMode, canonicalID string, cred *models.Credential) (string, string, error) {
	switch mode {
	case models.ModeAuto:
		video := fetcher.Stream{URL: sources.VideoURL, DestPath: pair.VideoPath}
		audio := fetcher.Stream{URL: sources.AudioURL, DestPath: pair.AudioPath}
		if err := p.fetcher.FetchPair(ctx, video, audio, cred); err != nil {
			return "", "", err
		}
		return canonicalID + ".mp4", "", nil
	case models.ModeVideo:
		stream := fetcher.Stream{URL: sources.VideoURL, DestPath: pair.VideoPath}
		if err := p.fetcher.Fetch(ctx, stream, cred); err != nil {
			return "", "", err
		}
		return canonicalID + ".mp4", pair.VideoPath, nil
	case models.ModeAudio:
		stream := fetcher.Stream{URL: sources.AudioURL, DestPath: pair.AudioPath}
		if err := p.fetcher.Fetch(ctx, stream, cred); err != nil {
			return "", "", err
		}
		return canonicalID + ".mp3", pair.AudioPath, nil
	}
	return "", "", fmt.Errorf("%w: unknown mode %q", models.ErrInvalidIdentifier, mode)
}

func (p *Pipeline) playURL(fileName string) string {
	if fileName == "" {
		return ""
	}
	return p.baseURL + "/api/video/play/" + fileName
}

func itemFromMetadata(meta *models.ItemMetadata, quality int) *models.ContentItem {
	return &models.ContentItem{
		CanonicalID: meta.CanonicalID,
		UpstreamAID: fmt.Sprintf("%d", meta.AID),
		Title:       meta.Title,
		Description: meta.Description,
		CoverURL:    meta.CoverURL,
		OwnerName:   meta.Owner.Name,
		OwnerFace:   meta.Owner.Face,
		PublishedAt: meta.PublishedAt,
		Duration:    meta.Duration,
		Quality:     quality,
		Views:       meta.Stat.Views,
		Danmaku:     meta.Stat.Danmaku,
		Likes:       meta.Stat.Likes,
		Coins:       meta.Stat.Coins,
		Favorites:   meta.Stat.Favorites,
		Shares:      meta.Stat.Shares,
		Replies:     meta.Stat.Replies,
	}
}
