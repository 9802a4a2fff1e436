// Package display implements the local media cache for glowworm signage
// kiosks. It fetches playlist manifests from the content server, downloads
// and validates media into a blob store, keeps usage inside the storage
// quota and serves cached bytes to the renderer even when the network is
// down.
package display

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nstephens/glowworm-display/internal/blob"
	"github.com/nstephens/glowworm-display/internal/errutil"
	"github.com/nstephens/glowworm-display/internal/fetch"
	"github.com/nstephens/glowworm-display/internal/httpclient"
	"github.com/nstephens/glowworm-display/internal/manifest"
	"github.com/nstephens/glowworm-display/internal/quota"
	"github.com/nstephens/glowworm-display/internal/validate"

	// Blob store backends register themselves on import.
	_ "github.com/nstephens/glowworm-display/internal/blob/badger"
	_ "github.com/nstephens/glowworm-display/internal/blob/memory"
	_ "github.com/nstephens/glowworm-display/internal/blob/sqlite"
)

var (
	// ErrNotFound is returned when the requested media is not cached.
	ErrNotFound = blob.ErrNotFound

	// ErrNoServer is returned by operations that need a content server when
	// none is configured.
	ErrNoServer = errors.New("no content server configured")
)

// Budget used for the memory backend when no explicit quota is set.
const defaultMemoryBudget = 256 << 20

// QuotaSettings bounds cache growth. Zero values take kiosk defaults.
type QuotaSettings struct {
	// MaxBytes is a fixed byte budget. Zero derives the budget from free
	// disk space.
	MaxBytes int64
	// ReserveBytes is free-space headroom left to the OS when the budget is
	// disk-derived.
	ReserveBytes int64
	// UsageThresholdPct refuses new items above this fill level.
	UsageThresholdPct float64
	// EvictTargetPct is the fill level eviction drives usage down to.
	EvictTargetPct float64
	// EvictBatch is how many items one eviction round removes.
	EvictBatch int
	// MaintenanceInterval is the background prune/evict period.
	MaintenanceInterval time.Duration
}

// DownloadSettings tunes the fetch pipeline. Zero values take kiosk defaults.
type DownloadSettings struct {
	Concurrency      int
	StartsPerSecond  int
	ItemTimeout      time.Duration
	MaxAttempts      int
	BackoffInitial   time.Duration
	BackoffCap       time.Duration
	ProgressInterval time.Duration
	// ProbeURL is a small asset used to grade the link before each batch.
	// Empty disables the bandwidth probe.
	ProbeURL string
	// DegradedBelowBps and FastAboveBps are probe throughput thresholds in
	// bytes per second. Zero leaves the grade at normal.
	DegradedBelowBps float64
	FastAboveBps     float64
}

// MediaSettings bounds what payloads are admitted.
type MediaSettings struct {
	MaxBytes     int64
	ProbeTimeout time.Duration
}

// Config configures Open.
type Config struct {
	// ServerURL is the content server base URL. Optional; without it only
	// cache-local operations work.
	ServerURL string
	// FallbackURLs are backup content servers tried in order when the
	// primary does not answer.
	FallbackURLs []string
	// CABundle is an optional PEM file trusted in addition to the system CAs.
	CABundle string
	// CacheDir is where the blob store keeps its files. Required for every
	// backend except memory.
	CacheDir string
	// Backend selects the blob store: sqlite (default), badger or memory.
	Backend string
	// ChecksumAlgo stamps stored payloads. Default sha256.
	ChecksumAlgo string

	Quota    QuotaSettings
	Download DownloadSettings
	Media    MediaSettings
}

// Coordinator owns the cache and serializes batch operations against it.
// Starting a new prefetch or refresh preempts the one in flight: the active
// run is cancelled and drained before the new one begins, so two runs never
// interleave writes.
type Coordinator struct {
	store     blob.Store
	quota     *quota.Manager
	validator *validate.Validator
	fetcher   *fetch.Orchestrator
	manifests *manifest.Client

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Open builds a Coordinator from cfg. The blob store itself is opened
// lazily on first use, so Open is cheap and works offline.
func Open(cfg Config) (*Coordinator, error) {
	if cfg.Backend == "" {
		cfg.Backend = "sqlite"
	}
	if cfg.ChecksumAlgo == "" {
		cfg.ChecksumAlgo = blob.DefaultChecksumAlgo
	}
	if cfg.CacheDir == "" && cfg.Backend != "memory" {
		return nil, fmt.Errorf("cache dir is required for the %s backend", cfg.Backend)
	}
	if cfg.CacheDir != "" {
		if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cache dir: %w", err)
		}
	}

	client, err := httpclient.NewClient(cfg.CABundle)
	if err != nil {
		return nil, err
	}

	backend := cfg.Backend
	opts := blob.Options{Dir: cfg.CacheDir, ChecksumAlgo: cfg.ChecksumAlgo}
	store := blob.NewLazy(func(ctx context.Context) (blob.Store, error) {
		return blob.Open(ctx, backend, opts)
	})

	var capacity quota.Capacity
	switch {
	case cfg.Quota.MaxBytes > 0:
		capacity = &quota.Fixed{MaxBytes: cfg.Quota.MaxBytes}
	case cfg.Backend == "memory":
		capacity = &quota.Fixed{MaxBytes: defaultMemoryBudget}
	default:
		reserve := cfg.Quota.ReserveBytes
		if reserve == 0 {
			reserve = 512 << 20
		}
		capacity = &quota.Disk{Path: cfg.CacheDir, ReserveBytes: reserve}
	}

	qm := quota.NewManager(store, capacity, quota.Config{
		UsageThresholdPct: cfg.Quota.UsageThresholdPct,
		EvictTargetPct:    cfg.Quota.EvictTargetPct,
		EvictBatch:        cfg.Quota.EvictBatch,
		Interval:          cfg.Quota.MaintenanceInterval,
	})

	v := validate.New(cfg.Media.MaxBytes, cfg.Media.ProbeTimeout)

	fetcher := fetch.New(store, qm, v, fetch.Config{
		Concurrency:      cfg.Download.Concurrency,
		StartsPerSecond:  cfg.Download.StartsPerSecond,
		ItemTimeout:      cfg.Download.ItemTimeout,
		MaxAttempts:      cfg.Download.MaxAttempts,
		BackoffInitial:   cfg.Download.BackoffInitial,
		BackoffCap:       cfg.Download.BackoffCap,
		ProgressInterval: cfg.Download.ProgressInterval,
	})
	fetcher.Client = client
	if cfg.Download.ProbeURL != "" {
		fetcher.Classifier = &fetch.Probe{
			URL:           cfg.Download.ProbeURL,
			Client:        client,
			DegradedBelow: cfg.Download.DegradedBelowBps,
			FastAbove:     cfg.Download.FastAboveBps,
		}
	}

	c := &Coordinator{
		store:     store,
		quota:     qm,
		validator: v,
		fetcher:   fetcher,
	}
	if cfg.ServerURL != "" {
		c.manifests = manifest.NewClient(cfg.ServerURL, client, cfg.FallbackURLs...)
	}
	return c, nil
}

// PrefetchGroup downloads every item in the group's manifest that is not
// already cached. Items that fail never abort the run; they are reported in
// the result. A run already in flight is preempted first.
func (c *Coordinator) PrefetchGroup(ctx context.Context, groupID int64, onProgress ProgressFunc) (*Result, error) {
	return c.runGroup(ctx, "prefetch", groupID, false, onProgress)
}

// RefreshGroup is PrefetchGroup plus cleanup: cached entries of the group
// that the manifest no longer names are removed before downloading, and the
// count is reported in Result.Removed.
func (c *Coordinator) RefreshGroup(ctx context.Context, groupID int64, onProgress ProgressFunc) (*Result, error) {
	return c.runGroup(ctx, "refresh", groupID, true, onProgress)
}

func (c *Coordinator) runGroup(ctx context.Context, op string, groupID int64, removeStale bool, onProgress ProgressFunc) (*Result, error) {
	if c.manifests == nil {
		return nil, ErrNoServer
	}

	runCtx, release := c.beginRun(ctx)
	defer release()

	log := slog.With("op", op, "op_id", uuid.NewString(), "group_id", groupID)
	log.Info("Starting run")

	m, err := c.manifests.Fetch(runCtx, groupID)
	if err != nil {
		return nil, err
	}

	removed := 0
	if removeStale {
		removed, err = c.removeStale(runCtx, groupID, m.Items, log)
		if err != nil {
			return nil, err
		}
	}

	summary, err := c.fetcher.Download(runCtx, m.Items, adaptProgress(onProgress))
	res := &Result{
		Total:           summary.Total,
		Succeeded:       summary.Succeeded,
		Skipped:         summary.Skipped,
		Failed:          summary.Failed,
		FailedIDs:       summary.FailedIDs,
		BytesDownloaded: summary.Bytes,
		Duration:        summary.Duration,
		Removed:         removed,
	}
	if err != nil {
		log.Info("Run cancelled", "completed", res.Succeeded, "error", err)
		return res, err
	}

	log.Info("Run finished",
		"succeeded", res.Succeeded,
		"skipped", res.Skipped,
		"failed", res.Failed,
		"removed", res.Removed,
		"bytes", res.BytesDownloaded)
	return res, nil
}

// removeStale deletes cached entries of the group that the manifest no
// longer names. Failures to remove are logged and skipped; a stale entry is
// cosmetic, an aborted refresh is not.
func (c *Coordinator) removeStale(ctx context.Context, groupID int64, items []manifest.Item, log *slog.Logger) (int, error) {
	want := make(map[string]struct{}, len(items))
	for _, it := range items {
		want[it.ID] = struct{}{}
	}

	cached, err := c.store.ListByGroup(ctx, groupID)
	if err != nil {
		return 0, fmt.Errorf("failed to list group %d: %w", groupID, err)
	}

	removed := 0
	for _, obj := range cached {
		if _, ok := want[obj.ID]; ok {
			continue
		}
		if err := c.store.Remove(ctx, obj.ID); err != nil {
			errutil.LogMsg(err, "Failed to remove stale media", "id", obj.ID)
			continue
		}
		removed++
		log.Debug("Removed stale media", "id", obj.ID)
	}
	return removed, nil
}

// beginRun claims the single run slot, preempting and draining any active
// run first. The returned release must be called when the run ends.
func (c *Coordinator) beginRun(ctx context.Context) (context.Context, func()) {
	c.mu.Lock()
	for c.done != nil {
		cancel, done := c.cancel, c.done
		c.mu.Unlock()
		slog.Info("Preempting active run")
		cancel()
		<-done
		c.mu.Lock()
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel, c.done = cancel, done
	c.mu.Unlock()

	release := func() {
		c.mu.Lock()
		if c.done == done {
			c.cancel, c.done = nil, nil
		}
		c.mu.Unlock()
		cancel()
		close(done)
	}
	return runCtx, release
}

// Media returns a cached asset and marks it recently used. A damaged entry
// is pruned and reported as a miss; the caller falls back to the network.
func (c *Coordinator) Media(ctx context.Context, id string) (*Media, error) {
	obj, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("media %q: %w", id, err)
	}
	if reason := validate.CorruptionReason(obj); reason != "" {
		slog.Warn("Pruning corrupted media on read", "id", id, "reason", reason)
		errutil.LogMsg(c.store.Remove(ctx, id), "Failed to prune corrupted media", "id", id)
		return nil, fmt.Errorf("media %q: %w", id, ErrNotFound)
	}
	return mediaFromObject(obj), nil
}

// Contains reports whether an asset is cached. Unlike Media it does not
// touch recency ordering.
func (c *Coordinator) Contains(ctx context.Context, id string) (bool, error) {
	return c.store.Has(ctx, id)
}

// Group returns every cached asset of a display group, oldest first.
func (c *Coordinator) Group(ctx context.Context, groupID int64) ([]*Media, error) {
	objs, err := c.store.ListByGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	media := make([]*Media, len(objs))
	for i, obj := range objs {
		media[i] = mediaFromObject(obj)
	}
	return media, nil
}

// Stats reports the cache inventory against its quota.
func (c *Coordinator) Stats(ctx context.Context) (*Stats, error) {
	q, err := c.quota.Quota(ctx)
	if err != nil {
		return nil, err
	}
	n, err := c.store.Count(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{
		Items:          n,
		UsedBytes:      q.Usage,
		QuotaBytes:     q.Quota,
		AvailableBytes: q.Available,
		PercentUsed:    q.PercentUsed,
		Persistent:     c.quota.Persistent(ctx),
	}, nil
}

// Verify audits every cached entry and removes damaged or invalid ones.
func (c *Coordinator) Verify(ctx context.Context) (*VerifyReport, error) {
	rep, err := c.validator.VerifyStore(ctx, c.store)
	if err != nil {
		return nil, err
	}
	return &VerifyReport{
		TotalChecked:     rep.TotalChecked,
		CorruptedRemoved: rep.CorruptedRemoved,
		InvalidRemoved:   rep.InvalidRemoved,
	}, nil
}

// EvictLRU removes up to count least recently used assets and returns the
// ids actually removed.
func (c *Coordinator) EvictLRU(ctx context.Context, count int) ([]string, error) {
	return c.quota.EvictLRU(ctx, count)
}

// EvictToThreshold evicts least recently used assets until usage drops below
// the configured target percentage, returning how many were removed.
func (c *Coordinator) EvictToThreshold(ctx context.Context) (int, error) {
	return c.quota.EvictToThreshold(ctx)
}

// ClearCache empties the cache. An active run is preempted first so a
// concurrent download cannot repopulate entries mid-clear.
func (c *Coordinator) ClearCache(ctx context.Context) error {
	runCtx, release := c.beginRun(ctx)
	defer release()
	return c.store.Clear(runCtx)
}

// Persistent reports whether cached media survives a reboot.
func (c *Coordinator) Persistent(ctx context.Context) bool {
	return c.quota.Persistent(ctx)
}

// RequestPersistence asks the platform for durable storage. Best effort.
func (c *Coordinator) RequestPersistence(ctx context.Context) bool {
	return c.quota.RequestPersistence(ctx)
}

// RunMaintenance blocks until ctx is cancelled, pruning expired media and
// keeping usage under the threshold on the configured interval.
func (c *Coordinator) RunMaintenance(ctx context.Context) {
	c.quota.Start(ctx)
}

// Close preempts any active run and closes the store.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	for c.done != nil {
		cancel, done := c.cancel, c.done
		c.mu.Unlock()
		cancel()
		<-done
		c.mu.Lock()
	}
	c.mu.Unlock()
	return c.store.Close()
}

func adaptProgress(fn ProgressFunc) fetch.ProgressFunc {
	if fn == nil {
		return nil
	}
	return func(p fetch.Progress) {
		fn(Progress{
			Completed:  p.Completed,
			Failed:     p.Failed,
			Total:      p.Total,
			Bytes:      p.Bytes,
			TotalBytes: p.TotalBytes,
			ETA:        p.ETA,
		})
	}
}

func mediaFromObject(obj *blob.CachedObject) *Media {
	return &Media{
		ID:             obj.ID,
		GroupID:        obj.GroupID,
		SourceURL:      obj.SourceURL,
		MimeType:       obj.MimeType,
		SizeBytes:      obj.SizeBytes,
		Checksum:       obj.Checksum,
		CachedAt:       obj.CachedAt,
		LastAccessedAt: obj.LastAccessedAt,
		ExpiresAt:      obj.ExpiresAt,
		Payload:        obj.Payload,
	}
}
