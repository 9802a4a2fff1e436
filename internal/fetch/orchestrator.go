// Package fetch downloads playlist media into the blob store. A bounded
// worker pool pulls items off a queue, download starts are rate limited,
// transient failures retry with exponential backoff and every payload is
// validated before it is cached.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nstephens/glowworm-display/internal/blob"
	"github.com/nstephens/glowworm-display/internal/httpclient"
	"github.com/nstephens/glowworm-display/internal/manifest"
	"github.com/nstephens/glowworm-display/internal/quota"
	"github.com/nstephens/glowworm-display/internal/validate"
)

// Config tunes the download pipeline.
type Config struct {
	// Concurrency is the worker pool size.
	Concurrency int
	// StartsPerSecond caps how many downloads may begin in any one second
	// window, retries included. Keeps a cold-cache kiosk from hammering the
	// content server.
	StartsPerSecond int
	// ItemTimeout bounds a single download attempt.
	ItemTimeout time.Duration
	// MaxAttempts is the number of tries per item before giving up.
	MaxAttempts int
	// BackoffInitial is the delay before the second attempt; it doubles per
	// attempt up to BackoffCap.
	BackoffInitial time.Duration
	BackoffCap     time.Duration
	// ProgressInterval throttles progress callbacks.
	ProgressInterval time.Duration
}

// ApplyDefaults fills unset fields with the stock kiosk tuning.
func (c *Config) ApplyDefaults() {
	if c.Concurrency == 0 {
		c.Concurrency = 3
	}
	if c.StartsPerSecond == 0 {
		c.StartsPerSecond = 5
	}
	if c.ItemTimeout == 0 {
		c.ItemTimeout = 30 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffInitial == 0 {
		c.BackoffInitial = time.Second
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = 10 * time.Second
	}
	if c.ProgressInterval == 0 {
		c.ProgressInterval = 500 * time.Millisecond
	}
}

// Orchestrator downloads manifest items into the blob store.
type Orchestrator struct {
	// Client performs the HTTP requests. Defaults to http.DefaultClient.
	Client *http.Client
	// Classifier optionally grades the network before each batch to size the
	// worker pool. nil keeps the configured size.
	Classifier Classifier

	store     blob.Store
	quota     *quota.Manager
	validator *validate.Validator
	cfg       Config
}

// New wires an Orchestrator over the store, quota manager and validator.
func New(store blob.Store, qm *quota.Manager, v *validate.Validator, cfg Config) *Orchestrator {
	cfg.ApplyDefaults()
	return &Orchestrator{
		Client:    http.DefaultClient,
		store:     store,
		quota:     qm,
		validator: v,
		cfg:       cfg,
	}
}

// Summary reports the outcome of one batch.
type Summary struct {
	// Total is the number of manifest items handed to the batch.
	Total int
	// Succeeded counts items this batch downloaded and cached.
	Succeeded int
	// Skipped counts items that were already cached when the batch started.
	Skipped int
	// Failed counts items that gave up.
	Failed int
	// FailedIDs lists the failed item ids in lexical order.
	FailedIDs []string
	// Bytes is the number of payload bytes actually downloaded.
	Bytes int64
	// Duration is wall time for the whole batch.
	Duration time.Duration
	// Statuses maps every item id to where it ended up.
	Statuses map[string]Status
}

type outcome struct {
	id     string
	status Status
	bytes  int64
	err    *ItemError
}

// Download fetches every item not already cached and reports per-item
// results in the summary. One failing item never aborts the batch. The
// returned error is non-nil only when ctx was cancelled; the summary is
// valid either way and covers what completed before the cut.
func (o *Orchestrator) Download(ctx context.Context, items []manifest.Item, onProgress ProgressFunc) (*Summary, error) {
	start := time.Now()
	s := &Summary{
		Total:    len(items),
		Statuses: make(map[string]Status, len(items)),
	}

	// Partition into already-cached and pending work so skips consume
	// neither workers nor rate tokens.
	var pending []manifest.Item
	var pendingBytes int64
	skipped := 0
	for _, it := range items {
		ok, err := o.store.Has(ctx, it.ID)
		if err != nil {
			slog.Warn("Cache lookup failed, treating as uncached", "id", it.ID, "error", err)
			ok = false
		}
		if ok {
			skipped++
			s.Statuses[it.ID] = StatusSkipped
			continue
		}
		s.Statuses[it.ID] = StatusPending
		pending = append(pending, it)
		pendingBytes += it.SizeBytes
	}
	s.Skipped = skipped

	tr := newTracker(onProgress, o.cfg.ProgressInterval, len(items), pendingBytes)
	for i := 0; i < skipped; i++ {
		tr.itemDone(0, false)
	}

	workers := o.poolSize(ctx)
	slog.Info("Starting download batch",
		"items", len(items),
		"cached", skipped,
		"pending", len(pending),
		"workers", workers)

	if len(pending) > 0 {
		// Burst 1 keeps starts evenly spaced, so no rolling one second
		// window ever sees more than StartsPerSecond of them.
		limiter := rate.NewLimiter(rate.Limit(o.cfg.StartsPerSecond), 1)

		queue := make(chan manifest.Item, len(pending))
		for _, it := range pending {
			queue <- it
		}
		close(queue)

		results := make(chan outcome, len(pending))
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for it := range queue {
					out := o.processItem(ctx, it, limiter)
					tr.itemDone(out.bytes, out.err != nil)
					results <- out
				}
			}()
		}
		wg.Wait()
		close(results)

		for out := range results {
			s.Statuses[out.id] = out.status
			if out.err != nil {
				s.Failed++
				s.FailedIDs = append(s.FailedIDs, out.id)
				slog.Warn("Media download failed",
					"id", out.id,
					"attempts", out.err.Attempts,
					"permanent", out.err.Permanent,
					"error", out.err.Err)
			} else {
				s.Succeeded++
				s.Bytes += out.bytes
			}
		}
		sort.Strings(s.FailedIDs)
	}

	tr.finish()
	s.Duration = time.Since(start)

	slog.Info("Download batch finished",
		"succeeded", s.Succeeded,
		"skipped", s.Skipped,
		"failed", s.Failed,
		"bytes", s.Bytes,
		"duration", s.Duration.Round(time.Millisecond))
	return s, ctx.Err()
}

func (o *Orchestrator) poolSize(ctx context.Context) int {
	workers := o.cfg.Concurrency
	if o.Classifier == nil {
		return workers
	}
	class := o.Classifier.Classify(ctx)
	switch class {
	case ClassDegraded:
		workers = 1
	case ClassFast:
		workers *= 2
	}
	if class != ClassNormal {
		slog.Info("Adjusted worker pool for network quality",
			"class", class.String(), "workers", workers)
	}
	return workers
}

// processItem runs the retry loop for one item. 404 and 410, oversized
// responses, invalid payloads and cancellation all fail immediately;
// everything else retries with doubling backoff.
func (o *Orchestrator) processItem(ctx context.Context, it manifest.Item, limiter *rate.Limiter) outcome {
	if it.ID == "" || it.SourceURL == "" {
		return failedOutcome(it, 0, true, errors.New("manifest item missing id or source url"))
	}

	var lastErr error
	delay := o.cfg.BackoffInitial
	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			slog.Debug("Retrying download", "id", it.ID, "attempt", attempt, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return failedOutcome(it, attempt-1, true, ctx.Err())
			}
			delay *= 2
			if delay > o.cfg.BackoffCap {
				delay = o.cfg.BackoffCap
			}
		}

		if err := limiter.Wait(ctx); err != nil {
			return failedOutcome(it, attempt-1, true, err)
		}

		payload, err := o.downloadOnce(ctx, it)
		if err == nil {
			return o.admit(ctx, it, payload, attempt)
		}
		lastErr = err

		switch {
		case httpclient.IsNotFound(err):
			return failedOutcome(it, attempt, true, err)
		case errors.Is(err, blob.ErrPayloadTooLarge):
			return failedOutcome(it, attempt, true, err)
		case ctx.Err() != nil:
			return failedOutcome(it, attempt, true, ctx.Err())
		}
		slog.Debug("Download attempt failed", "id", it.ID, "attempt", attempt, "error", err)
	}

	return failedOutcome(it, o.cfg.MaxAttempts, false, lastErr)
}

func failedOutcome(it manifest.Item, attempts int, permanent bool, err error) outcome {
	return outcome{
		id:     it.ID,
		status: StatusFailed,
		err: &ItemError{
			ID:        it.ID,
			URL:       it.SourceURL,
			Attempts:  attempts,
			Permanent: permanent,
			Err:       err,
		},
	}
}

func (o *Orchestrator) downloadOnce(ctx context.Context, it manifest.Item) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, o.cfg.ItemTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, it.SourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	client := o.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &httpclient.StatusError{Code: resp.StatusCode}
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, blob.MaxPayloadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(payload)) > blob.MaxPayloadBytes {
		return nil, fmt.Errorf("%w: response exceeded %d bytes", blob.ErrPayloadTooLarge, int64(blob.MaxPayloadBytes))
	}
	return payload, nil
}

// admit runs the post-download pipeline: validate, quota preflight with one
// eviction pass, store.
func (o *Orchestrator) admit(ctx context.Context, it manifest.Item, payload []byte, attempts int) outcome {
	if err := o.validator.ValidateBlob(ctx, payload, it.MimeType); err != nil {
		return failedOutcome(it, attempts, true, err)
	}

	size := int64(len(payload))
	ok, err := o.quota.HasSpaceFor(ctx, size)
	if err != nil {
		return failedOutcome(it, attempts, false, err)
	}
	if !ok {
		evicted, err := o.quota.EvictToThreshold(ctx)
		if err != nil {
			return failedOutcome(it, attempts, false, err)
		}
		slog.Info("Evicted to make room", "id", it.ID, "evicted", evicted)

		ok, err = o.quota.HasSpaceFor(ctx, size)
		if err != nil {
			return failedOutcome(it, attempts, false, err)
		}
		if !ok {
			// One eviction pass already ran; retrying the download cannot
			// free more space, so the item is done for this run.
			return failedOutcome(it, attempts, true,
				fmt.Errorf("%w: %d bytes will not fit", quota.ErrExceeded, size))
		}
	}

	obj := &blob.CachedObject{
		ID:        it.ID,
		GroupID:   it.GroupID,
		SourceURL: it.SourceURL,
		MimeType:  it.MimeType,
		Payload:   payload,
		ExpiresAt: it.ExpiresAt,
	}
	if err := o.store.Put(ctx, obj); err != nil {
		return failedOutcome(it, attempts, false, fmt.Errorf("failed to store media: %w", err))
	}

	slog.Debug("Cached media", "id", it.ID, "bytes", size, "attempts", attempts)
	return outcome{id: it.ID, status: StatusCached, bytes: size}
}
