// Package quota keeps cache usage inside the storage budget. The Manager
// answers admission checks before downloads start and evicts least recently
// used media when usage crosses the configured thresholds.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nstephens/glowworm-display/internal/blob"
)

// ErrExceeded is returned when an item cannot be admitted even after
// eviction freed everything it could.
var ErrExceeded = errors.New("storage quota exceeded")

// maxEvictRounds bounds a single EvictToThreshold call so a store that keeps
// reporting usage above target cannot spin forever.
const maxEvictRounds = 20

// StorageQuota is a point-in-time snapshot of cache usage against the budget.
type StorageQuota struct {
	// Quota is the total byte budget.
	Quota int64
	// Usage is the sum of cached payload sizes.
	Usage int64
	// Available is Quota - Usage, floored at zero.
	Available int64
	// PercentUsed is Usage as a percentage of Quota. Zero when Quota is zero.
	PercentUsed float64
}

// Config tunes admission and eviction behavior.
type Config struct {
	// UsageThresholdPct is the fill level, in percent, above which new items
	// are refused and background maintenance starts evicting.
	UsageThresholdPct float64
	// EvictTargetPct is the fill level eviction drives usage down to.
	EvictTargetPct float64
	// EvictBatch is how many items one eviction round removes.
	EvictBatch int
	// Interval is the background maintenance period.
	Interval time.Duration
}

// ApplyDefaults fills unset fields with the stock kiosk policy.
func (c *Config) ApplyDefaults() {
	if c.UsageThresholdPct == 0 {
		c.UsageThresholdPct = 90
	}
	if c.EvictTargetPct == 0 {
		c.EvictTargetPct = 75
	}
	if c.EvictBatch == 0 {
		c.EvictBatch = 10
	}
	if c.Interval == 0 {
		c.Interval = 5 * time.Minute
	}
}

// Manager enforces the storage budget over a blob store.
type Manager struct {
	store    blob.Store
	capacity Capacity
	cfg      Config
}

// NewManager wires a Manager over store with the given capacity provider.
func NewManager(store blob.Store, capacity Capacity, cfg Config) *Manager {
	cfg.ApplyDefaults()
	return &Manager{store: store, capacity: capacity, cfg: cfg}
}

// Quota reports current usage against the byte budget.
func (m *Manager) Quota(ctx context.Context) (StorageQuota, error) {
	usage, err := m.store.TotalSize(ctx)
	if err != nil {
		return StorageQuota{}, fmt.Errorf("failed to measure cache usage: %w", err)
	}
	budget, err := m.capacity.Budget(ctx, usage)
	if err != nil {
		return StorageQuota{}, err
	}

	q := StorageQuota{Quota: budget, Usage: usage}
	if avail := budget - usage; avail > 0 {
		q.Available = avail
	}
	if budget > 0 {
		q.PercentUsed = float64(usage) / float64(budget) * 100
	}
	return q, nil
}

// HasSpaceFor reports whether an item of the given size can be admitted
// without pushing usage past the threshold. A zero budget admits nothing.
func (m *Manager) HasSpaceFor(ctx context.Context, size int64) (bool, error) {
	q, err := m.Quota(ctx)
	if err != nil {
		return false, err
	}
	if q.Quota <= 0 {
		return false, nil
	}
	// Cross-multiplied so an integer threshold compares exactly.
	return float64(q.Usage+size)*100 <= m.cfg.UsageThresholdPct*float64(q.Quota), nil
}

// EvictLRU removes up to count least recently used items and returns the ids
// actually removed. Ties on access time fall back to id order, so repeated
// calls walk the store deterministically.
func (m *Manager) EvictLRU(ctx context.Context, count int) ([]string, error) {
	if count <= 0 {
		return nil, nil
	}
	victims, err := m.store.LeastRecentlyUsed(ctx, count)
	if err != nil {
		return nil, fmt.Errorf("failed to pick eviction victims: %w", err)
	}

	evicted := make([]string, 0, len(victims))
	for _, id := range victims {
		if err := m.store.Remove(ctx, id); err != nil {
			return evicted, fmt.Errorf("failed to evict %s: %w", id, err)
		}
		slog.Debug("Evicted cached media", "id", id)
		evicted = append(evicted, id)
	}
	return evicted, nil
}

// EvictToThreshold evicts in batches until usage falls below the target
// percentage, returning how many items were removed. It stops early when a
// round frees nothing, and gives up after a bounded number of rounds rather
// than loop on a store whose usage will not come down.
func (m *Manager) EvictToThreshold(ctx context.Context) (int, error) {
	evicted := 0
	for round := 0; round < maxEvictRounds; round++ {
		q, err := m.Quota(ctx)
		if err != nil {
			return evicted, err
		}
		if q.PercentUsed < m.cfg.EvictTargetPct {
			if evicted > 0 {
				slog.Info("Eviction reached target",
					"evicted", evicted,
					"percent_used", fmt.Sprintf("%.1f", q.PercentUsed))
			}
			return evicted, nil
		}

		ids, err := m.EvictLRU(ctx, m.cfg.EvictBatch)
		evicted += len(ids)
		if err != nil {
			return evicted, err
		}
		if len(ids) == 0 {
			slog.Warn("Eviction made no progress, stopping",
				"evicted", evicted,
				"percent_used", fmt.Sprintf("%.1f", q.PercentUsed),
				"target_pct", m.cfg.EvictTargetPct)
			return evicted, nil
		}
	}

	slog.Warn("Eviction stopped at round limit",
		"evicted", evicted,
		"rounds", maxEvictRounds,
		"target_pct", m.cfg.EvictTargetPct)
	return evicted, nil
}

// Persistent reports whether cached media survives a reboot.
func (m *Manager) Persistent(ctx context.Context) bool {
	return m.capacity.Persistent(ctx)
}

// RequestPersistence asks the platform for durable storage. Best effort; a
// false answer means downloads still work but the cache may be cold after
// the next boot.
func (m *Manager) RequestPersistence(ctx context.Context) bool {
	granted := m.capacity.RequestPersistence(ctx)
	if !granted {
		slog.Warn("Persistent storage not granted, cache may not survive reboot")
	}
	return granted
}

// Start runs periodic maintenance until ctx is cancelled: expired media is
// pruned and, when usage crosses the threshold, usage is evicted back down
// to the target.
func (m *Manager) Start(ctx context.Context) {
	slog.Info("Starting quota maintenance",
		"interval", m.cfg.Interval,
		"threshold_pct", m.cfg.UsageThresholdPct,
		"target_pct", m.cfg.EvictTargetPct)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Stopping quota maintenance")
			return
		case <-ticker.C:
			m.maintain(ctx)
		}
	}
}

func (m *Manager) maintain(ctx context.Context) {
	pruned, err := m.store.PruneExpired(ctx, time.Now())
	if err != nil {
		slog.Error("Failed to prune expired media", "error", err)
	} else if pruned > 0 {
		slog.Info("Pruned expired media", "count", pruned)
	}

	q, err := m.Quota(ctx)
	if err != nil {
		slog.Error("Failed to check quota", "error", err)
		return
	}
	if q.PercentUsed < m.cfg.UsageThresholdPct {
		return
	}

	slog.Info("Cache over threshold, evicting",
		"percent_used", fmt.Sprintf("%.1f", q.PercentUsed),
		"threshold_pct", m.cfg.UsageThresholdPct)
	if _, err := m.EvictToThreshold(ctx); err != nil {
		slog.Error("Background eviction failed", "error", err)
	}
}
