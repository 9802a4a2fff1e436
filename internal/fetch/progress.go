package fetch

import (
	"sync"
	"time"
)

// Progress is a point-in-time view of a running batch.
type Progress struct {
	// Completed counts items that are cached, including ones skipped because
	// they were cached before the batch started.
	Completed int
	// Failed counts items that gave up.
	Failed int
	// Total is the number of items in the batch.
	Total int
	// Bytes is how much has been downloaded so far.
	Bytes int64
	// TotalBytes is how much the batch still intended to download at start.
	TotalBytes int64
	// ETA estimates time remaining from observed throughput. Zero when there
	// is no estimate yet.
	ETA time.Duration
}

// ProgressFunc receives throttled progress updates during a batch. It is
// called from download goroutines and must not block for long.
type ProgressFunc func(Progress)

// tracker accumulates batch progress and emits at most one callback per
// interval, plus a final one when the batch ends. Display overlays repaint
// on every event, so unthrottled per-chunk updates would peg the kiosk CPU.
type tracker struct {
	fn       ProgressFunc
	interval time.Duration
	started  time.Time

	mu       sync.Mutex
	lastEmit time.Time
	p        Progress
}

func newTracker(fn ProgressFunc, interval time.Duration, total int, totalBytes int64) *tracker {
	return &tracker{
		fn:       fn,
		interval: interval,
		started:  time.Now(),
		p:        Progress{Total: total, TotalBytes: totalBytes},
	}
}

// itemDone records one finished item and maybe emits an update. The first
// completion always emits so callers see progress promptly. The callback
// runs under the lock: updates from concurrent workers must reach the
// caller in order, and the callback has no way to reenter the tracker.
func (t *tracker) itemDone(bytes int64, failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if failed {
		t.p.Failed++
	} else {
		t.p.Completed++
		t.p.Bytes += bytes
	}

	now := time.Now()
	if now.Sub(t.lastEmit) < t.interval {
		return
	}
	t.lastEmit = now
	if t.fn != nil {
		t.fn(t.snapshotLocked())
	}
}

// finish emits the final state unconditionally.
func (t *tracker) finish() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.fn != nil {
		t.fn(t.snapshotLocked())
	}
}

func (t *tracker) snapshotLocked() Progress {
	p := t.p
	if p.Bytes > 0 && p.TotalBytes > p.Bytes {
		elapsed := time.Since(t.started).Seconds()
		if elapsed > 0 {
			bps := float64(p.Bytes) / elapsed
			p.ETA = time.Duration(float64(p.TotalBytes-p.Bytes) / bps * float64(time.Second))
		}
	}
	return p
}
