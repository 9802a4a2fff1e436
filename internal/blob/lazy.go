package blob

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Lazy defers opening the underlying store until first use and shares the
// handle between all callers.
//
// Concurrent first uses collapse into a single open via singleflight, so a
// burst of calls during startup never races duplicate connections. A failed
// open is not cached: the next call retries it.
type Lazy struct {
	open func(ctx context.Context) (Store, error)

	g  singleflight.Group
	mu sync.RWMutex
	st Store
}

// NewLazy wraps the open function. The function is invoked at most once per
// successful open.
func NewLazy(open func(ctx context.Context) (Store, error)) *Lazy {
	return &Lazy{open: open}
}

func (l *Lazy) store(ctx context.Context) (Store, error) {
	l.mu.RLock()
	st := l.st
	l.mu.RUnlock()
	if st != nil {
		return st, nil
	}

	v, err, _ := l.g.Do("open", func() (interface{}, error) {
		// Double check: another caller may have finished the open while we
		// waited on the flight group.
		l.mu.RLock()
		st := l.st
		l.mu.RUnlock()
		if st != nil {
			return st, nil
		}

		st, err := l.open(ctx)
		if err != nil {
			return nil, err
		}

		l.mu.Lock()
		l.st = st
		l.mu.Unlock()
		return st, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return v.(Store), nil
}

func (l *Lazy) Put(ctx context.Context, obj *CachedObject) error {
	st, err := l.store(ctx)
	if err != nil {
		return err
	}
	return st.Put(ctx, obj)
}

func (l *Lazy) Get(ctx context.Context, id string) (*CachedObject, error) {
	st, err := l.store(ctx)
	if err != nil {
		return nil, err
	}
	return st.Get(ctx, id)
}

func (l *Lazy) Peek(ctx context.Context, id string) (*CachedObject, error) {
	st, err := l.store(ctx)
	if err != nil {
		return nil, err
	}
	return st.Peek(ctx, id)
}

func (l *Lazy) Has(ctx context.Context, id string) (bool, error) {
	st, err := l.store(ctx)
	if err != nil {
		return false, err
	}
	return st.Has(ctx, id)
}

func (l *Lazy) Remove(ctx context.Context, id string) error {
	st, err := l.store(ctx)
	if err != nil {
		return err
	}
	return st.Remove(ctx, id)
}

func (l *Lazy) Clear(ctx context.Context) error {
	st, err := l.store(ctx)
	if err != nil {
		return err
	}
	return st.Clear(ctx)
}

func (l *Lazy) ListByGroup(ctx context.Context, groupID int64) ([]*CachedObject, error) {
	st, err := l.store(ctx)
	if err != nil {
		return nil, err
	}
	return st.ListByGroup(ctx, groupID)
}

func (l *Lazy) ListIDs(ctx context.Context) ([]string, error) {
	st, err := l.store(ctx)
	if err != nil {
		return nil, err
	}
	return st.ListIDs(ctx)
}

func (l *Lazy) Count(ctx context.Context) (int64, error) {
	st, err := l.store(ctx)
	if err != nil {
		return 0, err
	}
	return st.Count(ctx)
}

func (l *Lazy) TotalSize(ctx context.Context) (int64, error) {
	st, err := l.store(ctx)
	if err != nil {
		return 0, err
	}
	return st.TotalSize(ctx)
}

func (l *Lazy) LeastRecentlyUsed(ctx context.Context, n int) ([]string, error) {
	st, err := l.store(ctx)
	if err != nil {
		return nil, err
	}
	return st.LeastRecentlyUsed(ctx, n)
}

func (l *Lazy) PruneExpired(ctx context.Context, now time.Time) (int, error) {
	st, err := l.store(ctx)
	if err != nil {
		return 0, err
	}
	return st.PruneExpired(ctx, now)
}

// Close closes the underlying store if it was ever opened.
func (l *Lazy) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.st == nil {
		return nil
	}
	err := l.st.Close()
	l.st = nil
	return err
}
