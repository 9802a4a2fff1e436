package quota

import (
	"context"
	"fmt"
	"log/slog"
	"syscall"
)

// Capacity answers platform questions the cache cannot answer itself: how
// many bytes it may use and whether the backing storage survives reboots.
// Implementations degrade gracefully; persistence checks return false when
// the platform cannot tell, never an error.
type Capacity interface {
	// Budget returns the total byte budget available to the cache, given its
	// current usage.
	Budget(ctx context.Context, usage int64) (int64, error)

	// Persistent reports whether cached data survives a reboot.
	Persistent(ctx context.Context) bool

	// RequestPersistence asks the platform to keep the cache durable and
	// reports whether that is the case. Best effort.
	RequestPersistence(ctx context.Context) bool
}

// Fixed is a Capacity with a configured byte budget and no knowledge of the
// underlying media. It stands in on platforms without storage introspection.
type Fixed struct {
	MaxBytes int64
}

func (f *Fixed) Budget(ctx context.Context, usage int64) (int64, error) {
	return f.MaxBytes, nil
}

func (f *Fixed) Persistent(ctx context.Context) bool { return false }

func (f *Fixed) RequestPersistence(ctx context.Context) bool { return false }

// Filesystem magic numbers for memory-backed mounts (linux/magic.h). A cache
// directory on one of these vanishes at reboot.
const (
	tmpfsMagic = 0x01021994
	ramfsMagic = 0x858458f6
)

// Disk derives the budget from real free space: the cache may grow until the
// filesystem's free space would drop below ReserveBytes. This mirrors kiosks
// that share one small disk with the OS.
type Disk struct {
	// Path is the cache directory whose filesystem is measured.
	Path string
	// ReserveBytes is the free-space headroom left to the rest of the system.
	ReserveBytes int64
}

func (d *Disk) Budget(ctx context.Context, usage int64) (int64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(d.Path, &stat); err != nil {
		return 0, fmt.Errorf("failed to check disk space: %w", err)
	}

	free := int64(stat.Bavail) * int64(stat.Bsize)
	slog.Debug("Disk space check", "path", d.Path, "free_bytes", free, "reserve", d.ReserveBytes)

	budget := usage + free - d.ReserveBytes
	if budget < 0 {
		budget = 0
	}
	return budget, nil
}

func (d *Disk) Persistent(ctx context.Context) bool {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(d.Path, &stat); err != nil {
		slog.Debug("Persistence check failed", "path", d.Path, "error", err)
		return false
	}
	switch stat.Type {
	case tmpfsMagic, ramfsMagic:
		return false
	}
	return true
}

func (d *Disk) RequestPersistence(ctx context.Context) bool {
	// Nothing to negotiate with on plain filesystems; report what we have.
	return d.Persistent(ctx)
}
