package fetch

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Class grades the network between the kiosk and the content server.
type Class int

const (
	// ClassNormal is the default grade; the configured pool size applies.
	ClassNormal Class = iota
	// ClassDegraded shrinks the pool to a single download at a time.
	ClassDegraded
	// ClassFast doubles the pool.
	ClassFast
)

func (c Class) String() string {
	switch c {
	case ClassDegraded:
		return "degraded"
	case ClassFast:
		return "fast"
	default:
		return "normal"
	}
}

// Classifier grades the network before a batch so the orchestrator can size
// its worker pool. Implementations must be safe for repeated calls.
type Classifier interface {
	Classify(ctx context.Context) Class
}

// Static always reports the same class. Useful for kiosks with known link
// quality and for tests.
type Static struct {
	C Class
}

func (s Static) Classify(ctx context.Context) Class {
	return s.C
}

// Probe grades the link by timing the download of a small test asset.
type Probe struct {
	// URL of the probe asset. Should be a few hundred KiB; large enough to
	// ride out TCP slow start, small enough not to matter on a metered link.
	URL string
	// Client used for the probe. nil means http.DefaultClient.
	Client *http.Client
	// DegradedBelow and FastAbove are thresholds in bytes per second.
	DegradedBelow float64
	FastAbove     float64
	// Timeout bounds the probe. Zero means 5s.
	Timeout time.Duration
}

// Classify downloads the probe asset and grades throughput. Any failure
// grades the link degraded; a network that cannot serve the probe will not
// serve media any faster.
func (p *Probe) Classify(ctx context.Context) Class {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, p.URL, nil)
	if err != nil {
		return ClassDegraded
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		slog.Debug("Bandwidth probe failed", "url", p.URL, "error", err)
		return ClassDegraded
	}
	defer resp.Body.Close()

	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil || resp.StatusCode != http.StatusOK {
		slog.Debug("Bandwidth probe failed", "url", p.URL, "status", resp.StatusCode, "error", err)
		return ClassDegraded
	}

	elapsed := time.Since(start).Seconds()
	if elapsed <= 0 {
		return ClassNormal
	}
	bps := float64(n) / elapsed
	slog.Debug("Bandwidth probe", "bytes", n, "bytes_per_sec", int64(bps))

	switch {
	case p.DegradedBelow > 0 && bps < p.DegradedBelow:
		return ClassDegraded
	case p.FastAbove > 0 && bps > p.FastAbove:
		return ClassFast
	default:
		return ClassNormal
	}
}
