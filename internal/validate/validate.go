// Package validate checks media payloads before they enter the cache and
// audits already-cached entries for damage. Only raster images the display
// can actually render are accepted.
package validate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"strings"
	"time"

	// Decoders registered for the probe. The kiosk renders these formats.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/gabriel-vasile/mimetype"

	"github.com/nstephens/glowworm-display/internal/blob"
	"github.com/nstephens/glowworm-display/internal/hashutil"
)

var (
	ErrEmpty       = errors.New("media payload is empty")
	ErrTooLarge    = errors.New("media payload exceeds the size limit")
	ErrNotImage    = errors.New("media is not a supported image type")
	ErrUndecodable = errors.New("media payload does not decode as an image")
)

const defaultProbeTimeout = 5 * time.Second

// Validator decides what is allowed into the cache.
type Validator struct {
	maxBytes     int64
	probeTimeout time.Duration
}

// New returns a Validator with the given payload size limit and decode probe
// timeout. Zero values fall back to the defaults.
func New(maxBytes int64, probeTimeout time.Duration) *Validator {
	if maxBytes <= 0 {
		maxBytes = blob.MaxPayloadBytes
	}
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}
	return &Validator{maxBytes: maxBytes, probeTimeout: probeTimeout}
}

// ValidateBlob checks a downloaded payload against the declared MIME type.
// It rejects empty and oversized payloads, anything that does not sniff as
// an image, and anything no registered decoder can actually decode. A
// declared type that disagrees with the sniffed one is logged but tolerated;
// servers lie about content types more often than bytes lie about magic
// numbers.
func (v *Validator) ValidateBlob(ctx context.Context, payload []byte, declaredMime string) error {
	if len(payload) == 0 {
		return ErrEmpty
	}
	if int64(len(payload)) > v.maxBytes {
		return fmt.Errorf("%w: %d bytes (limit %d)", ErrTooLarge, len(payload), v.maxBytes)
	}

	if !strings.HasPrefix(declaredMime, "image/") {
		return fmt.Errorf("%w: declared %q", ErrNotImage, declaredMime)
	}

	sniffed := mimetype.Detect(payload)
	if !strings.HasPrefix(sniffed.String(), "image/") {
		return fmt.Errorf("%w: content sniffs as %q", ErrNotImage, sniffed.String())
	}
	if !sniffed.Is(declaredMime) {
		slog.Warn("Declared MIME type disagrees with content",
			"declared", declaredMime,
			"sniffed", sniffed.String())
	}

	return v.probeDecode(ctx, payload)
}

// probeDecode runs a full decode under a deadline. Decoding is the only
// reliable way to catch truncated or bit-flipped images before the display
// tries to render them.
func (v *Validator) probeDecode(ctx context.Context, payload []byte) error {
	probeCtx, cancel := context.WithTimeout(ctx, v.probeTimeout)
	defer cancel()

	// Buffered so the decoder can finish and exit after a timeout.
	done := make(chan error, 1)
	go func() {
		_, _, err := image.Decode(bytes.NewReader(payload))
		done <- err
	}()

	select {
	case <-probeCtx.Done():
		if errors.Is(probeCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: decode probe timed out after %s", ErrUndecodable, v.probeTimeout)
		}
		return probeCtx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUndecodable, err)
		}
		return nil
	}
}

// Report summarizes one VerifyStore pass.
type Report struct {
	// TotalChecked counts entries examined.
	TotalChecked int
	// CorruptedRemoved counts entries removed because the stored bytes no
	// longer match their recorded size or checksum.
	CorruptedRemoved int
	// InvalidRemoved counts entries removed because they would not pass
	// admission validation anymore.
	InvalidRemoved int
}

// VerifyStore walks every cached entry, removes damaged or invalid ones and
// reports what it did. Reads go through Peek so the audit never disturbs
// recency ordering. Entries that vanish mid-scan are skipped; removal
// failures are logged and the scan continues.
func (v *Validator) VerifyStore(ctx context.Context, st blob.Store) (Report, error) {
	ids, err := st.ListIDs(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("failed to list cached media: %w", err)
	}

	var rep Report
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return rep, err
		}

		obj, err := st.Peek(ctx, id)
		if errors.Is(err, blob.ErrNotFound) {
			continue
		}
		if err != nil {
			return rep, fmt.Errorf("failed to read %s: %w", id, err)
		}
		rep.TotalChecked++

		if reason := CorruptionReason(obj); reason != "" {
			slog.Warn("Removing corrupted media", "id", id, "reason", reason)
			if err := st.Remove(ctx, id); err != nil {
				slog.Error("Failed to remove corrupted media", "id", id, "error", err)
				continue
			}
			rep.CorruptedRemoved++
			continue
		}

		if reason := v.invalidReason(ctx, obj); reason != nil {
			slog.Warn("Removing invalid media", "id", id, "reason", reason)
			if err := st.Remove(ctx, id); err != nil {
				slog.Error("Failed to remove invalid media", "id", id, "error", err)
				continue
			}
			rep.InvalidRemoved++
		}
	}
	return rep, nil
}

// CorruptionReason reports why stored bytes cannot be trusted, or "" when
// they can. Read paths use it to turn a damaged entry into a cache miss
// instead of handing broken bytes to the renderer. An empty recorded
// checksum is tolerated so entries written by older versions survive an
// audit.
func CorruptionReason(obj *blob.CachedObject) string {
	if len(obj.Payload) == 0 {
		return "payload missing"
	}
	if obj.SizeBytes != int64(len(obj.Payload)) {
		return fmt.Sprintf("recorded size %d but stored %d bytes", obj.SizeBytes, len(obj.Payload))
	}
	if obj.Checksum == "" {
		return ""
	}

	algo, _, ok := strings.Cut(obj.Checksum, ":")
	if !ok || !hashutil.IsSupported(algo) {
		return fmt.Sprintf("unverifiable checksum %q", obj.Checksum)
	}
	sum, err := blob.Checksum(obj.Payload, algo)
	if err != nil {
		return fmt.Sprintf("unverifiable checksum %q", obj.Checksum)
	}
	if sum != obj.Checksum {
		return "checksum mismatch"
	}
	return ""
}

func (v *Validator) invalidReason(ctx context.Context, obj *blob.CachedObject) error {
	if obj.SourceURL == "" || obj.MimeType == "" {
		return errors.New("missing source metadata")
	}
	return v.ValidateBlob(ctx, obj.Payload, obj.MimeType)
}
