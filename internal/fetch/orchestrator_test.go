package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/nstephens/glowworm-display/internal/blob"
	"github.com/nstephens/glowworm-display/internal/blob/memory"
	"github.com/nstephens/glowworm-display/internal/manifest"
	"github.com/nstephens/glowworm-display/internal/quota"
	"github.com/nstephens/glowworm-display/internal/validate"
)

// fastConfig keeps retry and rate delays out of the test clock. Rate and
// backoff behavior get their own tests.
func fastConfig() Config {
	return Config{
		Concurrency:      3,
		StartsPerSecond:  1000,
		ItemTimeout:      5 * time.Second,
		MaxAttempts:      3,
		BackoffInitial:   5 * time.Millisecond,
		BackoffCap:       20 * time.Millisecond,
		ProgressInterval: time.Millisecond,
	}
}

func testOrchestrator(st blob.Store, budget int64, cfg Config) *Orchestrator {
	qm := quota.NewManager(st, &quota.Fixed{MaxBytes: budget}, quota.Config{})
	return New(st, qm, validate.New(0, 0), cfg)
}

func pngPayload(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8))); err != nil {
		t.Fatalf("png.Encode failed: %v", err)
	}
	return buf.Bytes()
}

// paddedPNG pads a valid png out to an exact byte size. Decoders stop at the
// IEND chunk, so the padding is invisible to validation.
func paddedPNG(t *testing.T, size int) []byte {
	t.Helper()
	p := pngPayload(t)
	if len(p) > size {
		t.Fatalf("cannot pad png of %d bytes down to %d", len(p), size)
	}
	return append(p, bytes.Repeat([]byte{0}, size-len(p))...)
}

func testItem(baseURL, id string, size int64) manifest.Item {
	return manifest.Item{
		ID:        id,
		SourceURL: baseURL + "/media/" + id,
		MimeType:  "image/png",
		SizeBytes: size,
		GroupID:   1,
	}
}

func mustCache(t *testing.T, st blob.Store, id string, payload []byte) {
	t.Helper()
	obj := &blob.CachedObject{
		ID:        id,
		GroupID:   1,
		SourceURL: "http://server.local/media/" + id,
		MimeType:  "image/png",
		Payload:   payload,
	}
	if err := st.Put(t.Context(), obj); err != nil {
		t.Fatalf("Put(%s) failed: %v", id, err)
	}
}

func TestDownloadSkipsCachedItems(t *testing.T) {
	payload := pngPayload(t)
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Write(payload)
	}))
	defer srv.Close()

	st := memory.New("sha256")
	mustCache(t, st, "img-1", payload)
	mustCache(t, st, "img-2", payload)

	var items []manifest.Item
	for i := 1; i <= 5; i++ {
		items = append(items, testItem(srv.URL, fmt.Sprintf("img-%d", i), int64(len(payload))))
	}

	cfg := fastConfig()
	cfg.Concurrency = 2
	o := testOrchestrator(st, 1<<30, cfg)
	s, err := o.Download(t.Context(), items, nil)
	if err != nil {
		t.Fatalf("Download() failed: %v", err)
	}

	if s.Total != 5 || s.Succeeded != 3 || s.Skipped != 2 || s.Failed != 0 {
		t.Errorf("unexpected summary: %+v", s)
	}
	if got := requests.Load(); got != 3 {
		t.Errorf("expected 3 requests for uncached items, got %d", got)
	}
	if s.Bytes != int64(3*len(payload)) {
		t.Errorf("expected %d downloaded bytes, got %d", 3*len(payload), s.Bytes)
	}
	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("img-%d", i)
		if ok, _ := st.Has(t.Context(), id); !ok {
			t.Errorf("expected %s cached", id)
		}
		want := StatusCached
		if i <= 2 {
			want = StatusSkipped
		}
		if got := s.Statuses[id]; got != want {
			t.Errorf("status of %s = %s, want %s", id, got, want)
		}
	}
}

func TestDownloadNotFoundFailsWithoutRetry(t *testing.T) {
	payload := pngPayload(t)
	var goneRequests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/media/gone" {
			goneRequests.Add(1)
			http.NotFound(w, r)
			return
		}
		w.Write(payload)
	}))
	defer srv.Close()

	st := memory.New("sha256")
	o := testOrchestrator(st, 1<<30, fastConfig())

	items := []manifest.Item{
		testItem(srv.URL, "good", int64(len(payload))),
		testItem(srv.URL, "gone", 1000),
	}
	s, err := o.Download(t.Context(), items, nil)
	if err != nil {
		t.Fatalf("Download() failed: %v", err)
	}

	if s.Succeeded != 1 || s.Failed != 1 {
		t.Errorf("unexpected summary: %+v", s)
	}
	if len(s.FailedIDs) != 1 || s.FailedIDs[0] != "gone" {
		t.Errorf("expected FailedIDs [gone], got %v", s.FailedIDs)
	}
	if got := goneRequests.Load(); got != 1 {
		t.Errorf("expected a 404 not to be retried, got %d requests", got)
	}
	if ok, _ := st.Has(t.Context(), "good"); !ok {
		t.Error("expected the good item to be cached despite the failure")
	}
	if s.Statuses["gone"] != StatusFailed || s.Statuses["good"] != StatusCached {
		t.Errorf("unexpected statuses: %v", s.Statuses)
	}
	for id, status := range s.Statuses {
		if !status.IsFinal() {
			t.Errorf("%s left in non-final status %s", id, status)
		}
	}
}

func TestDownloadRetriesTransientErrors(t *testing.T) {
	payload := pngPayload(t)
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) <= 2 {
			http.Error(w, "backend hiccup", http.StatusInternalServerError)
			return
		}
		w.Write(payload)
	}))
	defer srv.Close()

	st := memory.New("sha256")
	o := testOrchestrator(st, 1<<30, fastConfig())

	s, err := o.Download(t.Context(), []manifest.Item{testItem(srv.URL, "flaky", int64(len(payload)))}, nil)
	if err != nil {
		t.Fatalf("Download() failed: %v", err)
	}
	if s.Succeeded != 1 || s.Failed != 0 {
		t.Errorf("expected success after retries, got %+v", s)
	}
	if got := requests.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestDownloadBackoffDelaysGrowToCap(t *testing.T) {
	var mu sync.Mutex
	var attempts []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts = append(attempts, time.Now())
		mu.Unlock()
		http.Error(w, "backend hiccup", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.MaxAttempts = 4
	cfg.BackoffInitial = 50 * time.Millisecond
	cfg.BackoffCap = 100 * time.Millisecond

	st := memory.New("sha256")
	o := testOrchestrator(st, 1<<30, cfg)
	s, err := o.Download(t.Context(), []manifest.Item{testItem(srv.URL, "broken", 100)}, nil)
	if err != nil {
		t.Fatalf("Download() failed: %v", err)
	}
	if s.Failed != 1 {
		t.Fatalf("expected the item to give up, got %+v", s)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 4 {
		t.Fatalf("expected 4 attempts, got %d", len(attempts))
	}
	// Sleeps between attempts should run 50ms, 100ms, 100ms: doubling from
	// the initial delay and pinned at the cap. Measured gaps also include
	// request time, so bound them loosely from above.
	const tolerance = 20 * time.Millisecond
	var prev time.Duration
	for i := 1; i < len(attempts); i++ {
		gap := attempts[i].Sub(attempts[i-1])
		if gap < cfg.BackoffInitial {
			t.Errorf("gap %d = %s, want at least the initial backoff %s", i, gap, cfg.BackoffInitial)
		}
		if gap < prev-tolerance {
			t.Errorf("gap %d = %s shrank below the previous gap %s", i, gap, prev)
		}
		if gap > cfg.BackoffCap+250*time.Millisecond {
			t.Errorf("gap %d = %s far exceeds the cap %s", i, gap, cfg.BackoffCap)
		}
		prev = gap
	}
}

func TestDownloadGivesUpAfterMaxAttempts(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, "still broken", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.MaxAttempts = 2
	st := memory.New("sha256")
	o := testOrchestrator(st, 1<<30, cfg)

	s, err := o.Download(t.Context(), []manifest.Item{testItem(srv.URL, "broken", 100)}, nil)
	if err != nil {
		t.Fatalf("Download() failed: %v", err)
	}
	if s.Failed != 1 || s.FailedIDs[0] != "broken" {
		t.Errorf("unexpected summary: %+v", s)
	}
	if got := requests.Load(); got != 2 {
		t.Errorf("expected exactly MaxAttempts requests, got %d", got)
	}
}

func TestDownloadRejectsInvalidPayload(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Write([]byte("<html>this is a captive portal</html>"))
	}))
	defer srv.Close()

	st := memory.New("sha256")
	o := testOrchestrator(st, 1<<30, fastConfig())

	s, err := o.Download(t.Context(), []manifest.Item{testItem(srv.URL, "portal", 100)}, nil)
	if err != nil {
		t.Fatalf("Download() failed: %v", err)
	}
	if s.Failed != 1 {
		t.Errorf("expected validation failure, got %+v", s)
	}
	if got := requests.Load(); got != 1 {
		t.Errorf("expected no retry for invalid content, got %d requests", got)
	}
	if n, _ := st.Count(t.Context()); n != 0 {
		t.Errorf("expected nothing cached, got %d entries", n)
	}
}

func TestDownloadMissingSourceURL(t *testing.T) {
	st := memory.New("sha256")
	o := testOrchestrator(st, 1<<30, fastConfig())

	s, err := o.Download(t.Context(), []manifest.Item{{ID: "orphan", MimeType: "image/png"}}, nil)
	if err != nil {
		t.Fatalf("Download() failed: %v", err)
	}
	if s.Failed != 1 || s.FailedIDs[0] != "orphan" {
		t.Errorf("expected the orphan item to fail, got %+v", s)
	}
}

func trackInflight(inflight, peak *atomic.Int64) {
	cur := inflight.Add(1)
	for {
		old := peak.Load()
		if cur <= old || peak.CompareAndSwap(old, cur) {
			break
		}
	}
}

func TestDownloadHonorsConcurrencyCap(t *testing.T) {
	payload := pngPayload(t)
	var inflight, peak atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		trackInflight(&inflight, &peak)
		defer inflight.Add(-1)
		time.Sleep(30 * time.Millisecond)
		w.Write(payload)
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.Concurrency = 2
	st := memory.New("sha256")
	o := testOrchestrator(st, 1<<30, cfg)

	var items []manifest.Item
	for i := 0; i < 8; i++ {
		items = append(items, testItem(srv.URL, fmt.Sprintf("img-%d", i), int64(len(payload))))
	}
	s, err := o.Download(t.Context(), items, nil)
	if err != nil {
		t.Fatalf("Download() failed: %v", err)
	}
	if s.Succeeded != 8 {
		t.Errorf("expected all items cached, got %+v", s)
	}
	if got := peak.Load(); got > 2 {
		t.Errorf("expected at most 2 concurrent downloads, observed %d", got)
	}
}

func TestDownloadDegradedNetworkUsesOneWorker(t *testing.T) {
	payload := pngPayload(t)
	var inflight, peak atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		trackInflight(&inflight, &peak)
		defer inflight.Add(-1)
		time.Sleep(20 * time.Millisecond)
		w.Write(payload)
	}))
	defer srv.Close()

	st := memory.New("sha256")
	o := testOrchestrator(st, 1<<30, fastConfig())
	o.Classifier = Static{C: ClassDegraded}

	var items []manifest.Item
	for i := 0; i < 4; i++ {
		items = append(items, testItem(srv.URL, fmt.Sprintf("img-%d", i), int64(len(payload))))
	}
	s, err := o.Download(t.Context(), items, nil)
	if err != nil {
		t.Fatalf("Download() failed: %v", err)
	}
	if s.Succeeded != 4 {
		t.Errorf("expected all items cached, got %+v", s)
	}
	if got := peak.Load(); got > 1 {
		t.Errorf("expected a single worker on a degraded link, observed %d", got)
	}
}

func TestDownloadSpacesOutStarts(t *testing.T) {
	payload := pngPayload(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.StartsPerSecond = 20 // 50ms between starts

	st := memory.New("sha256")
	o := testOrchestrator(st, 1<<30, cfg)

	var items []manifest.Item
	for i := 0; i < 3; i++ {
		items = append(items, testItem(srv.URL, fmt.Sprintf("img-%d", i), int64(len(payload))))
	}
	s, err := o.Download(t.Context(), items, nil)
	if err != nil {
		t.Fatalf("Download() failed: %v", err)
	}
	if s.Succeeded != 3 {
		t.Fatalf("expected all items cached, got %+v", s)
	}
	// First start is free, the next two wait ~50ms each.
	if s.Duration < 90*time.Millisecond {
		t.Errorf("expected rate limiting to spread starts, batch took %s", s.Duration)
	}
}

func TestDownloadEvictsToAdmit(t *testing.T) {
	payload := paddedPNG(t, 2000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	st := memory.New("sha256")
	mustCache(t, st, "old-1", paddedPNG(t, 4000))
	mustCache(t, st, "old-2", paddedPNG(t, 4000))

	// 8000 of 10000 used; admitting 2000 more crosses the 90% threshold and
	// forces an eviction pass first.
	o := testOrchestrator(st, 10000, fastConfig())
	s, err := o.Download(t.Context(), []manifest.Item{testItem(srv.URL, "fresh", 2000)}, nil)
	if err != nil {
		t.Fatalf("Download() failed: %v", err)
	}

	if s.Succeeded != 1 || s.Failed != 0 {
		t.Fatalf("expected the new item to be admitted, got %+v", s)
	}
	if ok, _ := st.Has(t.Context(), "fresh"); !ok {
		t.Error("expected the new item cached")
	}
	if ok, _ := st.Has(t.Context(), "old-1"); ok {
		t.Error("expected the oldest item evicted")
	}
}

func TestDownloadFailsWhenNothingFits(t *testing.T) {
	payload := paddedPNG(t, 950)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	st := memory.New("sha256")
	o := testOrchestrator(st, 1000, fastConfig())

	s, err := o.Download(t.Context(), []manifest.Item{testItem(srv.URL, "too-big", 950)}, nil)
	if err != nil {
		t.Fatalf("Download() failed: %v", err)
	}
	if s.Failed != 1 || s.FailedIDs[0] != "too-big" {
		t.Errorf("expected a quota failure, got %+v", s)
	}
	if n, _ := st.Count(t.Context()); n != 0 {
		t.Errorf("expected nothing cached, got %d entries", n)
	}
}

func TestDownloadQuotaShortfallIsPermanent(t *testing.T) {
	payload := paddedPNG(t, 950)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	st := memory.New("sha256")
	o := testOrchestrator(st, 1000, fastConfig())

	limiter := rate.NewLimiter(rate.Inf, 1)
	out := o.processItem(t.Context(), testItem(srv.URL, "too-big", 950), limiter)
	if out.err == nil {
		t.Fatal("expected a failed outcome")
	}
	if !errors.Is(out.err, quota.ErrExceeded) {
		t.Errorf("expected a quota error, got %v", out.err)
	}
	// Eviction already ran once; retrying the download cannot free more
	// space, so the failure must not be reported as retryable.
	if !out.err.Permanent {
		t.Errorf("expected a permanent failure, got %+v", out.err)
	}
}

func TestDownloadRateWaitFailureCarriesCause(t *testing.T) {
	st := memory.New("sha256")
	o := testOrchestrator(st, 1<<30, fastConfig())

	// A drained one-token-per-hour limiter makes Wait fail immediately on a
	// deadline context: the next token is further away than the deadline,
	// while the context itself is still live.
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	limiter.Allow()

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()

	out := o.processItem(ctx, testItem("http://127.0.0.1:1", "stalled", 10), limiter)
	if out.err == nil {
		t.Fatal("expected a failed outcome")
	}
	if out.err.Err == nil {
		t.Fatal("expected the limiter failure to be carried as the cause")
	}
	if !out.err.Permanent {
		t.Errorf("expected a permanent failure, got %+v", out.err)
	}
}

func TestDownloadCancellation(t *testing.T) {
	payload := pngPayload(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(150 * time.Millisecond):
		case <-r.Context().Done():
			return
		}
		w.Write(payload)
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.Concurrency = 1
	st := memory.New("sha256")
	o := testOrchestrator(st, 1<<30, cfg)

	ctx, cancel := context.WithCancel(t.Context())
	time.AfterFunc(50*time.Millisecond, cancel)

	var items []manifest.Item
	for i := 0; i < 4; i++ {
		items = append(items, testItem(srv.URL, fmt.Sprintf("img-%d", i), int64(len(payload))))
	}
	s, err := o.Download(ctx, items, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if s == nil || s.Failed != 4 {
		t.Errorf("expected all items marked failed after cancellation, got %+v", s)
	}
	if s.Duration > 2*time.Second {
		t.Errorf("expected a prompt stop, batch took %s", s.Duration)
	}
}

func TestDownloadProgressEvents(t *testing.T) {
	payload := pngPayload(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(10 * time.Millisecond)
		w.Write(payload)
	}))
	defer srv.Close()

	st := memory.New("sha256")
	mustCache(t, st, "img-0", payload)
	mustCache(t, st, "img-1", payload)

	var mu sync.Mutex
	var events []Progress
	collect := func(p Progress) {
		mu.Lock()
		events = append(events, p)
		mu.Unlock()
	}

	o := testOrchestrator(st, 1<<30, fastConfig())
	var items []manifest.Item
	for i := 0; i < 6; i++ {
		items = append(items, testItem(srv.URL, fmt.Sprintf("img-%d", i), int64(len(payload))))
	}
	s, err := o.Download(t.Context(), items, collect)
	if err != nil {
		t.Fatalf("Download() failed: %v", err)
	}
	if s.Succeeded != 4 || s.Skipped != 2 {
		t.Fatalf("expected all items cached, got %+v", s)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) < 2 {
		t.Fatalf("expected multiple progress events, got %d", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Completed+events[i].Failed < events[i-1].Completed+events[i-1].Failed {
			t.Errorf("progress went backwards: %+v then %+v", events[i-1], events[i])
		}
	}
	last := events[len(events)-1]
	if last.Completed != 6 || last.Failed != 0 || last.Total != 6 {
		t.Errorf("unexpected final event: %+v", last)
	}
	if last.Bytes != int64(4*len(payload)) {
		t.Errorf("expected %d bytes in final event, got %d", 4*len(payload), last.Bytes)
	}
	if last.TotalBytes != int64(4*len(payload)) {
		t.Errorf("expected TotalBytes to cover only pending items, got %d", last.TotalBytes)
	}
}

func TestDownloadEmptyBatch(t *testing.T) {
	st := memory.New("sha256")
	o := testOrchestrator(st, 1<<30, fastConfig())

	var events []Progress
	s, err := o.Download(t.Context(), nil, func(p Progress) { events = append(events, p) })
	if err != nil {
		t.Fatalf("Download() failed: %v", err)
	}
	if s.Total != 0 || s.Succeeded != 0 || s.Failed != 0 {
		t.Errorf("unexpected summary for empty batch: %+v", s)
	}
	if len(events) != 1 || events[0].Total != 0 {
		t.Errorf("expected one final event for an empty batch, got %v", events)
	}
}

func TestItemErrorUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := &ItemError{ID: "img-1", Attempts: 3, Err: cause}
	if !errors.Is(err, cause) {
		t.Error("expected ItemError to unwrap to its cause")
	}
	if err.Error() == "" {
		t.Error("expected a message")
	}
}
