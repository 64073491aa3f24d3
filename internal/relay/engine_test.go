package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"

	"tracerelay/internal/domain"
	"tracerelay/internal/forward"
	"tracerelay/internal/source"
	"tracerelay/internal/storage"
	"tracerelay/internal/storage/memory"
)

func rec(ts int64, id uint32) domain.EventRecord {
	return domain.EventRecord{TimeCreatedUTCNs: ts, EventID: id, Provider: "svc", Message: fmt.Sprintf("event %d", id)}
}

type stubSource struct {
	records []domain.EventRecord
	err     error
}

func (s *stubSource) Extract(context.Context) ([]domain.EventRecord, error) {
	if s.err != nil {
		return nil, s.err
	}
	return append([]domain.EventRecord(nil), s.records...), nil
}

// faultStore wraps a real store and injects failures per call site.
type faultStore struct {
	storage.Store
	appendErrByID map[uint32]error
	configureErr  error
	markErr       error
}

func (f *faultStore) Configure(ctx context.Context, name string, limits storage.Limits) error {
	if f.configureErr != nil {
		return f.configureErr
	}
	return f.Store.Configure(ctx, name, limits)
}

func (f *faultStore) MostRecentTimestamp(ctx context.Context, name string) (int64, bool, error) {
	if f.markErr != nil {
		return 0, false, f.markErr
	}
	return f.Store.MostRecentTimestamp(ctx, name)
}

func (f *faultStore) Append(ctx context.Context, name string, r domain.EventRecord) error {
	if err := f.appendErrByID[r.EventID]; err != nil {
		return err
	}
	return f.Store.Append(ctx, name, r)
}

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

func newEngine(src Source, store storage.Store) *Engine {
	return New("application-events", storage.Limits{MaxSizeBytes: 1 << 20, Overflow: domain.OverwriteOldest}, src, store, quiet())
}

func TestFirstRunAppendsEverythingInOrder(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	src := &stubSource{records: []domain.EventRecord{rec(10, 1), rec(20, 2), rec(30, 3)}}

	report, err := newEngine(src, store).Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !report.CreatedDestination || !report.LimitsApplied {
		t.Fatalf("expected destination creation with limits: %+v", report)
	}
	if report.HighWaterMarkUTCNs != BeginningOfTime {
		t.Fatalf("expected sentinel mark for new log, got %d", report.HighWaterMarkUTCNs)
	}
	if report.Extracted != 3 || report.Appended != 3 || report.Skipped != 0 {
		t.Fatalf("unexpected counts: %+v", report)
	}
	items, err := store.Read(ctx, "application-events")
	if err != nil {
		t.Fatal(err)
	}
	for i, want := range []int64{10, 20, 30} {
		if items[i].Record.TimeCreatedUTCNs != want {
			t.Fatalf("append order broken at %d: %+v", i, items)
		}
	}
}

func TestSecondRunWithNoNewRecordsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	src := &stubSource{records: []domain.EventRecord{rec(10, 1), rec(20, 2)}}
	engine := newEngine(src, store)

	if _, err := engine.Run(ctx); err != nil {
		t.Fatal(err)
	}
	report, err := engine.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Appended != 0 || report.Skipped != 2 {
		t.Fatalf("second run must append nothing: %+v", report)
	}
	if report.CreatedDestination {
		t.Fatalf("second run must not recreate the destination")
	}
}

func TestBoundaryRuleAtHighWaterMark(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	src := &stubSource{records: []domain.EventRecord{rec(30, 1)}}
	engine := newEngine(src, store)
	if _, err := engine.Run(ctx); err != nil {
		t.Fatal(err)
	}

	// Equal to the mark: already delivered. One unit greater: new.
	src.records = []domain.EventRecord{rec(30, 2), rec(31, 3)}
	report, err := engine.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Appended != 1 || report.Skipped != 1 {
		t.Fatalf("boundary rule violated: %+v", report)
	}
	items, _ := store.Read(ctx, "application-events")
	if len(items) != 2 || items[1].Record.EventID != 3 {
		t.Fatalf("unexpected log contents: %+v", items)
	}
}

func TestSameTimestampNewRecordDroppedAcrossRuns(t *testing.T) {
	// Known at-least-once granularity gap: a record sharing the mark's
	// timestamp but arriving in a later run is never delivered.
	ctx := context.Background()
	store := memory.NewStore()
	src := &stubSource{records: []domain.EventRecord{rec(30, 1)}}
	engine := newEngine(src, store)
	if _, err := engine.Run(ctx); err != nil {
		t.Fatal(err)
	}

	src.records = []domain.EventRecord{rec(30, 1), rec(30, 99)}
	report, err := engine.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Appended != 0 || report.Skipped != 2 {
		t.Fatalf("expected both same-timestamp records dropped: %+v", report)
	}
}

func TestEndToEndTwoRunScenario(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	src := &stubSource{records: []domain.EventRecord{rec(10, 1), rec(20, 2), rec(30, 3)}}
	engine := newEngine(src, store)

	report, err := engine.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Appended != 3 {
		t.Fatalf("first run appended = %d, want 3", report.Appended)
	}

	src.records = []domain.EventRecord{rec(10, 1), rec(20, 2), rec(30, 3), rec(40, 4), rec(50, 5)}
	report, err = engine.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.HighWaterMarkUTCNs != 30 {
		t.Fatalf("high-water mark = %d, want 30", report.HighWaterMarkUTCNs)
	}
	if report.Appended != 2 || report.Skipped != 3 {
		t.Fatalf("second run counts: %+v", report)
	}
	items, _ := store.Read(ctx, "application-events")
	if len(items) != 5 || items[3].Record.TimeCreatedUTCNs != 40 || items[4].Record.TimeCreatedUTCNs != 50 {
		t.Fatalf("unexpected final log: %+v", items)
	}
}

func TestPartialAppendFailureContinuesBatch(t *testing.T) {
	ctx := context.Background()
	store := &faultStore{Store: memory.NewStore(), appendErrByID: map[uint32]error{3: errors.New("record rejected")}}
	src := &stubSource{records: []domain.EventRecord{rec(10, 1), rec(20, 2), rec(30, 3), rec(40, 4), rec(50, 5)}}

	report, err := newEngine(src, store).Run(ctx)
	if err != nil {
		t.Fatalf("a single bad record must not fail the run: %v", err)
	}
	if report.Appended != 4 || report.Failed != 1 {
		t.Fatalf("expected 4 appended and 1 failed: %+v", report)
	}
	items, _ := store.Store.Read(ctx, "application-events")
	if len(items) != 4 || items[2].Record.EventID != 4 || items[3].Record.EventID != 5 {
		t.Fatalf("records after the failure were not appended: %+v", items)
	}
}

func TestCreateCollisionIsFatalAndAppendsNothing(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	if err := store.Create(ctx, "application-staging"); err != nil {
		t.Fatal(err)
	}
	src := &stubSource{records: []domain.EventRecord{rec(10, 1)}}

	_, err := newEngine(src, store).Run(ctx)
	if !errors.Is(err, storage.ErrNameCollision) {
		t.Fatalf("expected ErrNameCollision, got %v", err)
	}
	items, _ := store.Read(ctx, "application-staging")
	if len(items) != 0 {
		t.Fatalf("nothing may be appended after create failure: %+v", items)
	}
}

func TestExtractFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	src := &stubSource{err: fmt.Errorf("boom: %w", source.ErrReadFailure)}

	_, err := newEngine(src, store).Run(ctx)
	if !errors.Is(err, source.ErrReadFailure) {
		t.Fatalf("expected extract failure to propagate, got %v", err)
	}
}

func TestConfigureFailureDegradesToUnbounded(t *testing.T) {
	ctx := context.Background()
	store := &faultStore{Store: memory.NewStore(), configureErr: errors.New("limits rejected")}
	src := &stubSource{records: []domain.EventRecord{rec(10, 1), rec(20, 2)}}

	report, err := newEngine(src, store).Run(ctx)
	if err != nil {
		t.Fatalf("configure failure must not abort the run: %v", err)
	}
	if report.LimitsApplied {
		t.Fatalf("limits reported applied despite failure")
	}
	if report.Appended != 2 {
		t.Fatalf("ingestion must proceed unbounded: %+v", report)
	}
}

func TestUnreadableHighWaterMarkUsesSentinel(t *testing.T) {
	ctx := context.Background()
	inner := memory.NewStore()
	if err := inner.Create(ctx, "application-events"); err != nil {
		t.Fatal(err)
	}
	if err := inner.Append(ctx, "application-events", rec(30, 1)); err != nil {
		t.Fatal(err)
	}
	store := &faultStore{Store: inner, markErr: errors.New("transient read error")}
	src := &stubSource{records: []domain.EventRecord{rec(10, 2), rec(20, 3), rec(30, 4)}}

	report, err := newEngine(src, store).Run(ctx)
	if err != nil {
		t.Fatalf("mark failure must not abort the run: %v", err)
	}
	if report.HighWaterMarkUTCNs != BeginningOfTime {
		t.Fatalf("expected sentinel mark, got %d", report.HighWaterMarkUTCNs)
	}
	// At-least-once: everything re-delivered, nothing blocked.
	if report.Appended != 3 {
		t.Fatalf("expected full re-delivery, got %+v", report)
	}
}

type captureForwarder struct {
	mu       sync.Mutex
	name     string
	err      error
	received []domain.EventRecord
}

func (c *captureForwarder) Name() string { return c.name }
func (c *captureForwarder) Close() error { return nil }
func (c *captureForwarder) Forward(_ context.Context, _ string, r domain.EventRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received = append(c.received, r)
	return c.err
}

func TestForwardersReceiveAppendedRecordsOnly(t *testing.T) {
	ctx := context.Background()
	store := &faultStore{Store: memory.NewStore(), appendErrByID: map[uint32]error{2: errors.New("nope")}}
	src := &stubSource{records: []domain.EventRecord{rec(10, 1), rec(20, 2), rec(30, 3)}}
	engine := newEngine(src, store)
	fwd := &captureForwarder{name: "capture"}
	engine.AddForwarder(fwd)

	report, err := engine.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Appended != 2 {
		t.Fatalf("unexpected appended count: %+v", report)
	}
	if len(fwd.received) != 2 || fwd.received[0].EventID != 1 || fwd.received[1].EventID != 3 {
		t.Fatalf("forwarder saw wrong records: %+v", fwd.received)
	}
}

func TestForwardFailureIsAdvisory(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	src := &stubSource{records: []domain.EventRecord{rec(10, 1)}}
	engine := newEngine(src, store)
	engine.AddForwarder(&captureForwarder{name: "flaky", err: errors.New("broker down")})

	report, err := engine.Run(ctx)
	if err != nil {
		t.Fatalf("forward failure must not fail the run: %v", err)
	}
	if report.Appended != 1 || report.Failed != 0 {
		t.Fatalf("forward failure leaked into counts: %+v", report)
	}
}

func TestComposeMessage(t *testing.T) {
	r := rec(10, 7)
	if got := ComposeMessage(r); got != r.Message {
		t.Fatalf("non-empty message replaced: %q", got)
	}
	r.Message = ""
	r.LevelDisplay = "Warning"
	if got := ComposeMessage(r); got != "svc event 7 (Warning)" {
		t.Fatalf("composed message = %q", got)
	}
	r.LevelDisplay = ""
	r.Level = 2
	if got := ComposeMessage(r); got != "svc event 7 (level 2)" {
		t.Fatalf("composed message = %q", got)
	}
}

func TestGuardSingleFlightPerDestination(t *testing.T) {
	g := NewGuard()
	if !g.TryAcquire("Application-Events") {
		t.Fatalf("first acquire failed")
	}
	// Same prefix, different spelling: still the same destination.
	if g.TryAcquire("application-EVENTS") {
		t.Fatalf("overlapping run acquired the same destination")
	}
	if !g.TryAcquire("security-audit") {
		t.Fatalf("unrelated destination blocked")
	}
	g.Release("Application-Events")
	if !g.TryAcquire("application-events") {
		t.Fatalf("release did not free the destination")
	}
}

var _ forward.Forwarder = (*captureForwarder)(nil)
