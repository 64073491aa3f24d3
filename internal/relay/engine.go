package relay

import (
	"context"
	"fmt"
	"log"
	"math"

	"tracerelay/internal/domain"
	"tracerelay/internal/forward"
	"tracerelay/internal/storage"

	"github.com/google/uuid"
)

// BeginningOfTime is the high-water-mark sentinel for a new, empty, or
// unreadable destination log. Every extracted record is newer than it.
const BeginningOfTime int64 = math.MinInt64

// Source yields the full available record set, oldest first.
type Source interface {
	Extract(ctx context.Context) ([]domain.EventRecord, error)
}

// Report is the externally meaningful result of one run. Zero appended
// records is a normal outcome: nothing new since the last run.
type Report struct {
	RunID              uuid.UUID
	Destination        string
	CreatedDestination bool
	LimitsApplied      bool
	HighWaterMarkUTCNs int64
	Extracted          int
	Appended           int
	Skipped            int
	Failed             int
}

// Engine replicates records from a trace-log source into a destination
// log, one synchronous pass per Run. The destination's most recent
// record timestamp is the only cursor; records at or below it are
// considered already delivered.
type Engine struct {
	dest   string
	limits storage.Limits
	src    Source
	store  storage.Store
	fwd    []forward.Forwarder
	logger *log.Logger
}

func New(dest string, limits storage.Limits, src Source, store storage.Store, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{dest: dest, limits: limits, src: src, store: store, logger: logger}
}

// AddForwarder registers a downstream mirror for appended records.
func (e *Engine) AddForwarder(f forward.Forwarder) {
	e.fwd = append(e.fwd, f)
}

// Run executes one sync pass. A returned error is fatal for the run:
// the destination could not be created or the source could not be read.
// Everything else degrades: an unreadable high-water mark falls back to
// BeginningOfTime (at-least-once, never zero-once), a failed limits
// application leaves the log unbounded for this run, and a failed
// append skips that one record.
func (e *Engine) Run(ctx context.Context) (Report, error) {
	report := Report{RunID: uuid.New(), Destination: e.dest, HighWaterMarkUTCNs: BeginningOfTime}

	exists, err := e.store.Exists(ctx, e.dest)
	if err != nil {
		return report, fmt.Errorf("run %s: check destination %q: %w", report.RunID, e.dest, err)
	}
	if !exists {
		if err := e.store.Create(ctx, e.dest); err != nil {
			return report, fmt.Errorf("run %s: create destination %q: %w", report.RunID, e.dest, err)
		}
		report.CreatedDestination = true
		e.logger.Printf("run %s: created destination log %q", report.RunID, e.dest)
		if err := e.store.Configure(ctx, e.dest, e.limits); err != nil {
			// The log exists; ingesting unbounded beats abandoning the run.
			e.logger.Printf("run %s: limits not applied to %q, continuing unbounded: %v", report.RunID, e.dest, err)
		} else {
			report.LimitsApplied = true
			e.logger.Printf("run %s: applied limits to %q: max %d bytes, %s", report.RunID, e.dest, e.limits.MaxSizeBytes, e.limits.Overflow)
		}
	}

	ts, found, err := e.store.MostRecentTimestamp(ctx, e.dest)
	switch {
	case err != nil:
		// Risk re-delivery rather than block ingestion.
		e.logger.Printf("run %s: high-water mark unavailable for %q, using beginning of time: %v", report.RunID, e.dest, err)
	case found:
		report.HighWaterMarkUTCNs = ts
	}

	records, err := e.src.Extract(ctx)
	if err != nil {
		return report, fmt.Errorf("run %s: extract: %w", report.RunID, err)
	}
	report.Extracted = len(records)

	for _, rec := range records {
		// Strictly greater: a record at exactly the mark was delivered
		// by a previous run.
		if rec.TimeCreatedUTCNs <= report.HighWaterMarkUTCNs {
			report.Skipped++
			continue
		}
		rec.Message = ComposeMessage(rec)
		if err := e.store.Append(ctx, e.dest, rec); err != nil {
			report.Failed++
			e.logger.Printf("run %s: append event %d at %d failed, skipping record: %v", report.RunID, rec.EventID, rec.TimeCreatedUTCNs, err)
			continue
		}
		report.Appended++
		for _, f := range e.fwd {
			if err := f.Forward(ctx, e.dest, rec); err != nil {
				e.logger.Printf("run %s: forward to %s failed for event %d: %v", report.RunID, f.Name(), rec.EventID, err)
			}
		}
	}

	if report.Appended == 0 && report.Failed == 0 {
		e.logger.Printf("run %s: no new records for %q since high-water mark", report.RunID, e.dest)
	} else {
		e.logger.Printf("run %s: %q extracted=%d appended=%d skipped=%d failed=%d", report.RunID, e.dest, report.Extracted, report.Appended, report.Skipped, report.Failed)
	}
	return report, nil
}

// ComposeMessage returns the human-readable body carried into the
// destination log. Records without a message get a synthesized one so
// the destination entry is never blank.
func ComposeMessage(rec domain.EventRecord) string {
	if rec.Message != "" {
		return rec.Message
	}
	level := rec.LevelDisplay
	if level == "" {
		level = fmt.Sprintf("level %d", rec.Level)
	}
	return fmt.Sprintf("%s event %d (%s)", rec.Provider, rec.EventID, level)
}
