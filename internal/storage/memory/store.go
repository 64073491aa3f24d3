package memory

import (
	"context"
	"fmt"
	"sync"

	"tracerelay/internal/domain"
	"tracerelay/internal/logname"
	"tracerelay/internal/storage"
)

type memLog struct {
	name    string
	limits  storage.Limits
	records []storage.StoredRecord
	seq     uint64
	size    int64
}

// Store is the in-memory implementation of the destination log store,
// used by tests and as the reference semantics for the sqlite store.
type Store struct {
	mu       sync.Mutex
	registry *logname.Registry
	logs     map[string]*memLog
}

func NewStore() *Store {
	return &Store{registry: logname.NewRegistry(), logs: make(map[string]*memLog)}
}

func (s *Store) Exists(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[logname.SignificantPrefix(name)]
	return ok && l.name == logname.Canonicalize(name), nil
}

func (s *Store) Create(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.registry.Claim(name)
	if !ok || s.logs[logname.SignificantPrefix(name)] != nil {
		return fmt.Errorf("prefix %q already owned by %q: %w", logname.SignificantPrefix(name), owner, storage.ErrNameCollision)
	}
	s.logs[logname.SignificantPrefix(name)] = &memLog{
		name:   logname.Canonicalize(name),
		limits: storage.Limits{Overflow: domain.OverwriteOldest},
	}
	return nil
}

func (s *Store) Configure(_ context.Context, name string, limits storage.Limits) error {
	if limits.MaxSizeBytes < 0 {
		return fmt.Errorf("max size %d: %w", limits.MaxSizeBytes, storage.ErrInvalidLimits)
	}
	if limits.Overflow == "" {
		limits.Overflow = domain.OverwriteOldest
	}
	if _, err := domain.ParseOverflowPolicy(string(limits.Overflow)); err != nil {
		return fmt.Errorf("%v: %w", err, storage.ErrInvalidLimits)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[logname.SignificantPrefix(name)]
	if !ok {
		return fmt.Errorf("configure %q: %w", name, storage.ErrLogNotFound)
	}
	l.limits = limits
	return nil
}

func (s *Store) MostRecentTimestamp(_ context.Context, name string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[logname.SignificantPrefix(name)]
	if !ok || len(l.records) == 0 {
		return 0, false, nil
	}
	max := l.records[0].Record.TimeCreatedUTCNs
	for _, r := range l.records[1:] {
		if r.Record.TimeCreatedUTCNs > max {
			max = r.Record.TimeCreatedUTCNs
		}
	}
	return max, true, nil
}

func (s *Store) Append(_ context.Context, name string, rec domain.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[logname.SignificantPrefix(name)]
	if !ok {
		return fmt.Errorf("append to %q: %w", name, storage.ErrLogNotFound)
	}
	recSize := storage.RecordSize(rec)
	if l.limits.MaxSizeBytes > 0 && recSize > l.limits.MaxSizeBytes {
		return fmt.Errorf("record of %d bytes exceeds log budget %d: %w", recSize, l.limits.MaxSizeBytes, storage.ErrLogFull)
	}
	if l.limits.MaxSizeBytes > 0 && l.size+recSize > l.limits.MaxSizeBytes {
		if l.limits.Overflow == domain.NeverOverwrite {
			return fmt.Errorf("append to %q: %w", name, storage.ErrLogFull)
		}
		for len(l.records) > 0 && l.size+recSize > l.limits.MaxSizeBytes {
			l.size -= l.records[0].SizeBytes
			l.records = l.records[1:]
		}
	}
	l.seq++
	l.records = append(l.records, storage.StoredRecord{Seq: l.seq, SizeBytes: recSize, Record: rec})
	l.size += recSize
	return nil
}

func (s *Store) Read(_ context.Context, name string) ([]storage.StoredRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[logname.SignificantPrefix(name)]
	if !ok {
		return nil, fmt.Errorf("read %q: %w", name, storage.ErrLogNotFound)
	}
	return append([]storage.StoredRecord(nil), l.records...), nil
}
