package storage

import (
	"context"
	"errors"

	"tracerelay/internal/domain"
)

var (
	// ErrLogNotFound means no destination log owns the name's prefix.
	ErrLogNotFound = errors.New("destination log not found")
	// ErrNameCollision means the name's significant prefix is already
	// owned by a different destination log.
	ErrNameCollision = errors.New("destination name prefix collision")
	// ErrLogFull means a never-overwrite log has no room for the record.
	ErrLogFull = errors.New("destination log full")
	// ErrInvalidLimits means the requested size/overflow configuration
	// cannot be applied.
	ErrInvalidLimits = errors.New("invalid destination limits")
)

// Limits is the retention configuration of a destination log. A zero
// MaxSizeBytes means unbounded.
type Limits struct {
	MaxSizeBytes int64
	Overflow     domain.OverflowPolicy
}

// StoredRecord is one appended record plus its storage bookkeeping.
type StoredRecord struct {
	Seq       uint64
	SizeBytes int64
	Record    domain.EventRecord
}

// Store is the destination log store contract. Names are significant
// only up to their leading prefix (see logname); all methods resolve a
// name through that rule. Configuration is fixed at creation time:
// Configure is only meaningful immediately after Create.
type Store interface {
	Exists(ctx context.Context, name string) (bool, error)
	Create(ctx context.Context, name string) error
	Configure(ctx context.Context, name string, limits Limits) error
	MostRecentTimestamp(ctx context.Context, name string) (int64, bool, error)
	Append(ctx context.Context, name string, rec domain.EventRecord) error
	Read(ctx context.Context, name string) ([]StoredRecord, error)
}

// RecordSize is the byte cost a record charges against a log's budget:
// the variable-length fields plus a fixed per-record overhead.
func RecordSize(rec domain.EventRecord) int64 {
	const overhead = 64
	return overhead + int64(len(rec.Provider)+len(rec.LevelDisplay)+len(rec.Host)+len(rec.UserSID)+len(rec.Channel)+len(rec.Message))
}
