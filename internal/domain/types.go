package domain

import "fmt"

// OverflowPolicy is what a bounded destination log does once its byte
// budget is reached.
type OverflowPolicy string

const (
	// OverwriteOldest evicts the oldest records to make room.
	OverwriteOldest OverflowPolicy = "overwrite-oldest"
	// NeverOverwrite refuses new records once the log is full.
	NeverOverwrite OverflowPolicy = "never-overwrite"
)

func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch OverflowPolicy(s) {
	case OverwriteOldest, NeverOverwrite:
		return OverflowPolicy(s), nil
	default:
		return "", fmt.Errorf("unknown overflow policy %q", s)
	}
}

// EventRecord is the unit moved through the pipeline. TimeCreatedUTCNs is
// the only field the relay orders and filters on; the rest is carried
// through opaquely. Records are immutable once extracted.
type EventRecord struct {
	TimeCreatedUTCNs int64
	EventID          uint32
	Provider         string
	Level            uint8
	LevelDisplay     string
	Host             string
	ProcessID        int
	UserSID          string
	Channel          string
	Message          string
}
