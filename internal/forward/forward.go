package forward

import (
	"context"
	"encoding/json"
	"time"

	"tracerelay/internal/domain"
)

// Forwarder mirrors a record that was just appended to the destination
// log onto a downstream transport. Forwarding is advisory: the relay
// logs a failure and moves on, it never fails the run.
type Forwarder interface {
	Name() string
	Forward(ctx context.Context, destination string, rec domain.EventRecord) error
	Close() error
}

type envelope struct {
	Destination  string `json:"destination"`
	TimeCreated  string `json:"time_created_utc"`
	EventID      uint32 `json:"event_id"`
	Provider     string `json:"provider"`
	Level        uint8  `json:"level"`
	LevelDisplay string `json:"level_display"`
	Host         string `json:"host"`
	ProcessID    int    `json:"process_id"`
	UserSID      string `json:"user_sid"`
	Channel      string `json:"channel"`
	Message      string `json:"message"`
}

// MarshalRecord renders the wire envelope shared by all forwarders.
func MarshalRecord(destination string, rec domain.EventRecord) ([]byte, error) {
	return json.Marshal(envelope{
		Destination:  destination,
		TimeCreated:  time.Unix(0, rec.TimeCreatedUTCNs).UTC().Format(time.RFC3339Nano),
		EventID:      rec.EventID,
		Provider:     rec.Provider,
		Level:        rec.Level,
		LevelDisplay: rec.LevelDisplay,
		Host:         rec.Host,
		ProcessID:    rec.ProcessID,
		UserSID:      rec.UserSID,
		Channel:      rec.Channel,
		Message:      rec.Message,
	})
}
