package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// Key addresses one file on one branch. It is the composite key of both the
// lease and the live content record.
type Key struct {
	FilePath string `json:"path"`
	Branch   string `json:"branch"`
}

func (k Key) String() string {
	return k.Branch + ":" + k.FilePath
}

func (k Key) IsZero() bool {
	return k.FilePath == "" && k.Branch == ""
}

// Row mirrors one record of the sessions table.
type Row struct {
	FilePath   string
	BranchName string
	Content    *string
	LockedBy   string
	LockedAt   *time.Time
	UpdatedAt  time.Time
	UserID     string
}

func (r Row) Key() Key {
	return Key{FilePath: r.FilePath, Branch: r.BranchName}
}

// LiveHolder reports the holder of the row's lease, if the lease has not
// passed its ttl at now. Expired leases are treated as absent.
func (r Row) LiveHolder(now time.Time, ttl time.Duration) (string, bool) {
	if r.LockedBy == "" || r.LockedAt == nil {
		return "", false
	}
	if !IsLive(*r.LockedAt, now, ttl) {
		return "", false
	}
	return r.LockedBy, true
}

// IsLive reports whether a lease stamped at lockedAt is still live at now.
func IsLive(lockedAt, now time.Time, ttl time.Duration) bool {
	return now.Sub(lockedAt) <= ttl
}

type EventKind string

const (
	EventInsert EventKind = "insert"
	EventUpdate EventKind = "update"
	EventDelete EventKind = "delete"
)

// Event is one change-feed notification. ContentOmitted is set by feeds that
// cannot carry the content body; Row.Content is then nil even if the record
// has content.
type Event struct {
	Kind           EventKind
	Row            Row
	ContentOmitted bool
}

type wireEvent struct {
	Kind           string     `json:"kind"`
	FilePath       string     `json:"file_path"`
	BranchName     string     `json:"branch_name"`
	Content        *string    `json:"content,omitempty"`
	ContentOmitted bool       `json:"content_omitted,omitempty"`
	LockedBy       *string    `json:"locked_by"`
	LockedAt       *time.Time `json:"locked_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	UserID         string     `json:"user_id"`
}

// EncodeEvent renders an event in the wire format shared by the Redis
// publisher and the PostgreSQL notify trigger.
func EncodeEvent(event Event) ([]byte, error) {
	wire := wireEvent{
		Kind:           string(event.Kind),
		FilePath:       event.Row.FilePath,
		BranchName:     event.Row.BranchName,
		Content:        event.Row.Content,
		ContentOmitted: event.ContentOmitted,
		LockedAt:       event.Row.LockedAt,
		UpdatedAt:      event.Row.UpdatedAt,
		UserID:         event.Row.UserID,
	}
	if event.Row.LockedBy != "" {
		lockedBy := event.Row.LockedBy
		wire.LockedBy = &lockedBy
	}
	payload, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return payload, nil
}

func DecodeEvent(payload []byte) (Event, error) {
	var wire wireEvent
	if err := json.Unmarshal(payload, &wire); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	kind := EventKind(wire.Kind)
	switch kind {
	case EventInsert, EventUpdate, EventDelete:
	default:
		return Event{}, fmt.Errorf("decode event: unknown kind %q", wire.Kind)
	}
	row := Row{
		FilePath:   wire.FilePath,
		BranchName: wire.BranchName,
		Content:    wire.Content,
		LockedAt:   wire.LockedAt,
		UpdatedAt:  wire.UpdatedAt,
		UserID:     wire.UserID,
	}
	if wire.LockedBy != nil {
		row.LockedBy = *wire.LockedBy
	}
	return Event{Kind: kind, Row: row, ContentOmitted: wire.ContentOmitted}, nil
}
