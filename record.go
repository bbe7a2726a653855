package outpost

import (
	"time"
)

// Action identifies the kind of mutation applied to a record.
type Action string

const (
	// ActionCreate inserts a new record into a collection.
	ActionCreate Action = "create"
	// ActionUpdate replaces or partially updates an existing record.
	ActionUpdate Action = "update"
	// ActionDelete removes a record from a collection.
	ActionDelete Action = "delete"
)

// Record is a synchronized document: an opaque field map plus the metadata
// the engine needs to merge concurrent edits.
//
// SyncedAt marks the last moment the record reflected server state. A field
// whose timestamp in FieldTimes is after SyncedAt carries a local edit that
// has not been acknowledged yet; the conflict resolver uses this to decide
// which side actually changed a field. A zero SyncedAt means the record has
// never been synced and every field counts as locally changed.
type Record struct {
	ID         string               `json:"id"`
	Fields     map[string]any       `json:"fields"`
	CreatedAt  time.Time            `json:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
	SyncedAt   time.Time            `json:"synced_at,omitempty"`
	Version    int64                `json:"version,omitempty"`
	FieldTimes map[string]time.Time `json:"field_times,omitempty"`
}

// Clone returns a deep copy of the record. Field values are copied by
// assignment; nested mutable values are shared, which is acceptable because
// the engine never mutates field values in place.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := &Record{
		ID:        r.ID,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		SyncedAt:  r.SyncedAt,
		Version:   r.Version,
	}
	if r.Fields != nil {
		out.Fields = make(map[string]any, len(r.Fields))
		for k, v := range r.Fields {
			out.Fields[k] = v
		}
	}
	if r.FieldTimes != nil {
		out.FieldTimes = make(map[string]time.Time, len(r.FieldTimes))
		for k, v := range r.FieldTimes {
			out.FieldTimes[k] = v
		}
	}
	return out
}

// Touch stamps a field write at the given time, updating both the field
// clock and the record clock.
func (r *Record) Touch(field string, at time.Time) {
	if r.FieldTimes == nil {
		r.FieldTimes = make(map[string]time.Time)
	}
	r.FieldTimes[field] = at
	if at.After(r.UpdatedAt) {
		r.UpdatedAt = at
	}
}

// fieldTime returns the best-known modification time for a field, falling
// back to the record-level UpdatedAt when no per-field clock exists.
func (r *Record) fieldTime(field string) time.Time {
	if t, ok := r.FieldTimes[field]; ok {
		return t
	}
	return r.UpdatedAt
}

// locallyChanged reports whether the field was modified after the record
// last reflected server state.
func (r *Record) locallyChanged(field string) bool {
	return r.fieldTime(field).After(r.SyncedAt)
}

// ChangeEvent describes a single record change, either observed on the
// local store or received over the realtime channel.
type ChangeEvent struct {
	Collection     string  `json:"collection"`
	Action         Action  `json:"action"`
	Record         *Record `json:"record,omitempty"`
	RecordID       string  `json:"record_id"`
	OriginClientID string  `json:"origin_client_id,omitempty"`
}

// QueuedMutation is a durable, pending local mutation awaiting server
// acknowledgement. It is created by the local write path, advanced only by
// the sync engine's drain loop, and removed on ack or after promotion to the
// dead-letter set.
type QueuedMutation struct {
	ID                    string    `json:"id"`
	Collection            string    `json:"collection"`
	Action                Action    `json:"action"`
	RecordID              string    `json:"record_id"`
	Record                *Record   `json:"record,omitempty"`
	EnqueuedAt            time.Time `json:"enqueued_at"`
	RetryCount            int       `json:"retry_count"`
	LocalVersionAtEnqueue int64     `json:"local_version_at_enqueue"`
	FailureReason         string    `json:"failure_reason,omitempty"`
}

// Clock abstracts time for deterministic testing.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }
