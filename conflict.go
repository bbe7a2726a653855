package outpost

import (
	"reflect"
	"sort"
	"time"
)

// Strategy selects the conflict resolution policy.
type Strategy string

const (
	// StrategyServerWins always applies the remote version.
	StrategyServerWins Strategy = "server-wins"

	// StrategyClientWins keeps local edits, but remote values still land on
	// fields the client never touched.
	StrategyClientWins Strategy = "client-wins"

	// StrategyFieldMerge resolves each field independently: the later write
	// wins, ties break toward remote (the server holds the global clock).
	// This is the default.
	StrategyFieldMerge Strategy = "field-level-merge"
)

// ConflictRecord captures a detected conflict and its resolution. It is
// surfaced in the cycle's SyncResult and counted in engine stats, but not
// persisted beyond that.
type ConflictRecord struct {
	Collection string    `json:"collection"`
	RecordID   string    `json:"record_id"`
	Local      *Record   `json:"local"`
	Remote     *Record   `json:"remote"`
	Resolved   *Record   `json:"resolved"`
	Fields     []string  `json:"fields"`
	Mismatched []string  `json:"mismatched,omitempty"`
	Strategy   Strategy  `json:"strategy"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// Resolve merges a local and a remote version of a record under the given
// strategy. It is a pure function: the same (local, remote, strategy) triple
// always produces the same winner, and it never fails: a structural
// mismatch (a field changing type) resolves by preferring remote and is
// reported in the conflict record's Mismatched list for the caller to log.
//
// A conflict is reported only when both sides modified the same field since
// the local record last reflected server state; a remote value that is
// simply newer than an untouched local field is a plain update, not a
// conflict.
func Resolve(local, remote *Record, strategy Strategy) (*Record, *ConflictRecord) {
	if remote == nil {
		return local.Clone(), nil
	}
	if local == nil {
		return remote.Clone(), nil
	}

	conflicting, mismatched := divergentFields(local, remote)

	var winner *Record
	switch strategy {
	case StrategyServerWins:
		winner = remote.Clone()
	case StrategyClientWins:
		winner = mergeClientWins(local, remote)
	default: // StrategyFieldMerge
		winner = mergeByField(local, remote)
	}
	mergeMetadata(winner, local, remote)

	if len(conflicting) == 0 && len(mismatched) == 0 {
		return winner, nil
	}
	return winner, &ConflictRecord{
		RecordID:   local.ID,
		Local:      local.Clone(),
		Remote:     remote.Clone(),
		Resolved:   winner.Clone(),
		Fields:     conflicting,
		Mismatched: mismatched,
		Strategy:   strategy,
	}
}

// divergentFields returns the fields both sides modified since the last
// common server state, and the fields whose value types disagree.
func divergentFields(local, remote *Record) (conflicting, mismatched []string) {
	for field, lv := range local.Fields {
		rv, ok := remote.Fields[field]
		if !ok {
			continue
		}
		if !sameType(lv, rv) {
			mismatched = append(mismatched, field)
			continue
		}
		if reflect.DeepEqual(lv, rv) {
			continue
		}
		if local.locallyChanged(field) && remoteChanged(local, remote, field) {
			conflicting = append(conflicting, field)
		}
	}
	sort.Strings(conflicting)
	sort.Strings(mismatched)
	return conflicting, mismatched
}

// remoteChanged reports whether the remote side modified a field after the
// local record last absorbed server state.
func remoteChanged(local, remote *Record, field string) bool {
	return remote.fieldTime(field).After(local.SyncedAt)
}

// mergeClientWins keeps every locally modified field and takes remote for
// the rest.
func mergeClientWins(local, remote *Record) *Record {
	out := remote.Clone()
	if out.Fields == nil {
		out.Fields = make(map[string]any)
	}
	for field, lv := range local.Fields {
		rv, inRemote := remote.Fields[field]
		if inRemote && !sameType(lv, rv) {
			// Structural mismatch always prefers remote.
			continue
		}
		if local.locallyChanged(field) {
			out.Fields[field] = lv
			out.Touch(field, local.fieldTime(field))
		} else if !inRemote {
			// Untouched locally and absent remotely: the server removed it.
			delete(out.Fields, field)
		}
	}
	return out
}

// mergeByField resolves each field independently by recency, ties toward
// remote.
func mergeByField(local, remote *Record) *Record {
	out := &Record{
		ID:         local.ID,
		Fields:     make(map[string]any, len(remote.Fields)),
		FieldTimes: make(map[string]time.Time),
	}

	for field, rv := range remote.Fields {
		lv, inLocal := local.Fields[field]
		if !inLocal {
			out.Fields[field] = rv
			out.Touch(field, remote.fieldTime(field))
			continue
		}
		if !sameType(lv, rv) {
			out.Fields[field] = rv
			out.Touch(field, remote.fieldTime(field))
			continue
		}
		if local.fieldTime(field).After(remote.fieldTime(field)) {
			out.Fields[field] = lv
			out.Touch(field, local.fieldTime(field))
		} else {
			out.Fields[field] = rv
			out.Touch(field, remote.fieldTime(field))
		}
	}

	// Local-only fields survive if they carry a local edit; otherwise the
	// server removed them.
	for field, lv := range local.Fields {
		if _, inRemote := remote.Fields[field]; inRemote {
			continue
		}
		if local.locallyChanged(field) {
			out.Fields[field] = lv
			out.Touch(field, local.fieldTime(field))
		}
	}
	return out
}

func mergeMetadata(winner, local, remote *Record) {
	winner.ID = local.ID
	winner.Version = local.Version
	if remote.Version > winner.Version {
		winner.Version = remote.Version
	}
	winner.CreatedAt = local.CreatedAt
	if winner.CreatedAt.IsZero() || (!remote.CreatedAt.IsZero() && remote.CreatedAt.Before(winner.CreatedAt)) {
		winner.CreatedAt = remote.CreatedAt
	}
	if local.UpdatedAt.After(winner.UpdatedAt) {
		winner.UpdatedAt = local.UpdatedAt
	}
	if remote.UpdatedAt.After(winner.UpdatedAt) {
		winner.UpdatedAt = remote.UpdatedAt
	}
}

func sameType(a, b any) bool {
	if a == nil || b == nil {
		return true
	}
	return reflect.TypeOf(a) == reflect.TypeOf(b)
}
