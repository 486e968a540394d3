// Package merge implements the field-scoped three-way comparison used to
// reconcile a local pending delta against an authoritative server snapshot.
package merge

import (
	"sort"
	"time"

	"github.com/hyperengineering/fieldsync/internal/types"
	"github.com/oklog/ulid/v2"
)

// Outcome is the result of a three-way comparison for one record.
type Outcome struct {
	// Merged is the server snapshot with every surviving local edit
	// applied on top. Fields under conflict carry the local value so the
	// agent keeps seeing their own edit while the disagreement is open.
	Merged types.FieldMap

	// Conflicts holds one unresolved entry per field where both sides
	// changed the value away from the shared base. Empty means the merge
	// was clean.
	Conflicts []types.Conflict
}

// Clean reports whether the merge produced no conflicts.
func (o Outcome) Clean() bool {
	return len(o.Conflicts) == 0
}

// ThreeWay compares the local field-level delta against the server snapshot
// relative to the shared base. Per field touched by the local delta:
//
//   - server value equals base value: the server had no concurrent change,
//     the local value wins;
//   - server value equals the local value: both sides made the identical
//     edit, nothing to resolve;
//   - otherwise: a true disagreement, recorded as an Unresolved conflict.
//
// Fields not touched by the local delta always take the server value.
// Resolution is never automatic for a true disagreement; the caller must
// surface the conflicts and wait for an explicit decision.
func ThreeWay(recordID string, base, localDelta, server types.FieldMap, serverVersion int64, now time.Time) Outcome {
	merged := server.Clone()
	if merged == nil {
		merged = types.FieldMap{}
	}

	var conflicts []types.Conflict

	// Deterministic field order keeps conflict ids and detection order
	// stable across replays of the same response.
	fields := make([]string, 0, len(localDelta))
	for field := range localDelta {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	for _, field := range fields {
		localValue := localDelta[field]
		baseValue := base[field]
		serverValue := server[field]

		switch {
		case serverValue == baseValue:
			// No concurrent server change: local wins.
			merged[field] = localValue
		case serverValue == localValue:
			// Identical concurrent edit: not a conflict.
		default:
			merged[field] = localValue
			conflicts = append(conflicts, types.Conflict{
				ID:            ulid.Make().String(),
				RecordID:      recordID,
				FieldID:       field,
				BaseValue:     baseValue,
				LocalValue:    localValue,
				ServerValue:   serverValue,
				ServerVersion: serverVersion,
				ResolvedWith:  types.ResolutionUnresolved,
				DetectedAt:    now,
			})
		}
	}

	return Outcome{Merged: merged, Conflicts: conflicts}
}
