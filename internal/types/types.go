package types

import (
	"encoding/json"
	"strconv"
	"time"
)

// SyncStatus represents a record's position in the sync lifecycle.
type SyncStatus string

const (
	StatusSynced   SyncStatus = "synced"
	StatusPending  SyncStatus = "pending"
	StatusConflict SyncStatus = "conflict"
)

// Well-known voter field names. The payload is an open field map; these
// constants cover the fields the search index and merge logic care about.
const (
	FieldVoterIDNumber     = "voterIdNumber"
	FieldBoothNumber       = "boothNumber"
	FieldSerialNumber      = "serialNumber"
	FieldNameEnglish       = "nameEnglish"
	FieldNameTelugu        = "nameTelugu"
	FieldFatherNameEnglish = "fatherNameEnglish"
	FieldFatherNameTelugu  = "fatherNameTelugu"
	FieldAge               = "age"
	FieldGender            = "gender"
	FieldMobilePrimary     = "mobilePrimary"
	FieldMobileSecondary   = "mobileSecondary"
	FieldMobileTertiary    = "mobileTertiary"
	FieldMobileQuaternary  = "mobileQuaternary"
	FieldHouseNumber       = "houseNumber"
	FieldStreet            = "street"
	FieldLocality          = "locality"
	FieldPincode           = "pincode"
	FieldCaste             = "caste"
	FieldReligion          = "religion"
	FieldEducation         = "education"
	FieldOccupation        = "occupation"
	FieldPartyAffiliation  = "partyAffiliation"
	FieldVotingStatus      = "votingStatus"
)

// FieldMap is a record payload or a field-level delta.
type FieldMap map[string]string

// Clone returns a copy that shares no storage with the receiver.
func (f FieldMap) Clone() FieldMap {
	if f == nil {
		return nil
	}
	out := make(FieldMap, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Merge returns a copy of f with every entry of other applied on top.
func (f FieldMap) Merge(other FieldMap) FieldMap {
	out := f.Clone()
	if out == nil {
		out = make(FieldMap, len(other))
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Int parses the named field as an integer, returning 0 when absent or
// malformed. Used for numeric sort keys (booth and serial numbers).
func (f FieldMap) Int(name string) int {
	n, err := strconv.Atoi(f[name])
	if err != nil {
		return 0
	}
	return n
}

// Record is the unit of synchronization: one voter profile.
type Record struct {
	ID          string     `json:"id"`
	BaseVersion int64      `json:"base_version"`
	Fields      FieldMap   `json:"fields"`
	Base        FieldMap   `json:"base,omitempty"`
	SyncStatus  SyncStatus `json:"sync_status"`
	LastUpdated time.Time  `json:"last_updated"`
	UpdatedBy   string     `json:"updated_by"`

	// PendingVersion holds the server version reported alongside an open
	// conflict; BaseVersion advances to it once every conflict on the
	// record is resolved.
	PendingVersion int64 `json:"pending_version,omitempty"`

	// Deleted marks an optimistic delete awaiting server confirmation.
	Deleted bool `json:"deleted,omitempty"`
}

// OpKind classifies a mutation intent.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// OpStatus tracks an operation through the outbox.
type OpStatus string

const (
	OpPending  OpStatus = "pending"
	OpInFlight OpStatus = "in_flight"
	OpSynced   OpStatus = "synced"
	OpFailed   OpStatus = "failed"
)

// Operation is one queued mutation. The ID is client-generated and serves
// as the idempotent replay key; Delta is a field-level patch, never a full
// snapshot.
type Operation struct {
	ID            string    `json:"id"`
	Kind          OpKind    `json:"kind"`
	RecordID      string    `json:"record_id"`
	Delta         FieldMap  `json:"delta,omitempty"`
	Actor         string    `json:"actor"`
	CreatedAt     time.Time `json:"created_at"`
	RetryCount    int       `json:"retry_count"`
	Status        OpStatus  `json:"status"`
	FailureReason string    `json:"failure_reason,omitempty"`
}

// Resolution states how a conflict was (or was not yet) settled.
type Resolution string

const (
	ResolutionUnresolved Resolution = "unresolved"
	ResolutionLocal      Resolution = "local"
	ResolutionServer     Resolution = "server"
	ResolutionManual     Resolution = "manual"
)

// Conflict records one field-scoped three-way disagreement. Conflicts are
// per mutated field, not per record: two agents editing disjoint fields of
// the same voter never conflict.
type Conflict struct {
	ID            string     `json:"id"`
	RecordID      string     `json:"record_id"`
	FieldID       string     `json:"field_id"`
	BaseValue     string     `json:"base_value"`
	LocalValue    string     `json:"local_value"`
	ServerValue   string     `json:"server_value"`
	ServerVersion int64      `json:"server_version"`
	ResolvedWith  Resolution `json:"resolved_with"`
	ManualValue   string     `json:"manual_value,omitempty"`
	DetectedAt    time.Time  `json:"detected_at"`
}

// ResultKind classifies the server's verdict on a single operation.
type ResultKind string

const (
	ResultApplied  ResultKind = "applied"
	ResultRejected ResultKind = "rejected"
	ResultConflict ResultKind = "conflict"
)

// OperationResult is the per-operation outcome inside a batch response.
type OperationResult struct {
	OperationID string     `json:"operation_id"`
	Result      ResultKind `json:"result"`

	// Set when Result == applied.
	NewVersion int64    `json:"new_version,omitempty"`
	Snapshot   FieldMap `json:"snapshot,omitempty"`

	// Set when Result == rejected.
	Reason string `json:"reason,omitempty"`

	// Set when Result == conflict.
	ServerVersion  int64    `json:"server_version,omitempty"`
	ServerSnapshot FieldMap `json:"server_snapshot,omitempty"`
}

// BatchResult maps operation ids to their outcomes.
type BatchResult struct {
	Results map[string]OperationResult `json:"results"`
}

// SearchFilters combine with logical AND. Zero values mean "no filter".
type SearchFilters struct {
	Name         string `json:"name,omitempty"`
	FatherName   string `json:"father_name,omitempty"`
	VoterID      string `json:"voter_id,omitempty"`
	MobileDigits string `json:"mobile_digits,omitempty"`
	HouseNumber  string `json:"house_number,omitempty"`
	Locality     string `json:"locality,omitempty"`
	Pincode      string `json:"pincode,omitempty"`
	BoothNumber  int    `json:"booth_number,omitempty"`
	Gender       string `json:"gender,omitempty"`
}

// SearchPage is one deterministic page of record ids ordered by
// (boothNumber, serialNumber, id) ascending.
type SearchPage struct {
	IDs     []string `json:"ids"`
	Total   int      `json:"total"`
	HasMore bool     `json:"has_more"`
}

// SearchResult pairs the page with hydrated records for API consumers.
type SearchResult struct {
	Records []Record `json:"records"`
	Total   int      `json:"total"`
	HasMore bool     `json:"has_more"`
}

// EngineStats summarizes engine state for health and dashboard consumers.
type EngineStats struct {
	Records             int64      `json:"records"`
	RecordsPending      int64      `json:"records_pending"`
	RecordsConflict     int64      `json:"records_conflict"`
	OutboxPending       int        `json:"outbox_pending"`
	OutboxFailed        int        `json:"outbox_failed"`
	UnresolvedConflicts int        `json:"unresolved_conflicts"`
	LastSyncAt          *time.Time `json:"last_sync_at,omitempty"`
	LastSyncState       string     `json:"last_sync_state,omitempty"`
}

// MarshalJSON ensures nil maps in Record marshal as {} not null.
func (r Record) MarshalJSON() ([]byte, error) {
	if r.Fields == nil {
		r.Fields = FieldMap{}
	}
	type Alias Record
	return json.Marshal(Alias(r))
}

// MarshalJSON ensures nil slices in SearchPage marshal as [] not null.
func (p SearchPage) MarshalJSON() ([]byte, error) {
	if p.IDs == nil {
		p.IDs = []string{}
	}
	type Alias SearchPage
	return json.Marshal(Alias(p))
}

// MarshalJSON ensures nil slices in SearchResult marshal as [] not null.
func (s SearchResult) MarshalJSON() ([]byte, error) {
	if s.Records == nil {
		s.Records = []Record{}
	}
	type Alias SearchResult
	return json.Marshal(Alias(s))
}
