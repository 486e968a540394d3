// Package index provides the in-memory search index over the record store.
// The index is derived state: rebuildable from loaded records at any time
// and never persisted, so it can never become a second source of truth.
package index

import (
	"sort"
	"strings"
	"sync"

	"github.com/hyperengineering/fieldsync/internal/types"
)

// entry holds the normalized searchable projection of one record.
type entry struct {
	id       string
	booth    int
	serial   int
	nameEN   string
	nameTE   string
	fatherEN string
	fatherTE string
	mobiles  [4]string
	house    string
	locality string
	pincode  string
	voterID  string
	gender   string
}

// Index supports instant multi-field lookup with deterministic pagination.
// Safe for concurrent use.
type Index struct {
	mu      sync.RWMutex
	entries map[string]*entry

	// Posting lists for the exact-match filters, used to narrow the
	// candidate set before predicate evaluation.
	byBooth   map[int]map[string]struct{}
	byPincode map[string]map[string]struct{}
}

// New creates an empty index.
func New() *Index {
	return &Index{
		entries:   make(map[string]*entry),
		byBooth:   make(map[int]map[string]struct{}),
		byPincode: make(map[string]map[string]struct{}),
	}
}

// Upsert indexes a record's searchable tokens, replacing any previous entry
// for the same id. Idempotent.
func (ix *Index) Upsert(rec types.Record) {
	e := newEntry(rec)

	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.removeLocked(rec.ID)
	ix.entries[rec.ID] = e

	if posting, ok := ix.byBooth[e.booth]; ok {
		posting[rec.ID] = struct{}{}
	} else {
		ix.byBooth[e.booth] = map[string]struct{}{rec.ID: {}}
	}
	if posting, ok := ix.byPincode[e.pincode]; ok {
		posting[rec.ID] = struct{}{}
	} else {
		ix.byPincode[e.pincode] = map[string]struct{}{rec.ID: {}}
	}
}

// Remove drops a record from the index.
func (ix *Index) Remove(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(id)
}

func (ix *Index) removeLocked(id string) {
	e, ok := ix.entries[id]
	if !ok {
		return
	}
	delete(ix.entries, id)
	if posting, ok := ix.byBooth[e.booth]; ok {
		delete(posting, id)
		if len(posting) == 0 {
			delete(ix.byBooth, e.booth)
		}
	}
	if posting, ok := ix.byPincode[e.pincode]; ok {
		delete(posting, id)
		if len(posting) == 0 {
			delete(ix.byPincode, e.pincode)
		}
	}
}

// Len returns the number of indexed records.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Query returns one page of matching record ids. Filters combine with
// logical AND. Ordering is the stable sort key (boothNumber, serialNumber,
// id) ascending, so repeated queries with the same filters and offset
// return identical pages even as unrelated records are mutated.
func (ix *Index) Query(f types.SearchFilters, limit, offset int) types.SearchPage {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	matched := make([]*entry, 0)
	for _, e := range ix.candidatesLocked(f) {
		if e.matches(f) {
			matched = append(matched, e)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.booth != b.booth {
			return a.booth < b.booth
		}
		if a.serial != b.serial {
			return a.serial < b.serial
		}
		return a.id < b.id
	})

	total := len(matched)
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}

	ids := make([]string, 0, end-offset)
	for _, e := range matched[offset:end] {
		ids = append(ids, e.id)
	}

	return types.SearchPage{IDs: ids, Total: total, HasMore: end < total}
}

// candidatesLocked narrows the scan using posting lists when an exact-match
// filter is present; otherwise every entry is a candidate.
func (ix *Index) candidatesLocked(f types.SearchFilters) []*entry {
	var posting map[string]struct{}
	switch {
	case f.BoothNumber > 0:
		posting = ix.byBooth[f.BoothNumber]
	case f.Pincode != "":
		posting = ix.byPincode[f.Pincode]
	default:
		out := make([]*entry, 0, len(ix.entries))
		for _, e := range ix.entries {
			out = append(out, e)
		}
		return out
	}

	out := make([]*entry, 0, len(posting))
	for id := range posting {
		out = append(out, ix.entries[id])
	}
	return out
}

// matches evaluates every set filter against the entry (logical AND).
func (e *entry) matches(f types.SearchFilters) bool {
	if f.BoothNumber > 0 && e.booth != f.BoothNumber {
		return false
	}
	if f.Pincode != "" && e.pincode != f.Pincode {
		return false
	}
	if f.Gender != "" && !strings.EqualFold(e.gender, f.Gender) {
		return false
	}
	if f.VoterID != "" && !strings.EqualFold(e.voterID, f.VoterID) {
		return false
	}
	if f.HouseNumber != "" && !strings.EqualFold(e.house, f.HouseNumber) {
		return false
	}
	if f.Locality != "" && !strings.Contains(e.locality, strings.ToLower(f.Locality)) {
		return false
	}
	if f.Name != "" {
		needle := strings.ToLower(f.Name)
		if !strings.Contains(e.nameEN, needle) && !strings.Contains(e.nameTE, needle) {
			return false
		}
	}
	if f.FatherName != "" {
		needle := strings.ToLower(f.FatherName)
		if !strings.Contains(e.fatherEN, needle) && !strings.Contains(e.fatherTE, needle) {
			return false
		}
	}
	if f.MobileDigits != "" {
		needle := digitsOnly(f.MobileDigits)
		// A filter with no digits can never identify a phone number; an
		// empty needle must not degrade into match-everything.
		if needle == "" {
			return false
		}
		found := false
		for _, m := range e.mobiles {
			if m != "" && strings.Contains(m, needle) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func newEntry(rec types.Record) *entry {
	f := rec.Fields
	return &entry{
		id:       rec.ID,
		booth:    f.Int(types.FieldBoothNumber),
		serial:   f.Int(types.FieldSerialNumber),
		nameEN:   strings.ToLower(f[types.FieldNameEnglish]),
		nameTE:   strings.ToLower(f[types.FieldNameTelugu]),
		fatherEN: strings.ToLower(f[types.FieldFatherNameEnglish]),
		fatherTE: strings.ToLower(f[types.FieldFatherNameTelugu]),
		mobiles: [4]string{
			digitsOnly(f[types.FieldMobilePrimary]),
			digitsOnly(f[types.FieldMobileSecondary]),
			digitsOnly(f[types.FieldMobileTertiary]),
			digitsOnly(f[types.FieldMobileQuaternary]),
		},
		house:    f[types.FieldHouseNumber],
		locality: strings.ToLower(f[types.FieldLocality]),
		pincode:  f[types.FieldPincode],
		voterID:  f[types.FieldVoterIDNumber],
		gender:   f[types.FieldGender],
	}
}

// digitsOnly strips everything but digits so "+91-98765 43210" matches a
// query for "9876543210".
func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
