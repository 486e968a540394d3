package types

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestFieldMap_CloneIsIndependent(t *testing.T) {
	orig := FieldMap{FieldNameEnglish: "Rajesh Kumar", FieldBoothNumber: "1"}

	clone := orig.Clone()
	clone[FieldNameEnglish] = "changed"

	if orig[FieldNameEnglish] != "Rajesh Kumar" {
		t.Errorf("mutating clone changed original: %q", orig[FieldNameEnglish])
	}
}

func TestFieldMap_MergeAppliesOnTop(t *testing.T) {
	base := FieldMap{FieldMobilePrimary: "9876543210", FieldLocality: "Gandhi Nagar"}
	delta := FieldMap{FieldMobilePrimary: "8765432109"}

	merged := base.Merge(delta)

	if merged[FieldMobilePrimary] != "8765432109" {
		t.Errorf("delta value not applied: %q", merged[FieldMobilePrimary])
	}
	if merged[FieldLocality] != "Gandhi Nagar" {
		t.Errorf("untouched field lost: %q", merged[FieldLocality])
	}
	if base[FieldMobilePrimary] != "9876543210" {
		t.Error("Merge mutated receiver")
	}
}

func TestFieldMap_Int(t *testing.T) {
	tests := []struct {
		name   string
		fields FieldMap
		want   int
	}{
		{"parses number", FieldMap{FieldBoothNumber: "42"}, 42},
		{"missing field", FieldMap{}, 0},
		{"malformed value", FieldMap{FieldBoothNumber: "abc"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fields.Int(FieldBoothNumber); got != tt.want {
				t.Errorf("Int() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRecord_MarshalJSON_NilFields(t *testing.T) {
	data, err := json.Marshal(Record{ID: "V1", SyncStatus: StatusSynced})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), `"fields":null`) {
		t.Errorf("nil Fields marshalled as null: %s", data)
	}
}

func TestSearchPage_MarshalJSON_NilIDs(t *testing.T) {
	data, err := json.Marshal(SearchPage{})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"ids":[]`) {
		t.Errorf("nil IDs should marshal as []: %s", data)
	}
}
