package domain

import (
	"encoding/json"
	"testing"
)

func TestRawRecordString(t *testing.T) {
	rec := RawRecord{
		ID: "1",
		Fields: map[string]interface{}{
			"scalar":     "value",
			"empty":      "",
			"list":       []interface{}{"first", "second"},
			"empty_list": []interface{}{},
			"number":     float64(4488),
			"nothing":    nil,
		},
	}

	testCases := []struct {
		name   string
		field  string
		want   string
		wantOK bool
	}{
		{name: "scalar", field: "scalar", want: "value", wantOK: true},
		{name: "empty string", field: "empty", want: "", wantOK: false},
		{name: "list returns first", field: "list", want: "first", wantOK: true},
		{name: "empty list", field: "empty_list", want: "", wantOK: false},
		{name: "number", field: "number", want: "4488", wantOK: true},
		{name: "nil value", field: "nothing", want: "", wantOK: false},
		{name: "absent field", field: "missing", want: "", wantOK: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := rec.String(tc.field)
			if got != tc.want || ok != tc.wantOK {
				t.Errorf("String(%q) = (%q, %v), want (%q, %v)", tc.field, got, ok, tc.want, tc.wantOK)
			}
		})
	}
}

func TestRawRecordStrings(t *testing.T) {
	rec := RawRecord{
		ID: "1",
		Fields: map[string]interface{}{
			"list":   []interface{}{"a", "b"},
			"scalar": "only",
		},
	}

	if got := rec.Strings("list"); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Strings(list) = %v, want [a b]", got)
	}
	if got := rec.Strings("scalar"); len(got) != 1 || got[0] != "only" {
		t.Errorf("Strings(scalar) = %v, want [only]", got)
	}
	if got := rec.Strings("missing"); got != nil {
		t.Errorf("Strings(missing) = %v, want nil", got)
	}
}

func TestTransformedRecordMarshalsPayloadOnly(t *testing.T) {
	rec := TransformedRecord{
		SourceID:   "4487",
		TrackingID: "SIR-4487",
		Fields: map[string]interface{}{
			"tenantItemID": "SIR-4487",
			"title":        "test",
		},
	}

	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("Marshal returned error: %v", err)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("Unmarshal returned error: %v", err)
	}
	if payload["tenantItemID"] != "SIR-4487" {
		t.Errorf("tenantItemID = %v", payload["tenantItemID"])
	}
	if _, leaked := payload["SourceID"]; leaked {
		t.Error("internal SourceID field leaked into the wire payload")
	}
}

func TestRunSummaryWarn(t *testing.T) {
	var s RunSummary
	s.Warn("first")
	s.Warn("second")
	if len(s.Warnings) != 2 || s.Warnings[0] != "first" {
		t.Errorf("Warnings = %v", s.Warnings)
	}
}
