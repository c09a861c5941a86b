package domain

import (
	"encoding/json"
	"time"
)

// RawRecord is one incident report as returned by the upstream case-management
// system: a stable source identifier plus a flat set of named fields. Field
// values are strings, numbers, or lists of strings depending on the upstream
// field type. Immutable once fetched.
type RawRecord struct {
	ID     string
	Fields map[string]interface{}
}

// String returns the named field as a string. List-valued fields return their
// first element. The second return is false when the field is absent or empty.
// Parameters:
//   - name: upstream field name.
//
// Returns:
//   - string: field value.
//   - bool: true when the field is present and non-empty.
func (r RawRecord) String(name string) (string, bool) {
	v, ok := r.Fields[name]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, t != ""
	case []interface{}:
		if len(t) == 0 {
			return "", false
		}
		s, ok := t[0].(string)
		return s, ok && s != ""
	case []string:
		if len(t) == 0 {
			return "", false
		}
		return t[0], t[0] != ""
	case json.Number:
		return t.String(), true
	case float64:
		return json.Number(formatFloat(t)).String(), true
	}
	return "", false
}

// Strings returns the named field as a list. Scalar values come back as a
// single-element list; absent fields as nil.
func (r RawRecord) Strings(name string) []string {
	v, ok := r.Fields[name]
	if !ok || v == nil {
		return nil
	}
	switch t := v.(type) {
	case []string:
		return t
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	}
	return nil
}

func formatFloat(f float64) string {
	b, _ := json.Marshal(f)
	return string(b)
}

// TransformedRecord is an incident report reshaped into the destination intake
// schema. TrackingID is the tenant tracking identifier derived from the source
// ID; Fields is the full destination payload (TrackingID is duplicated inside
// it under the configured destination field name). Consumed once by the
// submission client and not retained after the run.
type TransformedRecord struct {
	SourceID   string
	TrackingID string
	Fields     map[string]interface{}
}

// MarshalJSON serializes only the destination payload.
func (t TransformedRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Fields)
}

// Outcome classifies the result of submitting one record downstream.
type Outcome string

const (
	OutcomeAccepted      Outcome = "accepted"
	OutcomeDuplicate     Outcome = "duplicate"
	OutcomeValidationErr Outcome = "validation_error"
	OutcomeTransportErr  Outcome = "transport_error"
)

// SubmissionResult is the per-record outcome of one submission attempt.
type SubmissionResult struct {
	SourceID      string       `json:"source_id"`
	TrackingID    string       `json:"tracking_id"`
	Outcome       Outcome      `json:"outcome"`
	DestinationID string       `json:"destination_id,omitempty"`
	Error         string       `json:"error,omitempty"`
	Details       []FieldError `json:"details,omitempty"`
}

// FieldError mirrors the destination API's validation error element. Field
// names match the wire format exactly.
type FieldError struct {
	PropertyName   string      `json:"propertyName"`
	ErrorMessage   string      `json:"errorMessage"`
	AttemptedValue interface{} `json:"attemptedValue"`
}

// RunStatus is the overall outcome of one synchronization run.
type RunStatus string

const (
	RunStatusSuccess RunStatus = "success"
	RunStatusPartial RunStatus = "partial"
	RunStatusFailed  RunStatus = "failed"
)

// RunSummary is the aggregate result of one run and the only state returned
// to the invoking trigger.
type RunSummary struct {
	RunID           string    `json:"run_id"`
	Status          RunStatus `json:"status"`
	DryRun          bool      `json:"dry_run"`
	WatermarkBefore time.Time `json:"watermark_before"`
	WatermarkAfter  time.Time `json:"watermark_after"`
	Fetched         int       `json:"fetched"`
	Eligible        int       `json:"eligible"`
	Transformed     int       `json:"transformed"`
	Accepted        int       `json:"accepted"`
	Duplicates      int       `json:"duplicates"`
	ValidationErrs  int       `json:"validation_errors"`
	TransportErrs   int       `json:"transport_errors"`
	ParseFailures   int       `json:"parse_failures"`
	Warnings        []string  `json:"warnings,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	DurationMs      int64     `json:"duration_ms"`
	Error           string    `json:"error,omitempty"`
}

// Warn appends a warning to the summary.
func (s *RunSummary) Warn(msg string) {
	s.Warnings = append(s.Warnings, msg)
}
