package domain

import "fmt"

// AuthenticationError indicates a credential or endpoint failure against the
// upstream or downstream system. Fatal to the run; the watermark is not
// advanced.
type AuthenticationError struct {
	System string // "upstream" or "downstream"
	Err    error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("%s authentication failed: %v", e.System, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// FetchError indicates an upstream retrieval or decode failure. Fatal to the
// run; the watermark is not advanced.
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string { return fmt.Sprintf("upstream fetch failed: %v", e.Err) }

func (e *FetchError) Unwrap() error { return e.Err }

// ValidationError indicates the destination rejected a single record for
// content reasons. Recorded per record; never aborts the run.
type ValidationError struct {
	RecordID string
	Details  []FieldError
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("record %s rejected by destination (%d validation errors)", e.RecordID, len(e.Details))
}

// DuplicateError indicates the destination already holds this record from a
// prior run. Benign and expected under at-least-once delivery.
type DuplicateError struct {
	RecordID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("record %s already exists downstream", e.RecordID)
}

// TransportError indicates a network failure or 5xx on a single submission
// after the local retry was exhausted. Recorded per record.
type TransportError struct {
	RecordID string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("record %s submission transport failure: %v", e.RecordID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// WatermarkIOError indicates a watermark store read or write failure. A read
// failure falls back to the default; a write failure risks reprocessing on the
// next run and is surfaced as a high-severity warning. Never fatal.
type WatermarkIOError struct {
	Op  string // "get" or "set"
	Err error
}

func (e *WatermarkIOError) Error() string {
	return fmt.Sprintf("watermark %s failed: %v", e.Op, e.Err)
}

func (e *WatermarkIOError) Unwrap() error { return e.Err }
