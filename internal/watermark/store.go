// Package watermark persists the last-run-time cursor between invocations.
// The cursor is a single ISO-8601 timestamp with UTC offset; it is read once
// at run start and written once after a clean run.
package watermark

import (
	"context"
	"time"
)

// Format is the wire format of the persisted cursor.
const Format = time.RFC3339

// Store reads and writes the last-run-time cursor.
type Store interface {
	// Get returns the persisted cursor. found is false on a first run
	// (no value stored yet); that is not an error.
	Get(ctx context.Context) (value time.Time, found bool, err error)

	// Set overwrites the cursor unconditionally.
	Set(ctx context.Context, value time.Time) error
}
