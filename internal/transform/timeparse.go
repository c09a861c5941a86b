package transform

import (
	"fmt"
	"strings"
	"time"
)

// zonedLayouts carry their own offset; naiveLayouts are interpreted in the
// reference location. Upstream emits all of these depending on field type and
// record age.
var zonedLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses one upstream timestamp string, tolerating date-only
// values, missing fractional seconds, and missing timezone offsets. Naive
// values are interpreted in loc.
// Parameters:
//   - raw: timestamp string as received from upstream.
//   - loc: reference location for values without an offset.
//
// Returns:
//   - time.Time: parsed timestamp.
//   - error: non-nil when no known layout matches.
func ParseTimestamp(raw string, loc *time.Location) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}

	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}
