// Package transform applies the eligibility rules and field mapping that turn
// upstream incident reports into destination intake records.
package transform

import (
	"time"

	"github.com/mdelaney/sirbridge/internal/config"
	"github.com/mdelaney/sirbridge/internal/domain"
	"github.com/mdelaney/sirbridge/internal/logger"
)

// Verdict is one predicate's decision for one record.
type Verdict int

const (
	// VerdictPass lets the record continue to the next stage.
	VerdictPass Verdict = iota
	// VerdictDrop excludes the record as ineligible.
	VerdictDrop
	// VerdictUnparseable excludes the record because its effective date
	// could not be parsed. Tallied separately from ordinary drops.
	VerdictUnparseable
)

// RecordContext is the shared state predicates evaluate against.
type RecordContext struct {
	Record    domain.RawRecord
	Watermark time.Time
}

// Predicate is one independently toggleable filter stage.
type Predicate struct {
	Name  string
	Check func(*RecordContext) Verdict
}

// FilterResult tallies one pipeline pass over a fetch batch.
type FilterResult struct {
	Eligible       []domain.RawRecord
	Dropped        int
	ParseFailures  int
	DroppedByStage map[string]int
}

// Pipeline is the ordered list of enabled predicates. Status and category run
// before the date stage: they are cheap, and date parsing is the most
// failure-prone stage.
type Pipeline struct {
	predicates []Predicate
	logger     *logger.Logger
}

// NewPipeline builds the filter pipeline from configuration. Disabled stages
// are omitted entirely.
// Parameters:
//   - cfg: filter toggles and field names.
//   - loc: reference location for naive timestamps.
//   - log: structured logger.
//
// Returns:
//   - *Pipeline: pipeline ready to apply to fetch batches.
func NewPipeline(cfg config.FilterConfig, loc *time.Location, log *logger.Logger) *Pipeline {
	var preds []Predicate

	if cfg.FilterStatus {
		preds = append(preds, Predicate{
			Name:  "status",
			Check: statusCheck(cfg.StatusField, cfg.ActionableStatus),
		})
	}
	if cfg.FilterCategory {
		preds = append(preds, Predicate{
			Name:  "category",
			Check: categoryCheck(cfg.CategoryField, cfg.ExcludedCategories),
		})
	}
	if cfg.FilterDate {
		preds = append(preds, Predicate{
			Name:  "date",
			Check: dateCheck(cfg.PrimaryDateField, cfg.SecondaryDateField, loc),
		})
	}

	return &Pipeline{
		predicates: preds,
		logger:     log.WithField(logger.FieldComponent, "filter"),
	}
}

// Apply runs every record through the enabled stages in order. A record must
// pass all of them to remain eligible.
func (p *Pipeline) Apply(records []domain.RawRecord, watermark time.Time) FilterResult {
	result := FilterResult{
		DroppedByStage: make(map[string]int),
	}

	for _, rec := range records {
		rc := &RecordContext{Record: rec, Watermark: watermark}
		verdict := VerdictPass
		stage := ""
		for _, pred := range p.predicates {
			if v := pred.Check(rc); v != VerdictPass {
				verdict = v
				stage = pred.Name
				break
			}
		}

		switch verdict {
		case VerdictPass:
			result.Eligible = append(result.Eligible, rec)
		case VerdictUnparseable:
			result.ParseFailures++
			p.logger.WithField(logger.FieldRecordID, rec.ID).
				Warn("Record excluded: effective date unparseable")
		default:
			result.Dropped++
			result.DroppedByStage[stage]++
		}
	}

	p.logger.WithFields(logger.Fields{
		"eligible":       len(result.Eligible),
		"dropped":        result.Dropped,
		"parse_failures": result.ParseFailures,
	}).Info("Filter pipeline applied")

	return result
}

// statusCheck passes records whose status equals the actionable value.
// List-valued status fields pass when any element matches.
func statusCheck(field, actionable string) func(*RecordContext) Verdict {
	return func(rc *RecordContext) Verdict {
		for _, v := range rc.Record.Strings(field) {
			if v == actionable {
				return VerdictPass
			}
		}
		return VerdictDrop
	}
}

// categoryCheck drops records whose category is in the exclusion set.
// Records without a category pass; they are not excluded by name.
func categoryCheck(field string, excluded []string) func(*RecordContext) Verdict {
	set := make(map[string]struct{}, len(excluded))
	for _, c := range excluded {
		set[c] = struct{}{}
	}
	return func(rc *RecordContext) Verdict {
		for _, v := range rc.Record.Strings(field) {
			if _, bad := set[v]; bad {
				return VerdictDrop
			}
		}
		return VerdictPass
	}
}

// dateCheck passes records whose effective timestamp is strictly after the
// watermark. The primary field wins when parseable; the secondary field is a
// compatibility fallback for older records that predate the primary field.
func dateCheck(primary, secondary string, loc *time.Location) func(*RecordContext) Verdict {
	return func(rc *RecordContext) Verdict {
		effective, ok := effectiveTimestamp(rc.Record, primary, secondary, loc)
		if !ok {
			return VerdictUnparseable
		}
		if effective.After(rc.Watermark) {
			return VerdictPass
		}
		return VerdictDrop
	}
}

func effectiveTimestamp(rec domain.RawRecord, primary, secondary string, loc *time.Location) (time.Time, bool) {
	if raw, ok := rec.String(primary); ok {
		if t, err := ParseTimestamp(raw, loc); err == nil {
			return t, true
		}
	}
	if raw, ok := rec.String(secondary); ok {
		if t, err := ParseTimestamp(raw, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
