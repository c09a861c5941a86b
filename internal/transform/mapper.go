package transform

import (
	"fmt"
	"strings"
	"time"

	"github.com/mdelaney/sirbridge/internal/config"
	"github.com/mdelaney/sirbridge/internal/domain"
	"github.com/mdelaney/sirbridge/internal/logger"
)

// destTimeFormat is the destination API's timestamp format (UTC, millisecond
// precision).
const destTimeFormat = "2006-01-02T15:04:05.000Z"

// Mapper builds destination records from eligible raw records. The field
// mapping table, category mappings, and default values are loaded once at
// construction; Transform is a per-record function with no shared state.
type Mapper struct {
	cfg        config.MappingConfig
	loc        *time.Location
	categories map[string]config.CategoryMap
	logger     *logger.Logger
}

// NewMapper creates a Mapper.
// Parameters:
//   - cfg: ordered field mapping, category mappings, defaults, and
//     derivation rules.
//   - loc: reference location for naive source timestamps.
//   - log: structured logger.
//
// Returns:
//   - *Mapper: mapper ready to transform records.
func NewMapper(cfg config.MappingConfig, loc *time.Location, log *logger.Logger) *Mapper {
	categories := make(map[string]config.CategoryMap, len(cfg.Categories))
	for _, cm := range cfg.Categories {
		categories[taxonomyKey(cm.SourceType, cm.SourceCategory, cm.SourceSubcategory)] = cm
	}
	return &Mapper{
		cfg:        cfg,
		loc:        loc,
		categories: categories,
		logger:     log.WithField(logger.FieldComponent, "mapper"),
	}
}

func taxonomyKey(typ, category, subcategory string) string {
	return typ + "\x00" + category + "\x00" + subcategory
}

// Transform converts one raw record into the destination schema:
// copy/rename per the mapping table, translate the taxonomy triple into the
// destination type/subtype/sharing values, derive the title and combined
// details, strip HTML from the designated fields, reformat timestamps, inject
// default values for fields the source never supplies, and derive the
// tracking ID. Every required destination field is non-null afterwards.
func (m *Mapper) Transform(rec domain.RawRecord) domain.TransformedRecord {
	fields := make(map[string]interface{}, len(m.cfg.Fields)+len(m.cfg.Defaults)+4)

	for _, fm := range m.cfg.Fields {
		if v, ok := fieldValue(rec, fm.Source); ok {
			fields[fm.Target] = v
		}
	}

	if len(m.categories) > 0 {
		typ, _ := rec.String(m.cfg.TaxonomyTypeField)
		category, _ := rec.String(m.cfg.TaxonomyCategoryField)
		subcategory, _ := rec.String(m.cfg.TaxonomySubcategoryField)
		if cm, ok := m.categories[taxonomyKey(typ, category, subcategory)]; ok {
			fields[m.cfg.TypeTarget] = cm.Type
			fields[m.cfg.SubtypeTarget] = cm.Subtype
			fields[m.cfg.SharingTarget] = cm.Sharing
		} else {
			m.logger.WithFields(logger.Fields{
				logger.FieldRecordID: rec.ID,
				"type":               typ,
				"category":           category,
				"subcategory":        subcategory,
			}).Warn("No category mapping for upstream taxonomy")
		}
	}

	if m.cfg.TitleTarget != "" {
		tag, okTag := rec.String(m.cfg.TitleTagField)
		text, okText := rec.String(m.cfg.TitleTextField)
		if okTag || okText {
			fields[m.cfg.TitleTarget] = fmt.Sprintf("[%s]: %s", tag, text)
		}
	}

	if m.cfg.DetailsTarget != "" && len(m.cfg.DetailFields) > 0 {
		parts := make([]string, 0, len(m.cfg.DetailFields))
		for _, f := range m.cfg.DetailFields {
			if v, ok := rec.String(f); ok {
				parts = append(parts, v)
			}
		}
		if len(parts) > 0 {
			fields[m.cfg.DetailsTarget] = strings.Join(parts, "\n")
		}
	}

	for _, f := range m.cfg.StripFields {
		if s, ok := fields[f].(string); ok {
			fields[f] = StripTags(s)
		}
	}

	for _, f := range m.cfg.DatetimeFields {
		s, ok := fields[f].(string)
		if !ok {
			continue
		}
		// Leave the raw value in place when it does not parse; the
		// destination reports it as a validation error with context.
		if t, err := ParseTimestamp(s, m.loc); err == nil {
			fields[f] = t.UTC().Format(destTimeFormat)
		}
	}

	for k, v := range m.cfg.Defaults {
		if _, present := fields[k]; !present {
			fields[k] = v
		}
	}

	trackingID := m.cfg.TrackingPrefix + rec.ID
	fields[m.cfg.TrackingField] = trackingID

	return domain.TransformedRecord{
		SourceID:   rec.ID,
		TrackingID: trackingID,
		Fields:     fields,
	}
}

// fieldValue resolves a source field for mapping. Scalar string values are
// preferred; list values collapse to their first element, matching how
// upstream represents single-select fields.
func fieldValue(rec domain.RawRecord, name string) (interface{}, bool) {
	if s, ok := rec.String(name); ok {
		return s, true
	}
	v, ok := rec.Fields[name]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}
