// Package repository persists the local run-history ledger, the operator's
// record of what each scheduled run fetched, submitted, and advanced.
package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/mdelaney/sirbridge/internal/domain"
)

// RunRecord is one completed run as stored in the ledger.
type RunRecord struct {
	ID              uint   `gorm:"primaryKey;autoIncrement"`
	RunID           string `gorm:"uniqueIndex;size:36"`
	Status          string `gorm:"index;size:16"`
	DryRun          bool
	WatermarkBefore time.Time
	WatermarkAfter  time.Time
	Fetched         int
	Eligible        int
	Accepted        int
	Duplicates      int
	ValidationErrs  int
	TransportErrs   int
	ParseFailures   int
	Error           string    `gorm:"type:text"`
	StartedAt       time.Time `gorm:"index"`
	DurationMs      int64
	CreatedAt       time.Time
}

// RunRepository handles run-history operations.
type RunRepository struct {
	db *gorm.DB
}

// NewRunRepository creates a new RunRepository.
// Parameters:
//   - db: GORM database handle used for queries.
//
// Returns:
//   - *RunRepository: repository instance bound to db.
func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

// Record inserts the summary of a completed run.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - summary: run summary to persist.
//
// Returns:
//   - error: non-nil if the insert fails.
func (r *RunRepository) Record(ctx context.Context, summary *domain.RunSummary) error {
	rec := &RunRecord{
		RunID:           summary.RunID,
		Status:          string(summary.Status),
		DryRun:          summary.DryRun,
		WatermarkBefore: summary.WatermarkBefore,
		WatermarkAfter:  summary.WatermarkAfter,
		Fetched:         summary.Fetched,
		Eligible:        summary.Eligible,
		Accepted:        summary.Accepted,
		Duplicates:      summary.Duplicates,
		ValidationErrs:  summary.ValidationErrs,
		TransportErrs:   summary.TransportErrs,
		ParseFailures:   summary.ParseFailures,
		Error:           summary.Error,
		StartedAt:       summary.StartedAt,
		DurationMs:      summary.DurationMs,
	}
	return r.db.WithContext(ctx).Create(rec).Error
}

// LastSuccessful retrieves the most recent run that advanced the watermark.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//
// Returns:
//   - *RunRecord: latest successful or partial run, nil if none recorded.
//   - error: non-nil if the query fails.
func (r *RunRepository) LastSuccessful(ctx context.Context) (*RunRecord, error) {
	var rec RunRecord
	err := r.db.WithContext(ctx).
		Where("status IN ?", []string{string(domain.RunStatusSuccess), string(domain.RunStatusPartial)}).
		Order("started_at DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListRecent retrieves the most recent runs, newest first.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - limit: maximum number of records to return.
//
// Returns:
//   - []RunRecord: matching run records.
//   - error: non-nil if the query fails.
func (r *RunRepository) ListRecent(ctx context.Context, limit int) ([]RunRecord, error) {
	var recs []RunRecord
	if err := r.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}
