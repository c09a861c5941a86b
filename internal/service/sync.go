// Package service contains the run orchestrator: read watermark, fetch,
// filter and transform, submit, advance watermark, summarize.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/mdelaney/sirbridge/internal/domain"
	"github.com/mdelaney/sirbridge/internal/logger"
	"github.com/mdelaney/sirbridge/internal/transform"
	"github.com/mdelaney/sirbridge/internal/watermark"
)

// Fetcher retrieves incident reports from the upstream system.
type Fetcher interface {
	Login(ctx context.Context) error
	FetchSince(ctx context.Context, since time.Time) ([]domain.RawRecord, error)
}

// Submitter delivers transformed records to the destination API.
type Submitter interface {
	Authenticate(ctx context.Context) error
	Submit(ctx context.Context, rec domain.TransformedRecord) (domain.SubmissionResult, error)
	Preview(rec domain.TransformedRecord)
}

// Ledger records run summaries locally. Optional.
type Ledger interface {
	Record(ctx context.Context, summary *domain.RunSummary) error
}

// Archiver uploads the run audit trail. Optional.
type Archiver interface {
	ArchiveRun(ctx context.Context, summary *domain.RunSummary, results []domain.SubmissionResult) error
}

// SyncService sequences one synchronization run. Single-threaded by design:
// no concurrent submission and no overlapping runs; the scheduling trigger
// guarantees one invocation at a time.
type SyncService struct {
	store     watermark.Store
	fetcher   Fetcher
	submitter Submitter
	pipeline  *transform.Pipeline
	mapper    *transform.Mapper
	loc       *time.Location
	logger    *logger.Logger

	ledger   Ledger
	archiver Archiver

	// now is replaceable in tests.
	now func() time.Time
}

// NewSyncService creates the orchestrator.
// Parameters:
//   - store: watermark store.
//   - fetcher: upstream client.
//   - submitter: downstream client.
//   - pipeline: eligibility filter pipeline.
//   - mapper: field transformation.
//   - loc: reference timezone for run-start timestamps.
//   - log: structured logger.
//
// Returns:
//   - *SyncService: orchestrator ready to run.
func NewSyncService(
	store watermark.Store,
	fetcher Fetcher,
	submitter Submitter,
	pipeline *transform.Pipeline,
	mapper *transform.Mapper,
	loc *time.Location,
	log *logger.Logger,
) *SyncService {
	return &SyncService{
		store:     store,
		fetcher:   fetcher,
		submitter: submitter,
		pipeline:  pipeline,
		mapper:    mapper,
		loc:       loc,
		logger:    log.WithField(logger.FieldComponent, "orchestrator"),
		now:       time.Now,
	}
}

// WithLedger attaches the optional run-history ledger.
func (s *SyncService) WithLedger(l Ledger) *SyncService {
	s.ledger = l
	return s
}

// WithArchiver attaches the optional run-audit archive.
func (s *SyncService) WithArchiver(a Archiver) *SyncService {
	s.archiver = a
	return s
}

// RunOptions is the invocation payload.
type RunOptions struct {
	// DryRun executes the full pipeline but skips submission and the
	// watermark write.
	DryRun bool

	// Time overrides the run-start timestamp for deterministic replays.
	// Zero means "now".
	Time time.Time
}

// Run executes one synchronization run and returns the summary. The returned
// error is non-nil only for fatal outcomes (authentication or fetch failure);
// the summary is always populated either way.
func (s *SyncService) Run(ctx context.Context, opts RunOptions) (*domain.RunSummary, error) {
	runID := uuid.NewString()
	ctx = logger.SetRunID(ctx, runID)
	log := s.logger.WithField(logger.FieldRunID, runID)

	runStart := opts.Time
	if runStart.IsZero() {
		runStart = s.now()
	}
	runStart = runStart.In(s.loc)

	summary := &domain.RunSummary{
		RunID:     runID,
		DryRun:    opts.DryRun,
		StartedAt: runStart,
	}
	started := s.now()
	defer func() {
		summary.DurationMs = s.now().Sub(started).Milliseconds()
	}()

	// Step 1-2: resolve run start and read the watermark. A store read
	// failure never fails the run; the default (current time in the
	// reference zone) is used and a warning is surfaced.
	mark, found, err := s.store.Get(ctx)
	if err != nil {
		var wmErr *domain.WatermarkIOError
		if errors.As(err, &wmErr) {
			log.WithError(err).Warn("Watermark read failed, using default")
			summary.Warn("watermark read failed; defaulted to run-start time")
		}
		mark = runStart
	} else if !found {
		log.Info("No watermark found, treating as first run")
		mark = runStart
	}
	summary.WatermarkBefore = mark
	summary.WatermarkAfter = mark

	// Step 3: authenticate upstream (one retry) and fetch.
	if err := s.loginWithRetry(ctx, log); err != nil {
		return s.fail(ctx, summary, nil, log, err)
	}

	records, err := s.fetcher.FetchSince(ctx, mark)
	if err != nil {
		return s.fail(ctx, summary, nil, log, err)
	}
	summary.Fetched = len(records)

	// Step 4: filter and transform.
	filtered := s.pipeline.Apply(records, mark)
	summary.Eligible = len(filtered.Eligible)
	summary.ParseFailures = filtered.ParseFailures

	transformed := make([]domain.TransformedRecord, 0, len(filtered.Eligible))
	for _, rec := range filtered.Eligible {
		transformed = append(transformed, s.mapper.Transform(rec))
	}
	summary.Transformed = len(transformed)

	// Step 5: submit. An empty set short-circuits; the watermark still
	// advances so the same window is not re-scanned every run.
	results := make([]domain.SubmissionResult, 0, len(transformed))
	var abortErr error
	switch {
	case len(transformed) == 0:
		log.Info("No eligible records; nothing to submit")
	case opts.DryRun:
		for _, rec := range transformed {
			s.submitter.Preview(rec)
		}
		log.WithField(logger.FieldCount, len(transformed)).
			Info("Dry run: submission skipped")
	default:
		if err := s.submitter.Authenticate(ctx); err != nil {
			abortErr = err
		} else {
			for _, rec := range transformed {
				res, err := s.submitter.Submit(ctx, rec)
				if err != nil {
					// Re-authentication failed mid-run: stop
					// submitting but keep collected results.
					abortErr = err
					break
				}
				results = append(results, res)
				s.tally(summary, res)
			}
		}
	}

	// Step 6: advance the watermark to the run-start time, unless the run
	// hit a fatal error or this is a dry run. The cursor never moves
	// backwards: a replayed run with an older start time keeps the stored
	// value instead of re-opening an already-processed window.
	if abortErr != nil {
		return s.fail(ctx, summary, results, log, abortErr)
	}
	if !opts.DryRun {
		target := runStart
		if target.Before(mark) {
			log.WithFields(logger.Fields{
				"stored":    mark.Format(watermark.Format),
				"run_start": runStart.Format(watermark.Format),
			}).Warn("Run start precedes stored watermark; cursor not rewound")
			summary.Warn("run start precedes stored watermark; cursor not rewound")
			target = mark
		}
		if err := s.store.Set(ctx, target); err != nil {
			// Records were already submitted; the next run may
			// reprocess this window, which the destination's
			// duplicate detection absorbs.
			log.WithError(err).Error("Watermark write failed; next run may reprocess this window")
			summary.Warn("watermark write failed; at-least-once reprocessing possible")
		} else {
			summary.WatermarkAfter = target
		}
	}

	// Step 7: summary, ledger, archive.
	summary.Status = domain.RunStatusSuccess
	if summary.ValidationErrs+summary.TransportErrs+summary.ParseFailures > 0 {
		summary.Status = domain.RunStatusPartial
	}
	s.finish(ctx, summary, results, log)
	return summary, nil
}

func (s *SyncService) loginWithRetry(ctx context.Context, log *logger.Logger) error {
	err := s.fetcher.Login(ctx)
	if err == nil {
		return nil
	}
	log.WithError(err).Warn("Upstream login failed, retrying once")
	return s.fetcher.Login(ctx)
}

func (s *SyncService) tally(summary *domain.RunSummary, res domain.SubmissionResult) {
	switch res.Outcome {
	case domain.OutcomeAccepted:
		summary.Accepted++
	case domain.OutcomeDuplicate:
		summary.Duplicates++
	case domain.OutcomeValidationErr:
		summary.ValidationErrs++
	case domain.OutcomeTransportErr:
		summary.TransportErrs++
	}
}

// fail marks the run failed. Results collected before the failure are kept so
// the audit trail still records what was delivered.
func (s *SyncService) fail(ctx context.Context, summary *domain.RunSummary, results []domain.SubmissionResult, log *logger.Logger, err error) (*domain.RunSummary, error) {
	summary.Status = domain.RunStatusFailed
	summary.Error = err.Error()
	log.WithError(err).Error("Run failed; watermark not advanced")
	s.finish(ctx, summary, results, log)
	return summary, err
}

// finish writes the optional sinks and logs the final summary. Sink failures
// are warnings; they never change the run outcome.
func (s *SyncService) finish(ctx context.Context, summary *domain.RunSummary, results []domain.SubmissionResult, log *logger.Logger) {
	if !summary.DryRun {
		if s.ledger != nil {
			if err := s.ledger.Record(ctx, summary); err != nil {
				log.WithError(err).Warn("Failed to record run in ledger")
			}
		}
		if s.archiver != nil {
			if err := s.archiver.ArchiveRun(ctx, summary, results); err != nil {
				log.WithError(err).Warn("Failed to archive run")
			}
		}
	}

	log.WithFields(logger.Fields{
		logger.FieldStatus: string(summary.Status),
		"fetched":          summary.Fetched,
		"eligible":         summary.Eligible,
		"accepted":         summary.Accepted,
		"duplicates":       summary.Duplicates,
		"validation_errs":  summary.ValidationErrs,
		"transport_errs":   summary.TransportErrs,
		"parse_failures":   summary.ParseFailures,
	}).Info("Run complete")
}
