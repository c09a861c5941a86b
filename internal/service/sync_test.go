package service

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/mdelaney/sirbridge/internal/config"
	"github.com/mdelaney/sirbridge/internal/domain"
	"github.com/mdelaney/sirbridge/internal/logger"
	"github.com/mdelaney/sirbridge/internal/transform"
)

type fakeStore struct {
	value  time.Time
	found  bool
	getErr error

	setValue time.Time
	setCalls int
	setErr   error
}

func (f *fakeStore) Get(_ context.Context) (time.Time, bool, error) {
	return f.value, f.found, f.getErr
}

func (f *fakeStore) Set(_ context.Context, value time.Time) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.setCalls++
	f.setValue = value
	return nil
}

type fakeFetcher struct {
	loginErrs  []error
	loginCalls int
	records    []domain.RawRecord
	fetchErr   error
	fetchSince time.Time
}

func (f *fakeFetcher) Login(_ context.Context) error {
	f.loginCalls++
	if len(f.loginErrs) > 0 {
		err := f.loginErrs[0]
		f.loginErrs = f.loginErrs[1:]
		return err
	}
	return nil
}

func (f *fakeFetcher) FetchSince(_ context.Context, since time.Time) ([]domain.RawRecord, error) {
	f.fetchSince = since
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.records, nil
}

type fakeSubmitter struct {
	authErr   error
	outcomes  map[string]domain.Outcome
	failAfter int // abort with an auth error after this many submissions; 0 disables
	submitted []string
	previews  []string
}

func (f *fakeSubmitter) Authenticate(_ context.Context) error {
	return f.authErr
}

func (f *fakeSubmitter) Submit(_ context.Context, rec domain.TransformedRecord) (domain.SubmissionResult, error) {
	if f.failAfter > 0 && len(f.submitted) >= f.failAfter {
		return domain.SubmissionResult{}, &domain.AuthenticationError{
			System: "downstream",
			Err:    errors.New("token refresh rejected"),
		}
	}
	f.submitted = append(f.submitted, rec.SourceID)
	outcome, ok := f.outcomes[rec.SourceID]
	if !ok {
		outcome = domain.OutcomeAccepted
	}
	return domain.SubmissionResult{
		SourceID:   rec.SourceID,
		TrackingID: rec.TrackingID,
		Outcome:    outcome,
	}, nil
}

func (f *fakeSubmitter) Preview(rec domain.TransformedRecord) {
	f.previews = append(f.previews, rec.SourceID)
}

func testLogger() *logger.Logger {
	return logger.New(&logger.Config{Level: "error", Format: "json", Output: io.Discard})
}

func actionableRecord(id, reported string) domain.RawRecord {
	return domain.RawRecord{
		ID: id,
		Fields: map[string]interface{}{
			"Status":            "Assigned for Further Action",
			"Reported_DateTime": reported,
		},
	}
}

func newTestService(store *fakeStore, fetcher *fakeFetcher, submitter *fakeSubmitter) *SyncService {
	log := testLogger()
	pipeline := transform.NewPipeline(config.FilterConfig{
		FilterStatus:     true,
		StatusField:      "Status",
		ActionableStatus: "Assigned for Further Action",
		FilterDate:       true,
		PrimaryDateField: "Reported_DateTime",
	}, time.UTC, log)
	mapper := transform.NewMapper(config.MappingConfig{
		TrackingField:  "tenantItemID",
		TrackingPrefix: "SIR-",
	}, time.UTC, log)

	return NewSyncService(store, fetcher, submitter, pipeline, mapper, time.UTC, log)
}

func TestRunHappyPath(t *testing.T) {
	watermark := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	runStart := time.Date(2024, 3, 15, 18, 0, 0, 0, time.UTC)

	store := &fakeStore{value: watermark, found: true}
	fetcher := &fakeFetcher{records: []domain.RawRecord{
		actionableRecord("1", "2024-03-15T13:00:00Z"),
		actionableRecord("2", "2024-03-15T14:00:00Z"),
		actionableRecord("3", "2024-03-15T11:00:00Z"), // before watermark
		{ID: "4", Fields: map[string]interface{}{"Status": "Closed"}},
	}}
	submitter := &fakeSubmitter{outcomes: map[string]domain.Outcome{
		"2": domain.OutcomeDuplicate,
	}}

	svc := newTestService(store, fetcher, submitter)
	summary, err := svc.Run(context.Background(), RunOptions{Time: runStart})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if summary.Status != domain.RunStatusSuccess {
		t.Errorf("status = %q, want success (duplicates are benign)", summary.Status)
	}
	if summary.Fetched != 4 {
		t.Errorf("fetched = %d, want 4", summary.Fetched)
	}
	if summary.Eligible != 2 {
		t.Errorf("eligible = %d, want 2", summary.Eligible)
	}
	if summary.Accepted != 1 || summary.Duplicates != 1 {
		t.Errorf("accepted = %d, duplicates = %d, want 1 and 1", summary.Accepted, summary.Duplicates)
	}
	if !fetcher.fetchSince.Equal(watermark) {
		t.Errorf("fetch since = %v, want stored watermark %v", fetcher.fetchSince, watermark)
	}
	if store.setCalls != 1 {
		t.Fatalf("watermark writes = %d, want 1", store.setCalls)
	}
	if !store.setValue.Equal(runStart) {
		t.Errorf("watermark advanced to %v, want run start %v", store.setValue, runStart)
	}
	if !summary.WatermarkAfter.Equal(runStart) {
		t.Errorf("WatermarkAfter = %v, want %v", summary.WatermarkAfter, runStart)
	}
}

func TestRunDryRun(t *testing.T) {
	store := &fakeStore{value: time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC), found: true}
	fetcher := &fakeFetcher{records: []domain.RawRecord{
		actionableRecord("1", "2024-03-15T13:00:00Z"),
	}}
	submitter := &fakeSubmitter{}

	svc := newTestService(store, fetcher, submitter)
	summary, err := svc.Run(context.Background(), RunOptions{
		DryRun: true,
		Time:   time.Date(2024, 3, 15, 18, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if len(submitter.previews) != 1 {
		t.Errorf("previews = %d, want 1", len(submitter.previews))
	}
	if len(submitter.submitted) != 0 {
		t.Errorf("submitted = %d, want 0 in dry run", len(submitter.submitted))
	}
	if store.setCalls != 0 {
		t.Errorf("watermark writes = %d, want 0 in dry run", store.setCalls)
	}
	if summary.Status != domain.RunStatusSuccess {
		t.Errorf("status = %q, want success", summary.Status)
	}
}

func TestRunFetchFailureKeepsWatermark(t *testing.T) {
	store := &fakeStore{value: time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC), found: true}
	fetcher := &fakeFetcher{fetchErr: &domain.FetchError{Err: errors.New("connection reset")}}
	submitter := &fakeSubmitter{}

	svc := newTestService(store, fetcher, submitter)
	summary, err := svc.Run(context.Background(), RunOptions{})
	if err == nil {
		t.Fatal("Run expected error, got nil")
	}

	if summary.Status != domain.RunStatusFailed {
		t.Errorf("status = %q, want failed", summary.Status)
	}
	if store.setCalls != 0 {
		t.Errorf("watermark writes = %d, want 0 after fetch failure", store.setCalls)
	}
}

func TestRunLoginRetriesOnce(t *testing.T) {
	store := &fakeStore{value: time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC), found: true}
	fetcher := &fakeFetcher{
		loginErrs: []error{&domain.AuthenticationError{System: "upstream", Err: errors.New("flaky")}},
	}
	submitter := &fakeSubmitter{}

	svc := newTestService(store, fetcher, submitter)
	summary, err := svc.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run returned error after transient login failure: %v", err)
	}
	if fetcher.loginCalls != 2 {
		t.Errorf("login calls = %d, want 2", fetcher.loginCalls)
	}
	if summary.Status != domain.RunStatusSuccess {
		t.Errorf("status = %q, want success", summary.Status)
	}
}

func TestRunLoginFailsTwice(t *testing.T) {
	authErr := &domain.AuthenticationError{System: "upstream", Err: errors.New("bad credentials")}
	store := &fakeStore{value: time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC), found: true}
	fetcher := &fakeFetcher{loginErrs: []error{authErr, authErr}}
	submitter := &fakeSubmitter{}

	svc := newTestService(store, fetcher, submitter)
	summary, err := svc.Run(context.Background(), RunOptions{})
	if err == nil {
		t.Fatal("Run expected error, got nil")
	}
	if summary.Status != domain.RunStatusFailed {
		t.Errorf("status = %q, want failed", summary.Status)
	}
	if store.setCalls != 0 {
		t.Errorf("watermark writes = %d, want 0", store.setCalls)
	}
}

func TestRunEmptySetStillAdvances(t *testing.T) {
	runStart := time.Date(2024, 3, 15, 18, 0, 0, 0, time.UTC)
	store := &fakeStore{value: time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC), found: true}
	fetcher := &fakeFetcher{} // nothing fetched
	submitter := &fakeSubmitter{}

	svc := newTestService(store, fetcher, submitter)
	summary, err := svc.Run(context.Background(), RunOptions{Time: runStart})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if summary.Status != domain.RunStatusSuccess {
		t.Errorf("status = %q, want success", summary.Status)
	}
	if store.setCalls != 1 || !store.setValue.Equal(runStart) {
		t.Errorf("watermark not advanced on empty run: calls=%d value=%v", store.setCalls, store.setValue)
	}
}

func TestRunWatermarkReadFailureUsesDefault(t *testing.T) {
	runStart := time.Date(2024, 3, 15, 18, 0, 0, 0, time.UTC)
	store := &fakeStore{getErr: &domain.WatermarkIOError{Op: "get", Err: errors.New("throttled")}}
	fetcher := &fakeFetcher{}
	submitter := &fakeSubmitter{}

	svc := newTestService(store, fetcher, submitter)
	summary, err := svc.Run(context.Background(), RunOptions{Time: runStart})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if !fetcher.fetchSince.Equal(runStart) {
		t.Errorf("fetch since = %v, want run start default %v", fetcher.fetchSince, runStart)
	}
	if len(summary.Warnings) == 0 {
		t.Error("expected a warning about the failed watermark read")
	}
	if summary.Status != domain.RunStatusSuccess {
		t.Errorf("status = %q, want success", summary.Status)
	}
}

func TestRunFirstRunDefaultsToRunStart(t *testing.T) {
	runStart := time.Date(2024, 3, 15, 18, 0, 0, 0, time.UTC)
	store := &fakeStore{found: false}
	fetcher := &fakeFetcher{}
	submitter := &fakeSubmitter{}

	svc := newTestService(store, fetcher, submitter)
	if _, err := svc.Run(context.Background(), RunOptions{Time: runStart}); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if !fetcher.fetchSince.Equal(runStart) {
		t.Errorf("fetch since = %v, want run start %v", fetcher.fetchSince, runStart)
	}
}

func TestRunDownstreamAuthFailureAbortsWithoutAdvance(t *testing.T) {
	store := &fakeStore{value: time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC), found: true}
	fetcher := &fakeFetcher{records: []domain.RawRecord{
		actionableRecord("1", "2024-03-15T13:00:00Z"),
	}}
	submitter := &fakeSubmitter{
		authErr: &domain.AuthenticationError{System: "downstream", Err: errors.New("rejected")},
	}

	svc := newTestService(store, fetcher, submitter)
	summary, err := svc.Run(context.Background(), RunOptions{})
	if err == nil {
		t.Fatal("Run expected error, got nil")
	}

	if summary.Status != domain.RunStatusFailed {
		t.Errorf("status = %q, want failed", summary.Status)
	}
	if store.setCalls != 0 {
		t.Errorf("watermark writes = %d, want 0", store.setCalls)
	}
}

func TestRunMidRunAuthFailureKeepsEarlierResults(t *testing.T) {
	store := &fakeStore{value: time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC), found: true}
	fetcher := &fakeFetcher{records: []domain.RawRecord{
		actionableRecord("1", "2024-03-15T13:00:00Z"),
		actionableRecord("2", "2024-03-15T14:00:00Z"),
		actionableRecord("3", "2024-03-15T15:00:00Z"),
	}}
	submitter := &fakeSubmitter{failAfter: 2}

	svc := newTestService(store, fetcher, submitter)
	summary, err := svc.Run(context.Background(), RunOptions{})
	if err == nil {
		t.Fatal("Run expected error, got nil")
	}

	if summary.Accepted != 2 {
		t.Errorf("accepted = %d, want results from before the abort kept", summary.Accepted)
	}
	if summary.Status != domain.RunStatusFailed {
		t.Errorf("status = %q, want failed", summary.Status)
	}
	if store.setCalls != 0 {
		t.Errorf("watermark writes = %d, want 0 after aborted run", store.setCalls)
	}
}

func TestRunPartialOnValidationErrors(t *testing.T) {
	store := &fakeStore{value: time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC), found: true}
	fetcher := &fakeFetcher{records: []domain.RawRecord{
		actionableRecord("1", "2024-03-15T13:00:00Z"),
		actionableRecord("2", "2024-03-15T14:00:00Z"),
	}}
	submitter := &fakeSubmitter{outcomes: map[string]domain.Outcome{
		"2": domain.OutcomeValidationErr,
	}}

	svc := newTestService(store, fetcher, submitter)
	summary, err := svc.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if summary.Status != domain.RunStatusPartial {
		t.Errorf("status = %q, want partial", summary.Status)
	}
	// Per-record failures do not block the watermark.
	if store.setCalls != 1 {
		t.Errorf("watermark writes = %d, want 1", store.setCalls)
	}
}

func TestRunWatermarkWriteFailureWarns(t *testing.T) {
	before := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{
		value:  before,
		found:  true,
		setErr: &domain.WatermarkIOError{Op: "set", Err: errors.New("denied")},
	}
	fetcher := &fakeFetcher{}
	submitter := &fakeSubmitter{}

	svc := newTestService(store, fetcher, submitter)
	summary, err := svc.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if len(summary.Warnings) == 0 {
		t.Error("expected a warning about the failed watermark write")
	}
	if !summary.WatermarkAfter.Equal(before) {
		t.Errorf("WatermarkAfter = %v, want unchanged %v", summary.WatermarkAfter, before)
	}
}

func TestRunTransformedRecordsCarryTrackingID(t *testing.T) {
	store := &fakeStore{value: time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC), found: true}
	fetcher := &fakeFetcher{records: []domain.RawRecord{
		actionableRecord("4487", "2024-03-15T13:00:00Z"),
	}}
	submitter := &fakeSubmitter{}

	svc := newTestService(store, fetcher, submitter)
	if _, err := svc.Run(context.Background(), RunOptions{}); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if len(submitter.submitted) != 1 || submitter.submitted[0] != "4487" {
		t.Fatalf("submitted = %v, want [4487]", submitter.submitted)
	}
}

func TestRunWatermarkNeverRegresses(t *testing.T) {
	stored := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	override := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)

	store := &fakeStore{value: stored, found: true}
	fetcher := &fakeFetcher{}
	submitter := &fakeSubmitter{}

	svc := newTestService(store, fetcher, submitter)
	summary, err := svc.Run(context.Background(), RunOptions{Time: override})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if store.setCalls != 1 {
		t.Fatalf("watermark writes = %d, want 1", store.setCalls)
	}
	if !store.setValue.Equal(stored) {
		t.Errorf("watermark written = %v, want stored %v kept", store.setValue, stored)
	}
	if !summary.WatermarkAfter.Equal(stored) {
		t.Errorf("WatermarkAfter = %v, want %v", summary.WatermarkAfter, stored)
	}
	if len(summary.Warnings) == 0 {
		t.Error("expected a warning about the older run-start time")
	}
}

type fakeArchiver struct {
	summary *domain.RunSummary
	results []domain.SubmissionResult
}

func (f *fakeArchiver) ArchiveRun(_ context.Context, summary *domain.RunSummary, results []domain.SubmissionResult) error {
	f.summary = summary
	f.results = results
	return nil
}

func TestRunAbortStillArchivesCollectedResults(t *testing.T) {
	store := &fakeStore{value: time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC), found: true}
	fetcher := &fakeFetcher{records: []domain.RawRecord{
		actionableRecord("1", "2024-03-15T13:00:00Z"),
		actionableRecord("2", "2024-03-15T14:00:00Z"),
		actionableRecord("3", "2024-03-15T15:00:00Z"),
	}}
	submitter := &fakeSubmitter{failAfter: 2}
	archiver := &fakeArchiver{}

	svc := newTestService(store, fetcher, submitter).WithArchiver(archiver)
	if _, err := svc.Run(context.Background(), RunOptions{}); err == nil {
		t.Fatal("Run expected error, got nil")
	}

	if archiver.summary == nil {
		t.Fatal("archive never received the run summary")
	}
	if len(archiver.results) != 2 {
		t.Fatalf("archived results = %d, want the 2 collected before the abort", len(archiver.results))
	}
	if archiver.results[0].SourceID != "1" || archiver.results[1].SourceID != "2" {
		t.Errorf("archived results = %v, want records 1 and 2", archiver.results)
	}
}
