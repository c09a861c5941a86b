package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/mdelaney/sirbridge/internal/domain"
)

type fakeS3 struct {
	puts map[string][]byte
	err  error
}

func (f *fakeS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	if f.puts == nil {
		f.puts = make(map[string][]byte)
	}
	f.puts[aws.ToString(params.Key)] = body
	return &s3.PutObjectOutput{}, nil
}

func testSummary() *domain.RunSummary {
	return &domain.RunSummary{
		RunID:     "run-1",
		Status:    domain.RunStatusSuccess,
		Fetched:   3,
		Accepted:  2,
		StartedAt: time.Date(2024, 3, 15, 18, 0, 0, 0, time.UTC),
	}
}

func TestArchiveRun(t *testing.T) {
	fake := &fakeS3{}
	arch := &S3Archive{client: fake, bucket: "audit", prefix: "sirbridge"}

	results := []domain.SubmissionResult{
		{SourceID: "1", TrackingID: "SIR-1", Outcome: domain.OutcomeAccepted},
		{SourceID: "2", TrackingID: "SIR-2", Outcome: domain.OutcomeDuplicate},
	}
	if err := arch.ArchiveRun(context.Background(), testSummary(), results); err != nil {
		t.Fatalf("ArchiveRun returned error: %v", err)
	}

	summaryBody, ok := fake.puts["sirbridge/runs/run-1/summary.json"]
	if !ok {
		t.Fatalf("summary object not uploaded; got keys %v", keys(fake.puts))
	}
	var summary domain.RunSummary
	if err := json.Unmarshal(summaryBody, &summary); err != nil {
		t.Fatalf("summary object is not valid JSON: %v", err)
	}
	if summary.RunID != "run-1" || summary.Accepted != 2 {
		t.Errorf("summary = %+v", summary)
	}

	resultsBody, ok := fake.puts["sirbridge/runs/run-1/results.json"]
	if !ok {
		t.Fatal("results object not uploaded")
	}
	var got []domain.SubmissionResult
	if err := json.Unmarshal(resultsBody, &got); err != nil {
		t.Fatalf("results object is not valid JSON: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("archived %d results, want 2", len(got))
	}
}

func TestArchiveRunNoResults(t *testing.T) {
	fake := &fakeS3{}
	arch := &S3Archive{client: fake, bucket: "audit"}

	if err := arch.ArchiveRun(context.Background(), testSummary(), nil); err != nil {
		t.Fatalf("ArchiveRun returned error: %v", err)
	}
	if _, ok := fake.puts["runs/run-1/summary.json"]; !ok {
		t.Errorf("summary object not uploaded without prefix; got keys %v", keys(fake.puts))
	}
	if _, ok := fake.puts["runs/run-1/results.json"]; ok {
		t.Error("results object uploaded for empty result set")
	}
}

func TestArchiveRunUploadError(t *testing.T) {
	fake := &fakeS3{err: errors.New("no such bucket")}
	arch := &S3Archive{client: fake, bucket: "audit"}

	if err := arch.ArchiveRun(context.Background(), testSummary(), nil); err == nil {
		t.Fatal("ArchiveRun expected error, got nil")
	}
}

func keys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
