// Package archive uploads a per-run audit trail to S3: the run summary plus
// each submission result, keyed by run ID so an operator can reconstruct
// exactly what a scheduled run sent and what came back.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/mdelaney/sirbridge/internal/config"
	"github.com/mdelaney/sirbridge/internal/domain"
)

type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archive writes run audit objects to a bucket.
type S3Archive struct {
	client s3API
	bucket string
	prefix string
}

// NewS3Archive creates an archive writer bound to the configured bucket.
// Parameters:
//   - awsCfg: resolved AWS configuration.
//   - cfg: archive configuration with bucket and key prefix.
//
// Returns:
//   - *S3Archive: archive writer.
func NewS3Archive(awsCfg aws.Config, cfg *config.ArchiveConfig) *S3Archive {
	return &S3Archive{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}
}

// ArchiveRun uploads the summary and submission results for one run.
// Objects land under <prefix>/runs/<run-id>/.
// Parameters:
//   - ctx: request context.
//   - summary: run summary to archive.
//   - results: per-record submission results, may be empty.
//
// Returns:
//   - error: non-nil if any upload fails.
func (a *S3Archive) ArchiveRun(ctx context.Context, summary *domain.RunSummary, results []domain.SubmissionResult) error {
	if err := a.putJSON(ctx, a.key(summary.RunID, "summary.json"), summary); err != nil {
		return err
	}
	if len(results) > 0 {
		if err := a.putJSON(ctx, a.key(summary.RunID, "results.json"), results); err != nil {
			return err
		}
	}
	return nil
}

func (a *S3Archive) key(runID, name string) string {
	if a.prefix == "" {
		return fmt.Sprintf("runs/%s/%s", runID, name)
	}
	return fmt.Sprintf("%s/runs/%s/%s", a.prefix, runID, name)
}

func (a *S3Archive) putJSON(ctx context.Context, key string, v interface{}) error {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}
