package watermark

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/mdelaney/sirbridge/internal/domain"
)

// ssmAPI is the subset of the SSM client used by SSMStore.
type ssmAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	PutParameter(ctx context.Context, params *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
}

// SSMStore keeps the cursor in one Systems Manager parameter.
type SSMStore struct {
	client    ssmAPI
	parameter string
}

// NewSSMStore creates a store backed by the given SSM client.
// Parameters:
//   - client: SSM client (or a fake in tests).
//   - parameter: full parameter path, e.g. /sirbridge/last-run-time.
//
// Returns:
//   - *SSMStore: store bound to the parameter.
func NewSSMStore(client ssmAPI, parameter string) *SSMStore {
	return &SSMStore{client: client, parameter: parameter}
}

// NewSSMStoreFromConfig creates a store with a real SSM client.
func NewSSMStoreFromConfig(awsCfg aws.Config, parameter string) *SSMStore {
	return NewSSMStore(ssm.NewFromConfig(awsCfg), parameter)
}

// Get reads the parameter. An absent parameter means first run, not an error.
func (s *SSMStore) Get(ctx context.Context) (time.Time, bool, error) {
	out, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name: aws.String(s.parameter),
	})
	if err != nil {
		var notFound *types.ParameterNotFound
		if errors.As(err, &notFound) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, &domain.WatermarkIOError{Op: "get", Err: err}
	}

	raw := aws.ToString(out.Parameter.Value)
	value, err := time.Parse(Format, raw)
	if err != nil {
		return time.Time{}, false, &domain.WatermarkIOError{
			Op:  "get",
			Err: fmt.Errorf("stored value %q is not a valid timestamp: %w", raw, err),
		}
	}

	return value, true, nil
}

// Set overwrites the parameter unconditionally.
func (s *SSMStore) Set(ctx context.Context, value time.Time) error {
	_, err := s.client.PutParameter(ctx, &ssm.PutParameterInput{
		Name:        aws.String(s.parameter),
		Value:       aws.String(value.Format(Format)),
		Type:        types.ParameterTypeString,
		Overwrite:   aws.Bool(true),
		Description: aws.String("Last successful synchronization run time"),
	})
	if err != nil {
		return &domain.WatermarkIOError{Op: "set", Err: err}
	}
	return nil
}
