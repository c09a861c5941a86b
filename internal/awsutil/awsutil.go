// Package awsutil builds the shared AWS SDK configuration used by the
// watermark store, the secrets overlay, and the run archive.
package awsutil

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"

	"github.com/mdelaney/sirbridge/internal/config"
)

// LoadConfig resolves an aws.Config from the application configuration.
// Static credentials and a custom endpoint (localstack) are optional; the
// default credential chain applies otherwise.
func LoadConfig(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}

	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	if cfg.EndpointURL != "" {
		opts = append(opts, awsconfig.WithBaseEndpoint(cfg.EndpointURL))
	}

	return awsconfig.LoadDefaultConfig(ctx, opts...)
}
