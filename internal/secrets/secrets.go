// Package secrets overlays credentials from AWS Secrets Manager onto the
// loaded configuration, so secret material stays out of config files and
// environment blocks in deployed environments.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/mdelaney/sirbridge/internal/config"
	"github.com/mdelaney/sirbridge/internal/logger"
)

type secretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Overlay fetches the configured secret and applies its fields on top of cfg.
// The secret value is a JSON object; only recognized keys are applied, and
// empty values never overwrite something already configured. A no-op when no
// secret ID is configured.
//
// Parameters:
//   - ctx: request context.
//   - awsCfg: resolved AWS configuration.
//   - cfg: configuration to mutate in place.
//
// Returns:
//   - error: fetch or decode failure.
func Overlay(ctx context.Context, awsCfg aws.Config, cfg *config.Config) error {
	if cfg.Secrets.SecretID == "" {
		return nil
	}
	return overlay(ctx, secretsmanager.NewFromConfig(awsCfg), cfg)
}

func overlay(ctx context.Context, api secretsAPI, cfg *config.Config) error {
	out, err := api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(cfg.Secrets.SecretID),
	})
	if err != nil {
		return fmt.Errorf("failed to fetch secret %s: %w", cfg.Secrets.SecretID, err)
	}
	if out.SecretString == nil {
		return fmt.Errorf("secret %s has no string payload", cfg.Secrets.SecretID)
	}

	var payload map[string]string
	if err := json.Unmarshal([]byte(*out.SecretString), &payload); err != nil {
		return fmt.Errorf("failed to decode secret %s: %w", cfg.Secrets.SecretID, err)
	}

	apply(&cfg.Upstream.Username, payload["upstream_username"])
	apply(&cfg.Upstream.Password, payload["upstream_password"])
	apply(&cfg.Downstream.ClientID, payload["client_id"])
	apply(&cfg.Downstream.ClientSecret, payload["client_secret"])
	apply(&cfg.Downstream.CertPEM, payload["client_cert_pem"])
	apply(&cfg.Downstream.KeyPEM, payload["client_key_pem"])

	logger.GetDefault().WithField("secret_id", cfg.Secrets.SecretID).
		Debug("Applied secret overlay")
	return nil
}

func apply(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}
