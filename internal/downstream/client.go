// Package downstream implements the client for the case-intake destination
// API: client-credentials bearer authentication, optional mutual TLS, and
// per-record submission with outcome classification.
package downstream

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/mdelaney/sirbridge/internal/config"
	"github.com/mdelaney/sirbridge/internal/domain"
	"github.com/mdelaney/sirbridge/internal/logger"
)

// Client talks to the destination intake API. State machine:
// unauthenticated until Authenticate succeeds, then submitting until the run
// ends. The bearer token is the only mutable state and the run is
// single-threaded, so no locking is needed.
type Client struct {
	http    *resty.Client
	cfg     config.DownstreamConfig
	logger  *logger.Logger
	backoff time.Duration

	authenticated bool
}

// credentials field casing matters to the remote service; do not rename.
type credentials struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

// NewClient creates a downstream client. Mutual TLS is attached at the
// transport layer when configured, and TLS 1.2 is pinned as the minimum
// version; the strict endpoints reject older handshakes.
// Parameters:
//   - cfg: destination API settings.
//   - log: structured logger.
//
// Returns:
//   - *Client: unauthenticated client.
//   - error: non-nil when the client certificate cannot be loaded.
func NewClient(cfg config.DownstreamConfig, log *logger.Logger) (*Client, error) {
	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !cfg.VerifySSL,
	}

	cert, ok, err := loadClientCertificate(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to configure client certificate: %w", err)
	}
	if ok {
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	http := resty.New()
	http.SetHeader("Accept", "application/json")
	http.SetHeader("Content-Type", "application/json")
	http.SetTimeout(cfg.Timeout())
	http.SetTLSClientConfig(tlsCfg)

	return &Client{
		http:    http,
		cfg:     cfg,
		logger:  log.WithField(logger.FieldComponent, "downstream"),
		backoff: cfg.RetryBackoff(),
	}, nil
}

// loadClientCertificate resolves the mutual TLS certificate from file paths
// or inline PEM content. File paths win when both are configured.
func loadClientCertificate(cfg config.DownstreamConfig) (tls.Certificate, bool, error) {
	switch {
	case cfg.CertFile != "" && cfg.KeyFile != "":
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		return cert, err == nil, err
	case cfg.CertPEM != "" && cfg.KeyPEM != "":
		cert, err := tls.X509KeyPair(
			[]byte(normalizePEM(cfg.CertPEM)),
			[]byte(normalizePEM(cfg.KeyPEM)),
		)
		return cert, err == nil, err
	}
	return tls.Certificate{}, false, nil
}

// normalizePEM repairs PEM content that arrives from a secret store with
// escaped or missing line breaks: literal \n sequences become newlines, and
// single-line bodies are rewrapped at the standard 64 columns.
func normalizePEM(pem string) string {
	pem = strings.ReplaceAll(pem, `\n`, "\n")
	if strings.Contains(pem, "\n") {
		return pem
	}

	beginStart := strings.Index(pem, "-----BEGIN")
	if beginStart < 0 {
		return pem
	}
	beginEnd := strings.Index(pem[beginStart+10:], "-----")
	if beginEnd < 0 {
		return pem
	}
	beginEnd += beginStart + 10 + 5
	endStart := strings.Index(pem, "-----END")
	if endStart < 0 {
		return pem
	}

	header := pem[beginStart:beginEnd]
	footer := pem[endStart:]
	body := pem[beginEnd:endStart]

	lines := []string{header}
	for i := 0; i < len(body); i += 64 {
		end := i + 64
		if end > len(body) {
			end = len(body)
		}
		lines = append(lines, body[i:end])
	}
	lines = append(lines, footer)
	return strings.Join(lines, "\n")
}

// Authenticate obtains a bearer token via the client-credentials exchange.
// Fatal to the run on failure.
func (c *Client) Authenticate(ctx context.Context) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(credentials{
			ClientID:     c.cfg.ClientID,
			ClientSecret: c.cfg.ClientSecret,
		}).
		Post(c.cfg.AuthURL)
	if err != nil {
		return &domain.AuthenticationError{System: "downstream", Err: err}
	}
	if resp.IsError() {
		return &domain.AuthenticationError{
			System: "downstream",
			Err:    fmt.Errorf("token endpoint returned %s", resp.Status()),
		}
	}

	token, err := parseToken(resp.Body())
	if err != nil {
		return &domain.AuthenticationError{System: "downstream", Err: err}
	}

	c.http.SetAuthToken(token)
	c.authenticated = true
	c.logger.Info("Downstream token obtained")
	return nil
}

// parseToken accepts the three token response shapes the service has been
// observed to return: a bare JSON string, {"token": ...}, and
// {"access_token": ...}.
func parseToken(body []byte) (string, error) {
	var bare string
	if err := json.Unmarshal(body, &bare); err == nil && bare != "" {
		return bare, nil
	}

	var wrapped struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil {
		if wrapped.Token != "" {
			return wrapped.Token, nil
		}
		if wrapped.AccessToken != "" {
			return wrapped.AccessToken, nil
		}
	}

	return "", fmt.Errorf("token response has no recognizable token")
}

// Submit posts one record and classifies the outcome. Transport failures and
// 5xx responses get one local retry with backoff; a 401 triggers a single
// re-authentication and retry of the in-flight record. The returned error is
// non-nil only when re-authentication itself fails, which aborts remaining
// submissions.
func (c *Client) Submit(ctx context.Context, rec domain.TransformedRecord) (domain.SubmissionResult, error) {
	result := domain.SubmissionResult{
		SourceID:   rec.SourceID,
		TrackingID: rec.TrackingID,
	}
	if !c.authenticated {
		if err := c.Authenticate(ctx); err != nil {
			return result, err
		}
	}

	log := c.logger.WithFields(logger.Fields{
		logger.FieldRecordID:   rec.SourceID,
		logger.FieldTrackingID: rec.TrackingID,
	})

	retried := false
	reauthed := false
	for {
		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(rec).
			Post(c.cfg.ItemURL)

		switch {
		case err != nil || resp.StatusCode() >= 500:
			reason := ""
			if err != nil {
				reason = err.Error()
			} else {
				reason = fmt.Sprintf("destination returned %s", resp.Status())
			}
			if !retried && ctx.Err() == nil {
				retried = true
				log.WithField("error", reason).Warn("Submission transport failure, retrying once")
				select {
				case <-time.After(c.backoff):
					continue
				case <-ctx.Done():
				}
			}
			result.Outcome = domain.OutcomeTransportErr
			result.Error = reason
			log.WithField("error", reason).Error("Submission failed after retry")
			return result, nil

		case resp.StatusCode() == 401:
			if reauthed {
				result.Outcome = domain.OutcomeTransportErr
				result.Error = "still unauthorized after re-authentication"
				return result, nil
			}
			reauthed = true
			log.Warn("Token rejected mid-run, re-authenticating")
			if err := c.Authenticate(ctx); err != nil {
				return result, err
			}
			continue

		case resp.IsSuccess():
			result.Outcome = domain.OutcomeAccepted
			result.DestinationID = parseDestinationID(resp.Body())
			log.WithField("destination_id", result.DestinationID).Info("Record accepted")
			return result, nil

		default:
			details := parseFieldErrors(resp.Body())
			if c.isDuplicate(details) {
				result.Outcome = domain.OutcomeDuplicate
				log.Info("Record already exists downstream")
				return result, nil
			}
			result.Outcome = domain.OutcomeValidationErr
			result.Details = details
			result.Error = fmt.Sprintf("destination returned %s", resp.Status())
			log.WithFields(logger.Fields{
				logger.FieldCount:  len(details),
				logger.FieldStatus: resp.StatusCode(),
			}).Warn("Record rejected by destination validation")
			return result, nil
		}
	}
}

// isDuplicate matches the duplicate-tracking-ID rejection by substring on
// errorMessage. Brittle against API wording changes; the substring is
// configurable for that reason.
func (c *Client) isDuplicate(details []domain.FieldError) bool {
	if c.cfg.DuplicateMessage == "" {
		return false
	}
	for _, d := range details {
		if strings.Contains(d.ErrorMessage, c.cfg.DuplicateMessage) {
			return true
		}
	}
	return false
}

// parseDestinationID extracts the assigned item identifier from a success
// response, tolerating the id key variants the service emits.
func parseDestinationID(body []byte) string {
	var obj map[string]interface{}
	if err := json.Unmarshal(body, &obj); err != nil {
		return ""
	}
	for _, key := range []string{"itemId", "itemID", "id", "Id"} {
		v, ok := obj[key]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			return t
		case float64:
			return fmt.Sprintf("%.0f", t)
		}
	}
	return ""
}

// parseFieldErrors decodes the validation error array from a 4xx response,
// accepting both the wrapped and the bare-array shapes.
func parseFieldErrors(body []byte) []domain.FieldError {
	var bare []domain.FieldError
	if err := json.Unmarshal(body, &bare); err == nil {
		return bare
	}

	var wrapped struct {
		Errors           []domain.FieldError `json:"errors"`
		ValidationErrors []domain.FieldError `json:"validationErrors"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil {
		if len(wrapped.Errors) > 0 {
			return wrapped.Errors
		}
		return wrapped.ValidationErrors
	}
	return nil
}

// Preview logs what would be submitted without any network side effect.
// Used by dry runs.
func (c *Client) Preview(rec domain.TransformedRecord) {
	c.logger.WithFields(logger.Fields{
		logger.FieldRecordID:   rec.SourceID,
		logger.FieldTrackingID: rec.TrackingID,
	}).Info("Dry run: record would be submitted")
}
