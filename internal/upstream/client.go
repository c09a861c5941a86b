// Package upstream implements the client for the case-management source
// system: session-token authentication and incremental retrieval of incident
// reports modified since a given timestamp.
package upstream

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/mdelaney/sirbridge/internal/config"
	"github.com/mdelaney/sirbridge/internal/domain"
	"github.com/mdelaney/sirbridge/internal/logger"
)

// Client talks to the upstream case-management REST API.
type Client struct {
	http    *resty.Client
	cfg     config.UpstreamConfig
	session string
	logger  *logger.Logger
}

// loginRequest field casing matches the upstream API contract.
type loginRequest struct {
	InstanceName string `json:"InstanceName"`
	Username     string `json:"Username"`
	UserDomain   string `json:"UserDomain"`
	Password     string `json:"Password"`
}

type loginResponse struct {
	IsSuccessful    bool `json:"IsSuccessful"`
	RequestedObject struct {
		SessionToken string `json:"SessionToken"`
	} `json:"RequestedObject"`
}

// NewClient creates an upstream client.
// Parameters:
//   - cfg: upstream connection settings.
//   - log: structured logger.
//
// Returns:
//   - *Client: unauthenticated client; call Login before FetchSince.
func NewClient(cfg config.UpstreamConfig, log *logger.Logger) *Client {
	http := resty.New()
	http.SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/"))
	http.SetHeader("Accept", "application/json")
	http.SetHeader("Content-Type", "application/json")
	http.SetTimeout(cfg.Timeout())
	if !cfg.VerifySSL {
		http.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}

	return &Client{
		http:   http,
		cfg:    cfg,
		logger: log.WithField(logger.FieldComponent, "upstream"),
	}
}

// Login exchanges credentials for a session token. The caller may retry once;
// a second failure aborts the run.
func (c *Client) Login(ctx context.Context) error {
	var out loginResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(loginRequest{
			InstanceName: c.cfg.Instance,
			Username:     c.cfg.Username,
			UserDomain:   c.cfg.UserDomain,
			Password:     c.cfg.Password,
		}).
		SetResult(&out).
		Post("/api/core/security/login")
	if err != nil {
		return &domain.AuthenticationError{System: "upstream", Err: err}
	}
	if resp.IsError() {
		return &domain.AuthenticationError{
			System: "upstream",
			Err:    fmt.Errorf("login returned %s", resp.Status()),
		}
	}
	if !out.IsSuccessful || out.RequestedObject.SessionToken == "" {
		return &domain.AuthenticationError{
			System: "upstream",
			Err:    fmt.Errorf("login rejected for instance %q", c.cfg.Instance),
		}
	}

	c.session = out.RequestedObject.SessionToken
	c.http.SetHeader("Authorization", fmt.Sprintf("Archer session-id=%s", c.session))
	c.logger.Info("Upstream session established")
	return nil
}

// FetchSince retrieves records whose processing timestamp is after since.
// The server-side filter may be coarser than the eligibility rules; the date
// filter re-validates every record client-side. An empty result is a normal
// outcome, not an error.
func (c *Client) FetchSince(ctx context.Context, since time.Time) ([]domain.RawRecord, error) {
	if c.session == "" {
		return nil, &domain.FetchError{Err: fmt.Errorf("not authenticated")}
	}

	var rows []map[string]interface{}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("modifiedSince", since.Format(time.RFC3339)).
		SetResult(&rows).
		Get("/" + strings.TrimPrefix(c.cfg.RecordsPath, "/"))
	if err != nil {
		return nil, &domain.FetchError{Err: err}
	}
	if resp.IsError() {
		return nil, &domain.FetchError{Err: fmt.Errorf("fetch returned %s", resp.Status())}
	}

	records := make([]domain.RawRecord, 0, len(rows))
	skipped := 0
	for _, row := range rows {
		id, ok := stringField(row, c.cfg.IDField)
		if !ok {
			skipped++
			continue
		}
		records = append(records, domain.RawRecord{ID: id, Fields: row})
	}

	if skipped > 0 {
		c.logger.WithField(logger.FieldCount, skipped).
			Warnf("Skipped records missing identifier field %q", c.cfg.IDField)
	}
	c.logger.WithFields(logger.Fields{
		logger.FieldCount: len(records),
		"since":           since.Format(time.RFC3339),
	}).Info("Fetched upstream records")

	return records, nil
}

func stringField(row map[string]interface{}, name string) (string, bool) {
	v, ok := row[name]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, t != ""
	case float64:
		// JSON numbers arrive as float64; identifiers are integral.
		return fmt.Sprintf("%.0f", t), true
	}
	return "", false
}
