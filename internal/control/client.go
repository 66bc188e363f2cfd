package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/eliteGoblin/focusd/web_mon/internal/domain"
)

// StatusError is a non-2xx reply from a control endpoint.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("control: %d %s", e.Code, e.Message)
}

// Unwrap lets callers test for domain.ErrUnauthorized and domain.ErrNotFound.
func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusForbidden, http.StatusUnauthorized:
		return domain.ErrUnauthorized
	case http.StatusNotFound:
		return domain.ErrNotFound
	}
	return nil
}

// Client talks to the control API or the guardian channel.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for addr (host:port or a full URL).
func NewClient(addr string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		base: strings.TrimSuffix(addr, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// Status returns the proxy status.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &out)
	return out, err
}

// StartProxy starts the proxy listeners.
func (c *Client) StartProxy(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/proxy/start", nil, nil)
}

// StopProxy stops the proxy listeners.
func (c *Client) StopProxy(ctx context.Context, credential string) error {
	return c.do(ctx, http.MethodPost, "/api/proxy/stop", CredentialRequest{Credential: credential}, nil)
}

// Security returns the current security status.
func (c *Client) Security(ctx context.Context) (SecurityResponse, error) {
	var out SecurityResponse
	err := c.do(ctx, http.MethodGet, "/api/security", nil, &out)
	return out, err
}

// Scan runs an on-demand security scan.
func (c *Client) Scan(ctx context.Context) (SecurityResponse, error) {
	var out SecurityResponse
	err := c.do(ctx, http.MethodPost, "/api/security/scan", nil, &out)
	return out, err
}

// RecordWatchdogEvent forwards a supervision event to the security monitor.
func (c *Client) RecordWatchdogEvent(ctx context.Context, event domain.SecurityEvent) error {
	return c.do(ctx, http.MethodPost, "/api/security/events", event, nil)
}

// CertificateInstalled reports whether the root CA is trusted.
func (c *Client) CertificateInstalled(ctx context.Context) (bool, error) {
	var out CertificateResponse
	err := c.do(ctx, http.MethodGet, "/api/certificate", nil, &out)
	return out.Installed, err
}

// InstallCertificate asks the daemon to install the root CA.
func (c *Client) InstallCertificate(ctx context.Context) (bool, error) {
	var out CertificateResponse
	err := c.do(ctx, http.MethodPost, "/api/certificate/install", nil, &out)
	return out.Installed, err
}

// Rules lists all rules.
func (c *Client) Rules(ctx context.Context) ([]domain.BlockRule, error) {
	var out RulesResponse
	err := c.do(ctx, http.MethodGet, "/api/rules", nil, &out)
	return out.Rules, err
}

// AddRule adds a rule and returns it as stored.
func (c *Client) AddRule(ctx context.Context, req RuleRequest) (domain.BlockRule, error) {
	var out domain.BlockRule
	err := c.do(ctx, http.MethodPost, "/api/rules", req, &out)
	return out, err
}

// RemoveRule deletes a rule by ID. Removal needs the stop credential.
func (c *Client) RemoveRule(ctx context.Context, id, credential string) error {
	return c.do(ctx, http.MethodDelete, "/api/rules/"+url.PathEscape(id), CredentialRequest{Credential: credential}, nil)
}

// ReloadRules forces a rule snapshot rebuild.
func (c *Client) ReloadRules(ctx context.Context) (int, error) {
	var out ReloadResponse
	err := c.do(ctx, http.MethodPost, "/api/rules/reload", nil, &out)
	return out.Enabled, err
}

// Shutdown asks the enforcement daemon to exit.
func (c *Client) Shutdown(ctx context.Context, credential string) error {
	return c.do(ctx, http.MethodPost, "/api/shutdown", CredentialRequest{Credential: credential}, nil)
}

// GuardianStatus returns the guardian's watchdog record.
func (c *Client) GuardianStatus(ctx context.Context) (domain.WatchdogRecord, error) {
	var out domain.WatchdogRecord
	err := c.do(ctx, http.MethodGet, "/status", nil, &out)
	return out, err
}

// GuardianShutdown asks the guardian to stop supervision and the enforcer.
func (c *Client) GuardianShutdown(ctx context.Context, credential string) error {
	return c.do(ctx, http.MethodPost, "/shutdown", CredentialRequest{Credential: credential}, nil)
}

// Healthy reports whether the endpoint answers /healthz.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
