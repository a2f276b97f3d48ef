// Package registry is the HTTP client for the cloud device registry: claiming
// a device with a code, requesting a fresh claim code and looking up the
// bootstrap version. Responses are parsed defensively; absent or malformed
// fields are failures, never panics.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"palpable"
)

const (
	defaultTimeout  = 15 * time.Second
	maxResponseBody = 64 * 1024
	maxVersionLen   = 64
)

// Client talks to the registry API.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token for authenticated endpoints.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a client for the registry at baseURL. timeout bounds each
// request.
func New(baseURL string, timeout time.Duration, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse registry url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("registry url %q must be absolute http(s)", baseURL)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		base: u,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type claimRequest struct {
	Code     string `json:"code"`
	DeviceID string `json:"deviceId"`
}

type claimResponse struct {
	Success *bool  `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Claim binds deviceID to the account that issued code. A 409 means the
// device is already claimed, which counts as success.
func (c *Client) Claim(ctx context.Context, code, deviceID string) error {
	status, body, err := c.do(ctx, http.MethodPost, "/api/devices/claim", claimRequest{Code: code, DeviceID: deviceID}, false)
	if err != nil {
		return err
	}

	switch {
	case status == http.StatusConflict:
		return nil
	case status >= 500:
		return fmt.Errorf("%w: claim returned %d", palpable.ErrRegistryServer, status)
	case status >= 400:
		var resp claimResponse
		_ = json.Unmarshal(body, &resp)
		return fmt.Errorf("%w: %s", palpable.ErrClaimRejected, reason(resp, status))
	case status < 200 || status > 299:
		return fmt.Errorf("%w: unexpected status %d", palpable.ErrRegistryServer, status)
	}

	var resp claimResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("%w: malformed claim response: %v", palpable.ErrRegistryServer, err)
	}
	if resp.Success == nil {
		return fmt.Errorf("%w: claim response missing success", palpable.ErrRegistryServer)
	}
	if !*resp.Success {
		return fmt.Errorf("%w: %s", palpable.ErrClaimRejected, reason(resp, status))
	}
	return nil
}

func reason(resp claimResponse, status int) string {
	if resp.Error != "" {
		return resp.Error
	}
	if resp.Message != "" {
		return resp.Message
	}
	return http.StatusText(status)
}

type codeResponse struct {
	Code string `json:"code"`
}

// RequestCode asks the registry for a fresh claim code for deviceID. The
// endpoint requires the device token.
func (c *Client) RequestCode(ctx context.Context, deviceID string) (string, error) {
	if c.token == "" {
		return "", errors.New("registry token not configured")
	}
	path := "/api/devices/" + url.PathEscape(deviceID) + "/claim-code"
	status, body, err := c.do(ctx, http.MethodPost, path, nil, true)
	if err != nil {
		return "", err
	}
	if status < 200 || status > 299 {
		return "", fmt.Errorf("%w: claim code request returned %d", palpable.ErrRegistryServer, status)
	}

	var resp codeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("%w: malformed claim code response: %v", palpable.ErrRegistryServer, err)
	}
	if !palpable.ValidClaimCode(resp.Code) {
		return "", fmt.Errorf("%w: claim code %q is not 6 digits", palpable.ErrRegistryServer, resp.Code)
	}
	return resp.Code, nil
}

type versionResponse struct {
	Version string `json:"version"`
}

// LatestVersion returns the bootstrap version published by the registry.
// Both a JSON object with a version field and a bare version string are
// accepted.
func (c *Client) LatestVersion(ctx context.Context) (string, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/api/bootstrap/version", nil, false)
	if err != nil {
		return "", err
	}
	if status < 200 || status > 299 {
		return "", fmt.Errorf("%w: version lookup returned %d", palpable.ErrRegistryServer, status)
	}

	version, err := ParseVersion(body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", palpable.ErrRegistryServer, err)
	}
	return version, nil
}

// ParseVersion extracts a version from a registry response body.
func ParseVersion(body []byte) (string, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return "", errors.New("empty version response")
	}

	var v string
	switch trimmed[0] {
	case '{':
		var resp versionResponse
		if err := json.Unmarshal(trimmed, &resp); err != nil {
			return "", fmt.Errorf("malformed version response: %v", err)
		}
		v = resp.Version
	case '"':
		if err := json.Unmarshal(trimmed, &v); err != nil {
			return "", fmt.Errorf("malformed version response: %v", err)
		}
	default:
		v = string(trimmed)
	}

	v = strings.TrimSpace(v)
	if v == "" {
		return "", errors.New("version missing")
	}
	if len(v) > maxVersionLen || strings.ContainsFunc(v, func(r rune) bool { return r <= ' ' || r == 0x7f }) {
		return "", fmt.Errorf("version %q is not a version string", truncate(v, 20))
	}
	return v, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// do sends one request and returns the status and a bounded body. Transport
// failures map to ErrRegistryUnreachable.
func (c *Client) do(ctx context.Context, method, path string, in any, auth bool) (int, []byte, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, fmt.Errorf("%w: %w", palpable.ErrRegistryUnreachable, ctx.Err())
		}
		return 0, nil, fmt.Errorf("%w: %v", palpable.ErrRegistryUnreachable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: read response: %v", palpable.ErrRegistryUnreachable, err)
	}
	return resp.StatusCode, data, nil
}
