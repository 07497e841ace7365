// Package client is the Go client for a cwatcher service.
//
// The REST surface manages the fleet; Stream opens the WebSocket push
// channel for live metrics and status transitions.
//
// Quick start:
//
//	c := client.New(client.Config{BaseURL: "http://localhost:8080"})
//
//	srv, err := c.CreateServer(ctx, client.NewServer{
//	    Name:     "web-01",
//	    Host:     "10.0.0.8",
//	    Username: "monitor",
//	    AuthKind: models.AuthPassword,
//	    Password: os.Getenv("WEB01_PASSWORD"),
//	})
//
//	stream, err := c.Stream(ctx, client.Handlers{
//	    OnMetrics: func(s *models.MetricsSample) { ... },
//	})
//	stream.Subscribe(client.Subscription{})
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cwatcher/backend/internal/models"
)

// Config holds the client configuration.
type Config struct {
	// BaseURL is the service endpoint (default "http://localhost:8080").
	BaseURL string

	// Timeout bounds each REST call (default 15s).
	Timeout time.Duration
}

// Client talks to one cwatcher service.
type Client struct {
	cfg  Config
	http *http.Client
}

// New creates a client; zero config fields take defaults.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8080"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// APIError is a non-2xx response decoded from the service's error
// envelope.
type APIError struct {
	Status int    `json:"-"`
	Reason string `json:"error"`
	Code   string `json:"code"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cwatcher: %s (%s, http %d)", e.Reason, e.Code, e.Status)
}

// NewServer is the create request body.
type NewServer struct {
	Name           string                  `json:"name"`
	Host           string                  `json:"host"`
	Port           int                     `json:"port,omitempty"`
	Username       string                  `json:"username"`
	AuthKind       models.AuthKind         `json:"auth_kind"`
	Password       string                  `json:"password,omitempty"`
	PrivateKey     string                  `json:"private_key,omitempty"`
	KeyPassphrase  string                  `json:"key_passphrase,omitempty"`
	Tags           []string                `json:"tags,omitempty"`
	Thresholds     *models.ThresholdPolicy `json:"thresholds,omitempty"`
	MonitorEnabled *bool                   `json:"monitor_enabled,omitempty"`
}

// ServerPatch is a partial update; nil fields keep their current value.
type ServerPatch struct {
	Name            *string                 `json:"name,omitempty"`
	Host            *string                 `json:"host,omitempty"`
	Port            *int                    `json:"port,omitempty"`
	Username        *string                 `json:"username,omitempty"`
	AuthKind        *models.AuthKind        `json:"auth_kind,omitempty"`
	Password        *string                 `json:"password,omitempty"`
	PrivateKey      *string                 `json:"private_key,omitempty"`
	KeyPassphrase   *string                 `json:"key_passphrase,omitempty"`
	Tags            *[]string               `json:"tags,omitempty"`
	Thresholds      *models.ThresholdPolicy `json:"thresholds,omitempty"`
	ClearThresholds bool                    `json:"clear_thresholds,omitempty"`
	MonitorEnabled  *bool                   `json:"monitor_enabled,omitempty"`
}

// ServerView is a record joined with its live status.
type ServerView struct {
	models.Server
	Status models.ServerStatus `json:"status"`
}

// TestResult reports a one-off connectivity check.
type TestResult struct {
	OK        bool   `json:"ok"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// History is a windowed slice of one metric's samples. Partial marks a
// window the service could no longer fully cover. From and To are set on
// WebSocket history replies only.
type History struct {
	ServerID string                  `json:"server_id"`
	Metric   models.MetricKind       `json:"metric"`
	From     int64                   `json:"from,omitempty"`
	To       int64                   `json:"to,omitempty"`
	Partial  bool                    `json:"partial"`
	Samples  []*models.MetricsSample `json:"samples"`
}

// Overview is the fleet summary.
type Overview struct {
	Servers      int            `json:"servers"`
	Monitored    int            `json:"monitored"`
	ByStatus     map[string]int `json:"by_status"`
	AvgCPU       *float64       `json:"avg_cpu_percent,omitempty"`
	AvgMemory    *float64       `json:"avg_memory_percent,omitempty"`
	AvgDisk      *float64       `json:"avg_disk_percent,omitempty"`
	SinkDegraded bool           `json:"sink_degraded"`
	GeneratedAt  int64          `json:"generated_at"`
}

// Health is the liveness report.
type Health struct {
	Status       string `json:"status"`
	SinkDegraded bool   `json:"sink_degraded"`
	Servers      int    `json:"servers"`
	Connections  int    `json:"ws_connections"`
}

// CreateServer registers a server and starts monitoring it unless
// disabled. Credential fields travel only on this call.
func (c *Client) CreateServer(ctx context.Context, in NewServer) (*models.Server, error) {
	var out models.Server
	if err := c.send(ctx, http.MethodPost, "/api/v1/servers", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListServers returns every live record with its current status.
func (c *Client) ListServers(ctx context.Context) ([]ServerView, error) {
	var out []ServerView
	if err := c.send(ctx, http.MethodGet, "/api/v1/servers", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetServer returns one record with its current status.
func (c *Client) GetServer(ctx context.Context, id string) (*ServerView, error) {
	var out ServerView
	if err := c.send(ctx, http.MethodGet, "/api/v1/servers/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateServer applies a partial update.
func (c *Client) UpdateServer(ctx context.Context, id string, patch ServerPatch) (*models.Server, error) {
	var out models.Server
	if err := c.send(ctx, http.MethodPatch, "/api/v1/servers/"+url.PathEscape(id), patch, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteServer removes a server and tears down its monitoring.
func (c *Client) DeleteServer(ctx context.Context, id string) error {
	return c.send(ctx, http.MethodDelete, "/api/v1/servers/"+url.PathEscape(id), nil, nil)
}

// TestConnection checks reachability without touching the server's
// monitored status.
func (c *Client) TestConnection(ctx context.Context, id string) (*TestResult, error) {
	var out TestResult
	if err := c.send(ctx, http.MethodPost, "/api/v1/servers/"+url.PathEscape(id)+"/test", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LatestSample returns the newest sample for a server.
func (c *Client) LatestSample(ctx context.Context, id string) (*models.MetricsSample, error) {
	var out models.MetricsSample
	if err := c.send(ctx, http.MethodGet, "/api/v1/servers/"+url.PathEscape(id)+"/metrics/latest", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SampleHistory returns ring samples for one metric. Zero times take the
// service defaults (to = now, from = to minus fifteen minutes).
func (c *Client) SampleHistory(ctx context.Context, id string, metric models.MetricKind, from, to time.Time) (*History, error) {
	q := url.Values{"metric": {string(metric)}}
	if !from.IsZero() {
		q.Set("from", from.UTC().Format(time.RFC3339))
	}
	if !to.IsZero() {
		q.Set("to", to.UTC().Format(time.RFC3339))
	}
	var out History
	path := "/api/v1/servers/" + url.PathEscape(id) + "/metrics/history?" + q.Encode()
	if err := c.send(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SystemInfo returns the cached host facts for a server.
func (c *Client) SystemInfo(ctx context.Context, id string) (*models.SystemInfo, error) {
	var out models.SystemInfo
	if err := c.send(ctx, http.MethodGet, "/api/v1/servers/"+url.PathEscape(id)+"/sysinfo", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Overview returns the fleet summary.
func (c *Client) Overview(ctx context.Context) (*Overview, error) {
	var out Overview
	if err := c.send(ctx, http.MethodGet, "/api/v1/overview", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health returns the service's liveness report.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.send(ctx, http.MethodGet, "/healthz", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// send runs one JSON round trip. Non-2xx responses come back as *APIError.
func (c *Client) send(ctx context.Context, method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("cwatcher: marshal request: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, rd)
	if err != nil {
		return fmt.Errorf("cwatcher: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cwatcher: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("cwatcher: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode, Reason: http.StatusText(resp.StatusCode), Code: "http_error"}
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, apiErr)
		}
		return apiErr
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("cwatcher: parse response: %w", err)
	}
	return nil
}
