// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package guestapi is the HTTP client for the management API that runs inside
the guest, and for the preinstall progress page served by the web console.

# Endpoints

	GET  /health       200 when the guest is ready
	GET  /metrics      CPU, RAM and disk usage
	GET  /rdp/status   {"rdpConnected": bool}
	GET  /apps         application list, passed through as-is
	GET  /version      guest agent version
	POST /update       multipart self-update payload
	GET  /msg.html     preinstall progress (web console); 404 once done

The base URL is derived from the negotiated host port of the guest service,
so a client is rebuilt whenever the port table is.

# Errors

A response with an unexpected status is a *StatusError. Anything else that
prevents a response (refused connection, timeout) is a transport error.
IsTransient tells the two apart for callers that poll.
*/
package guestapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/guestvm/pkg/logging"
)

// maxBodyBytes caps how much of any response is read.
const maxBodyBytes = 4 << 20

// Paths of the guest surface.
const (
	PathHealth     = "/health"
	PathMetrics    = "/metrics"
	PathRDPStatus  = "/rdp/status"
	PathApps       = "/apps"
	PathVersion    = "/version"
	PathUpdate     = "/update"
	PathPreinstall = "/msg.html"
)

// =============================================================================
// Errors
// =============================================================================

// StatusError is a response with an unexpected HTTP status.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.Path, e.StatusCode, body)
}

// IsTransient reports whether err is a failure to get any response at all.
// A *StatusError is not transient: the guest answered, and said no. A
// cancelled parent context is not transient either.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// =============================================================================
// Response Types
// =============================================================================

// Metrics is the guest's resource usage.
type Metrics struct {
	CPU  CPUMetrics    `json:"cpu"`
	RAM  MemoryMetrics `json:"ram"`
	Disk MemoryMetrics `json:"disk"`
}

// CPUMetrics is processor load in percent.
type CPUMetrics struct {
	Usage float64 `json:"usage"`
}

// MemoryMetrics is a capacity figure in bytes plus a usage percentage.
type MemoryMetrics struct {
	Total uint64  `json:"total"`
	Used  uint64  `json:"used"`
	Usage float64 `json:"usage"`
}

// RDPStatus reports whether a remote-desktop session is attached.
type RDPStatus struct {
	RDPConnected bool `json:"rdpConnected"`
}

// App is one entry of the guest application list. Unknown fields are
// ignored; the list is produced by a guest-side script.
type App struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Args   string `json:"args,omitempty"`
	Icon   string `json:"icon,omitempty"`
	Source string `json:"source,omitempty"`
}

// PreinstallPage is one fetch of the preinstall progress page.
type PreinstallPage struct {
	StatusCode int
	Body       string
}

// Finished reports whether the page has been replaced by a 404, which
// marks the end of the preinstall phase.
func (p PreinstallPage) Finished() bool {
	return p.StatusCode == http.StatusNotFound
}

// =============================================================================
// Client
// =============================================================================

// Config configures a Client.
type Config struct {
	// BaseURL is e.g. "http://127.0.0.1:7148". Required.
	BaseURL string

	// Timeout bounds each request. Default: 10s.
	Timeout time.Duration

	// RequestsPerSecond and Burst feed the request limiter. Defaults: 5, 5.
	RequestsPerSecond float64
	Burst             int

	// HTTPClient overrides the transport. Used by tests.
	HTTPClient *http.Client

	// Logger receives request logs. Default: discard.
	Logger *logging.Logger
}

// Client calls the guest API.
//
// # Description
//
// Every request first waits on a token-bucket limiter shared by all
// pollers using this client, so a misbehaving caller cannot flood the
// guest. Responses are bounded to 4 MiB.
//
// # Thread Safety
//
// Safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	logger  *logging.Logger
}

// BaseURL builds the loopback URL for a host port.
func BaseURL(hostPort int) string {
	return fmt.Sprintf("http://127.0.0.1:%d", hostPort)
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("guestapi: base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    cfg.HTTPClient,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:  cfg.Logger.With("component", "guestapi"),
	}, nil
}

// URL returns the client's base URL.
func (c *Client) URL() string {
	return c.baseURL
}

// Health returns nil once the guest answers 200.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.get(ctx, PathHealth, http.StatusOK)
	return err
}

// Metrics fetches resource usage.
func (c *Client) Metrics(ctx context.Context) (*Metrics, error) {
	var m Metrics
	if err := c.getJSON(ctx, PathMetrics, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// RDPStatus fetches the remote-desktop session flag.
func (c *Client) RDPStatus(ctx context.Context) (*RDPStatus, error) {
	var s RDPStatus
	if err := c.getJSON(ctx, PathRDPStatus, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Apps fetches the guest application list.
func (c *Client) Apps(ctx context.Context) ([]App, error) {
	var apps []App
	if err := c.getJSON(ctx, PathApps, &apps); err != nil {
		return nil, err
	}
	return apps, nil
}

// Version returns the guest agent version. The agent answers either
// {"version": "..."} or plain text.
func (c *Client) Version(ctx context.Context) (string, error) {
	body, err := c.get(ctx, PathVersion, http.StatusOK)
	if err != nil {
		return "", err
	}
	var v struct {
		Version string `json:"version"`
	}
	if json.Unmarshal(body, &v) == nil && v.Version != "" {
		return v.Version, nil
	}
	return strings.TrimSpace(string(body)), nil
}

// Update uploads a self-update payload as the multipart field "file".
//
// # Inputs
//
//   - ctx: Bounds the whole upload. The client timeout does not apply.
//   - filename: Name reported in the multipart header.
//   - payload: Update archive. Read to the end.
//
// # Outputs
//
//   - error: Transport failure or a non-2xx status.
func (c *Client) Update(ctx context.Context, filename string, payload io.Reader) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("build update request: %w", err)
	}
	if _, err := io.Copy(part, payload); err != nil {
		return fmt.Errorf("read update payload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("build update request: %w", err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+PathUpdate, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	client := *c.http
	client.Timeout = 0
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", PathUpdate, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Method: http.MethodPost, Path: PathUpdate, StatusCode: resp.StatusCode, Body: string(body)}
	}
	c.logger.Info("guest update uploaded", "file", filename, "bytes", buf.Len())
	return nil
}

// Preinstall fetches the progress page. Any status is returned to the
// caller, which decides what ends the phase; only transport failures are
// errors.
func (c *Client) Preinstall(ctx context.Context) (PreinstallPage, error) {
	status, body, err := c.do(ctx, http.MethodGet, PathPreinstall)
	if err != nil {
		return PreinstallPage{}, err
	}
	return PreinstallPage{StatusCode: status, Body: string(body)}, nil
}

// =============================================================================
// Helpers
// =============================================================================

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	body, err := c.get(ctx, path, http.StatusOK)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("GET %s: decode response: %w", path, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, want int) ([]byte, error) {
	status, body, err := c.do(ctx, http.MethodGet, path)
	if err != nil {
		return nil, err
	}
	if status != want {
		return nil, &StatusError{Method: http.MethodGet, Path: path, StatusCode: status, Body: string(body)}
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, method, path string) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return 0, nil, err
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("guest request failed", "method", method, "path", path, "error", err)
		return 0, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	c.logger.Debug("guest request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration", time.Since(start))
	return resp.StatusCode, body, nil
}
