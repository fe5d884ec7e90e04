// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package statusapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/infra/engine"
	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/metrics"
	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/negotiator"
	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/orchestrator"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeOrchestrator struct {
	snapshot   orchestrator.Snapshot
	table      negotiator.Table
	portsErr   error
	refreshErr error
	updateErr  error

	refreshed int
	updated   string
	payload   string
}

func (f *fakeOrchestrator) Snapshot() orchestrator.Snapshot { return f.snapshot }

func (f *fakeOrchestrator) Ports() (negotiator.Table, error) {
	if f.portsErr != nil {
		return nil, f.portsErr
	}
	return f.table.Clone(), nil
}

func (f *fakeOrchestrator) Port(guest int) (int, error) {
	if f.portsErr != nil {
		return 0, f.portsErr
	}
	host, ok := f.table[guest]
	if !ok {
		return 0, fmt.Errorf("%w: %d", orchestrator.ErrUnknownPort, guest)
	}
	return host, nil
}

func (f *fakeOrchestrator) RefreshPorts(context.Context) error {
	f.refreshed++
	return f.refreshErr
}

func (f *fakeOrchestrator) UpdateGuest(_ context.Context, name string, payload io.Reader) error {
	data, err := io.ReadAll(payload)
	if err != nil {
		return err
	}
	f.updated, f.payload = name, string(data)
	return f.updateErr
}

func newTestServer(t *testing.T, orch *fakeOrchestrator) (*Server, *engine.FakeAdapter) {
	t.Helper()
	adapter := &engine.FakeAdapter{}
	s, err := New(Config{
		Orchestrator: orch,
		Adapter:      adapter,
		Metrics:      metrics.New().Handler(),
	})
	require.NoError(t, err)
	return s, adapter
}

func do(s *Server, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	s.Handler().ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func runningTable() negotiator.Table {
	return negotiator.Table{8006: 8006, 7148: 7148, 7149: 7149, 3389: 3390}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{Adapter: &engine.FakeAdapter{}})
	assert.Error(t, err)
	_, err = New(Config{Orchestrator: &fakeOrchestrator{}})
	assert.Error(t, err)

	s, err := New(Config{Orchestrator: &fakeOrchestrator{}, Adapter: &engine.FakeAdapter{}})
	require.NoError(t, err)
	assert.Equal(t, DefaultAddr, s.Addr())
}

func TestHandleStatus(t *testing.T) {
	orch := &fakeOrchestrator{snapshot: orchestrator.Snapshot{
		Status:       engine.StatusRunning,
		GuestHealthy: true,
		Ports:        runningTable(),
		PortSource:   orchestrator.PortsLive,
	}}
	s, _ := newTestServer(t, orch)

	w := do(s, http.MethodGet, "/status", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")

	var got map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "running", got["status"])
	assert.Equal(t, true, got["guest_healthy"])
	assert.Equal(t, "live", got["port_source"])
}

func TestHandlePorts(t *testing.T) {
	s, _ := newTestServer(t, &fakeOrchestrator{table: runningTable()})

	w := do(s, http.MethodGet, "/ports", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp PortsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []PortResponse{
		{GuestPort: 3389, HostPort: 3390},
		{GuestPort: 7148, HostPort: 7148},
		{GuestPort: 7149, HostPort: 7149},
		{GuestPort: 8006, HostPort: 8006},
	}, resp.Ports)
}

func TestHandlePorts_Stale(t *testing.T) {
	s, _ := newTestServer(t, &fakeOrchestrator{portsErr: orchestrator.ErrPortsStale})

	w := do(s, http.MethodGet, "/ports", nil, "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "PORTS_STALE", decodeError(t, w).Code)

	w = do(s, http.MethodGet, "/ports/3389", nil, "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandlePort(t *testing.T) {
	s, _ := newTestServer(t, &fakeOrchestrator{table: runningTable()})

	tests := []struct {
		path string
		code int
		want string
	}{
		{"/ports/3389", http.StatusOK, ""},
		{"/ports/1234", http.StatusNotFound, "UNKNOWN_PORT"},
		{"/ports/rdp", http.StatusBadRequest, "INVALID_PORT"},
		{"/ports/70000", http.StatusBadRequest, "INVALID_PORT"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := do(s, http.MethodGet, tt.path, nil, "")
			require.Equal(t, tt.code, w.Code)
			if tt.want != "" {
				assert.Equal(t, tt.want, decodeError(t, w).Code)
				return
			}
			var resp PortResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, PortResponse{GuestPort: 3389, HostPort: 3390}, resp)
		})
	}
}

func TestHandleRefreshPorts(t *testing.T) {
	orch := &fakeOrchestrator{table: runningTable()}
	s, _ := newTestServer(t, orch)

	w := do(s, http.MethodPost, "/ports/refresh", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, orch.refreshed)

	orch.refreshErr = orchestrator.ErrNotRunning
	w = do(s, http.MethodPost, "/ports/refresh", nil, "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "NOT_RUNNING", decodeError(t, w).Code)
}

func TestHandleCapabilities(t *testing.T) {
	s, adapter := newTestServer(t, &fakeOrchestrator{})
	adapter.Caps = engine.Capabilities{Installed: true, ComposeInstalled: true, ComposeSupported: true, Authorized: true}

	w := do(s, http.MethodGet, "/capabilities", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "docker", got["runtime"])
	assert.Equal(t, false, got["ready"])
	assert.Equal(t, []any{"docker service is not reachable"}, got["problems"])
	assert.Equal(t, []string{"probe"}, adapter.Calls())
}

func multipartBody(t *testing.T, field, name, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(field, name)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestHandleUpdate(t *testing.T) {
	orch := &fakeOrchestrator{}
	s, _ := newTestServer(t, orch)

	body, ct := multipartBody(t, "file", "agent.zip", "PK-payload")
	w := do(s, http.MethodPost, "/update", body, ct)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "agent.zip", orch.updated)
	assert.Equal(t, "PK-payload", orch.payload)

	body, ct = multipartBody(t, "other", "agent.zip", "x")
	w = do(s, http.MethodPost, "/update", body, ct)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	orch.updateErr = orchestrator.ErrUpdateInProgress
	body, ct = multipartBody(t, "file", "agent.zip", "x")
	w = do(s, http.MethodPost, "/update", body, ct)
	assert.Equal(t, http.StatusConflict, w.Code)

	orch.updateErr = errors.New("guest said no")
	body, ct = multipartBody(t, "file", "agent.zip", "x")
	w = do(s, http.MethodPost, "/update", body, ct)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "GUEST_ERROR", decodeError(t, w).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, &fakeOrchestrator{})

	w := do(s, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestMetricsEndpoint_OmittedWithoutHandler(t *testing.T) {
	s, err := New(Config{Orchestrator: &fakeOrchestrator{}, Adapter: &engine.FakeAdapter{}})
	require.NoError(t, err)

	w := do(s, http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServeListener_ShutsDownOnCancel(t *testing.T) {
	s, _ := newTestServer(t, &fakeOrchestrator{table: runningTable()})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ServeListener(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/ports/3389"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
