// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package statusapi serves the orchestrator's view of the guest on loopback.
//
// # Endpoints
//
//	GET  /status          - Snapshot of status, flags, metrics and ports
//	GET  /ports           - Port table (409 while the guest is not running)
//	GET  /ports/:guest    - Host port for one guest port
//	POST /ports/refresh   - Re-resolve the table of a running guest
//	GET  /capabilities    - Runtime capability probe
//	POST /update          - Upload a guest agent update (multipart "file")
//	GET  /metrics         - Prometheus exposition
//
// The server binds 127.0.0.1 by default. There is no authentication; the
// listener must not be exposed beyond the host.
package statusapi

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/infra/engine"
	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/negotiator"
	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/orchestrator"
	"github.com/AleutianAI/guestvm/pkg/logging"
)

// DefaultAddr is the loopback listener used by `guestvm serve`.
const DefaultAddr = "127.0.0.1:7160"

// maxUploadBytes caps a guest update upload.
const maxUploadBytes = 512 << 20

// Orchestrator is the read side the handlers need.
// *orchestrator.Orchestrator implements it.
type Orchestrator interface {
	Snapshot() orchestrator.Snapshot
	Ports() (negotiator.Table, error)
	Port(guestPort int) (int, error)
	RefreshPorts(ctx context.Context) error
	UpdateGuest(ctx context.Context, filename string, payload io.Reader) error
}

// ErrorResponse is the body of every non-2xx JSON reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// PortResponse answers GET /ports/:guest.
type PortResponse struct {
	GuestPort int `json:"guest_port"`
	HostPort  int `json:"host_port"`
}

// PortsResponse answers GET /ports.
type PortsResponse struct {
	Ports []PortResponse `json:"ports"`
}

// CapabilitiesResponse answers GET /capabilities.
type CapabilitiesResponse struct {
	engine.Capabilities
	Ready    bool     `json:"ready"`
	Problems []string `json:"problems,omitempty"`
}

// Config wires a Server.
type Config struct {
	// Addr defaults to DefaultAddr.
	Addr string

	Orchestrator Orchestrator
	Adapter      engine.Adapter

	// Metrics serves /metrics. Omitted when nil.
	Metrics http.Handler

	Logger *logging.Logger
}

// Server is the gin-backed status API.
type Server struct {
	addr   string
	orch   Orchestrator
	engine engine.Adapter
	logger *logging.Logger
	router *gin.Engine
}

// New builds the router. It does not listen.
func New(cfg Config) (*Server, error) {
	if cfg.Orchestrator == nil {
		return nil, errors.New("statusapi: orchestrator is required")
	}
	if cfg.Adapter == nil {
		return nil, errors.New("statusapi: adapter is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}

	s := &Server{
		addr:   cfg.Addr,
		orch:   cfg.Orchestrator,
		engine: cfg.Adapter,
		logger: cfg.Logger.With("component", "statusapi"),
	}

	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())
	router.GET("/status", s.HandleStatus)
	ports := router.Group("/ports")
	{
		ports.GET("", s.HandlePorts)
		ports.POST("/refresh", s.HandleRefreshPorts)
		ports.GET("/:guest", s.HandlePort)
	}
	router.GET("/capabilities", s.HandleCapabilities)
	router.POST("/update", s.HandleUpdate)
	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics))
	}
	s.router = router
	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Serve listens on the configured address until ctx is done, then shuts
// down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener is Serve on an existing listener.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("status api listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("status api stopped")
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// =============================================================================
// Handlers
// =============================================================================

// HandleStatus returns the orchestrator snapshot.
func (s *Server) HandleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.Snapshot())
}

// HandlePorts returns every guest-to-host mapping in guest port order.
//
// Response:
//
//	200 OK: PortsResponse
//	409 Conflict: guest not running, table stale
func (s *Server) HandlePorts(c *gin.Context) {
	table, err := s.orch.Ports()
	if err != nil {
		s.writeError(c, err)
		return
	}
	resp := PortsResponse{Ports: make([]PortResponse, 0, len(table))}
	for _, guest := range table.GuestPorts() {
		resp.Ports = append(resp.Ports, PortResponse{GuestPort: guest, HostPort: table[guest]})
	}
	c.JSON(http.StatusOK, resp)
}

// HandlePort returns the host port for one guest port.
//
// Response:
//
//	200 OK: PortResponse
//	400 Bad Request: guest is not a port number
//	404 Not Found: guest port not published
//	409 Conflict: guest not running, table stale
func (s *Server) HandlePort(c *gin.Context) {
	guest, err := strconv.Atoi(c.Param("guest"))
	if err != nil || guest < 1 || guest > 65535 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "guest port must be 1-65535", Code: "INVALID_PORT"})
		return
	}
	host, err := s.orch.Port(guest)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, PortResponse{GuestPort: guest, HostPort: host})
}

// HandleRefreshPorts re-resolves the port table.
func (s *Server) HandleRefreshPorts(c *gin.Context) {
	if err := s.orch.RefreshPorts(c.Request.Context()); err != nil {
		s.writeError(c, err)
		return
	}
	s.HandlePorts(c)
}

// HandleCapabilities runs the runtime probe.
func (s *Server) HandleCapabilities(c *gin.Context) {
	caps := s.engine.ProbeCapabilities(c.Request.Context())
	c.JSON(http.StatusOK, CapabilitiesResponse{
		Capabilities: caps,
		Ready:        caps.Ready(),
		Problems:     caps.Problems(),
	})
}

// HandleUpdate forwards a multipart "file" upload to the guest.
//
// Response:
//
//	204 No Content: guest accepted the update
//	400 Bad Request: missing file field
//	409 Conflict: guest not running or update already running
//	502 Bad Gateway: guest rejected the update
func (s *Server) HandleUpdate(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)
	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "multipart field \"file\" is required", Code: "INVALID_REQUEST"})
		return
	}
	f, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
		return
	}
	defer f.Close()

	if err := s.orch.UpdateGuest(c.Request.Context(), header.Filename, f); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) writeError(c *gin.Context, err error) {
	status, code := http.StatusBadGateway, "GUEST_ERROR"
	switch {
	case errors.Is(err, orchestrator.ErrPortsStale):
		status, code = http.StatusConflict, "PORTS_STALE"
	case errors.Is(err, orchestrator.ErrNotRunning):
		status, code = http.StatusConflict, "NOT_RUNNING"
	case errors.Is(err, orchestrator.ErrUpdateInProgress):
		status, code = http.StatusConflict, "UPDATE_IN_PROGRESS"
	case errors.Is(err, orchestrator.ErrUnknownPort):
		status, code = http.StatusNotFound, "UNKNOWN_PORT"
	}
	if status >= http.StatusInternalServerError {
		s.logger.Warn("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
}
