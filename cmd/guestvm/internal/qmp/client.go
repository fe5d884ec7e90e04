// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package qmp keeps a connection to the QEMU machine protocol monitor that
// the guest container exposes, and runs commands over it.
//
// The wire protocol is go-qemu's; this package only adds connection
// bookkeeping (connect, execute, liveness, close) and a Dialer seam for tests.
package qmp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	goqmp "github.com/digitalocean/go-qemu/qmp"

	"github.com/AleutianAI/guestvm/pkg/logging"
)

// ErrNotConnected is returned by Execute before Connect or after Close.
var ErrNotConnected = errors.New("qmp: not connected")

// CommandError is an error reply from QEMU.
type CommandError struct {
	Command string
	Class   string
	Desc    string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("qmp %s: %s: %s", e.Command, e.Class, e.Desc)
}

// Monitor is the subset of go-qemu's monitor this package drives.
// *goqmp.SocketMonitor implements it.
type Monitor interface {
	Connect() error
	Disconnect() error
	Run(command []byte) ([]byte, error)
}

// Dialer creates an unconnected monitor for addr.
type Dialer func(network, addr string, timeout time.Duration) (Monitor, error)

// SocketDialer dials a real QEMU monitor.
func SocketDialer(network, addr string, timeout time.Duration) (Monitor, error) {
	mon, err := goqmp.NewSocketMonitor(network, addr, timeout)
	if err != nil {
		return nil, err
	}
	return mon, nil
}

// Config configures a Client.
type Config struct {
	// Host defaults to 127.0.0.1.
	Host string

	// Port is the negotiated host port of the QMP listener. Required.
	Port int

	// Timeout bounds the dial. Default: 5s.
	Timeout time.Duration

	// Dialer defaults to SocketDialer.
	Dialer Dialer

	// Logger defaults to discard.
	Logger *logging.Logger
}

// Client holds at most one monitor connection.
//
// # Thread Safety
//
// Safe for concurrent use; commands are serialized, matching QMP's
// one-request-at-a-time framing.
type Client struct {
	addr    string
	timeout time.Duration
	dial    Dialer
	logger  *logging.Logger

	mu  sync.Mutex
	mon Monitor
}

// New creates a disconnected Client.
func New(cfg Config) (*Client, error) {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("qmp: invalid port %d", cfg.Port)
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = SocketDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	return &Client{
		addr:    addr,
		timeout: cfg.Timeout,
		dial:    cfg.Dialer,
		logger:  cfg.Logger.With("component", "qmp", "addr", addr),
	}, nil
}

// Addr returns host:port.
func (c *Client) Addr() string {
	return c.addr
}

// Connect dials and completes the capabilities handshake. Connecting an
// already connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mon != nil {
		return nil
	}

	mon, err := c.dial("tcp", c.addr, c.timeout)
	if err != nil {
		return fmt.Errorf("qmp dial %s: %w", c.addr, err)
	}
	if err := mon.Connect(); err != nil {
		return fmt.Errorf("qmp handshake %s: %w", c.addr, err)
	}
	c.mon = mon
	c.logger.Info("qmp connected")
	return nil
}

// Connected reports whether a monitor is held.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mon != nil
}

// Execute runs one command and returns its "return" payload.
//
// # Inputs
//
//   - ctx: Checked before sending; QMP offers no cancellation mid-command.
//   - command: QMP command name, e.g. "query-status".
//   - args: Command arguments, or nil.
//
// # Outputs
//
//   - json.RawMessage: The "return" member of the reply.
//   - error: ErrNotConnected, transport failure or *CommandError.
func (c *Client) Execute(ctx context.Context, command string, args any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(goqmp.Command{Execute: command, Args: args})
	if err != nil {
		return nil, fmt.Errorf("qmp %s: encode: %w", command, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mon == nil {
		return nil, ErrNotConnected
	}
	raw, err := c.mon.Run(payload)
	if err != nil {
		return nil, fmt.Errorf("qmp %s: %w", command, err)
	}

	var reply struct {
		Return json.RawMessage `json:"return"`
		Error  *struct {
			Class string `json:"class"`
			Desc  string `json:"desc"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("qmp %s: decode reply: %w", command, err)
	}
	if reply.Error != nil {
		return nil, &CommandError{Command: command, Class: reply.Error.Class, Desc: reply.Error.Desc}
	}
	return reply.Return, nil
}

// VMStatus is the reply of query-status.
type VMStatus struct {
	Running bool   `json:"running"`
	Status  string `json:"status"`
}

// QueryStatus runs query-status.
func (c *Client) QueryStatus(ctx context.Context) (*VMStatus, error) {
	raw, err := c.Execute(ctx, "query-status", nil)
	if err != nil {
		return nil, err
	}
	var st VMStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("qmp query-status: %w", err)
	}
	return &st, nil
}

// IsAlive reports whether the monitor answers query-status.
func (c *Client) IsAlive(ctx context.Context) bool {
	_, err := c.QueryStatus(ctx)
	if err != nil {
		c.logger.Debug("qmp liveness check failed", "error", err)
		return false
	}
	return true
}

// Close drops the connection. Closing a disconnected client is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mon == nil {
		return nil
	}
	err := c.mon.Disconnect()
	c.mon = nil
	c.logger.Info("qmp disconnected")
	return err
}
