// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package qmp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMonitor struct {
	connectErr error
	reply      string
	runErr     error
	sent       []string
	closed     bool
}

func (m *fakeMonitor) Connect() error    { return m.connectErr }
func (m *fakeMonitor) Disconnect() error { m.closed = true; return nil }
func (m *fakeMonitor) Run(cmd []byte) ([]byte, error) {
	m.sent = append(m.sent, string(cmd))
	if m.runErr != nil {
		return nil, m.runErr
	}
	return []byte(m.reply), nil
}

func newFakeClient(t *testing.T, mon *fakeMonitor) (*Client, *int) {
	t.Helper()
	dials := 0
	c, err := New(Config{
		Port: 7149,
		Dialer: func(network, addr string, _ time.Duration) (Monitor, error) {
			assert.Equal(t, "tcp", network)
			assert.Equal(t, "127.0.0.1:7149", addr)
			dials++
			return mon, nil
		},
	})
	require.NoError(t, err)
	return c, &dials
}

func TestNew_InvalidPort(t *testing.T) {
	_, err := New(Config{Port: 0})
	assert.Error(t, err)
	_, err = New(Config{Port: 70000})
	assert.Error(t, err)
}

func TestConnectExecuteClose(t *testing.T) {
	mon := &fakeMonitor{reply: `{"return":{"running":true,"status":"running"}}`}
	c, dials := newFakeClient(t, mon)

	_, err := c.Execute(context.Background(), "query-status", nil)
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, 1, *dials, "second Connect reuses the monitor")
	assert.True(t, c.Connected())

	st, err := c.QueryStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Equal(t, "running", st.Status)

	var sent map[string]any
	require.NoError(t, json.Unmarshal([]byte(mon.sent[0]), &sent))
	assert.Equal(t, "query-status", sent["execute"])

	assert.True(t, c.IsAlive(context.Background()))

	require.NoError(t, c.Close())
	assert.True(t, mon.closed)
	assert.False(t, c.Connected())
	assert.False(t, c.IsAlive(context.Background()))
	assert.NoError(t, c.Close())
}

func TestExecute_WithArguments(t *testing.T) {
	mon := &fakeMonitor{reply: `{"return":{}}`}
	c, _ := newFakeClient(t, mon)
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.Execute(context.Background(), "send-key", map[string]any{"keys": []map[string]string{{"type": "qcode", "data": "ctrl"}}})
	require.NoError(t, err)
	assert.Contains(t, mon.sent[0], `"arguments"`)
	assert.Contains(t, mon.sent[0], `"qcode"`)
}

func TestExecute_ErrorReply(t *testing.T) {
	mon := &fakeMonitor{reply: `{"error":{"class":"CommandNotFound","desc":"The command foo has not been found"}}`}
	c, _ := newFakeClient(t, mon)
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.Execute(context.Background(), "foo", nil)
	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, "CommandNotFound", cmdErr.Class)
	assert.False(t, c.IsAlive(context.Background()))
}

func TestExecute_TransportError(t *testing.T) {
	mon := &fakeMonitor{runErr: errors.New("broken pipe")}
	c, _ := newFakeClient(t, mon)
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.Execute(context.Background(), "query-status", nil)
	assert.ErrorContains(t, err, "broken pipe")
}

func TestConnect_Failures(t *testing.T) {
	mon := &fakeMonitor{connectErr: errors.New("no greeting")}
	c, _ := newFakeClient(t, mon)
	assert.ErrorContains(t, c.Connect(context.Background()), "handshake")
	assert.False(t, c.Connected())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Connect(ctx), context.Canceled)

	failing, err := New(Config{Port: 7149, Dialer: func(string, string, time.Duration) (Monitor, error) {
		return nil, errors.New("connection refused")
	}})
	require.NoError(t, err)
	assert.ErrorContains(t, failing.Connect(context.Background()), "connection refused")
}
