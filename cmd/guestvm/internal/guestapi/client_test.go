// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package guestapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL + "/", RequestsPerSecond: 1000, Burst: 100})
	require.NoError(t, err)
	return c
}

func TestNew_RequiresBaseURL(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	assert.Equal(t, "http://127.0.0.1:7148", BaseURL(7148))
}

func TestHealth(t *testing.T) {
	var ready atomic.Bool
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathHealth, r.URL.Path)
		if !ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	err := c.Health(context.Background())
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.False(t, IsTransient(err))

	ready.Store(true)
	assert.NoError(t, c.Health(context.Background()))
}

func TestHealth_ConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(Config{BaseURL: url, Timeout: time.Second})
	require.NoError(t, err)

	err = c.Health(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(context.Canceled))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(errors.New("dial tcp: connection refused")))
}

func TestMetricsAndRDPStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(PathMetrics, func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, `{"cpu":{"usage":12.5},"ram":{"total":8589934592,"used":4294967296,"usage":50},"disk":{"total":100,"used":25,"usage":25}}`)
	})
	mux.HandleFunc(PathRDPStatus, func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, `{"rdpConnected":true}`)
	})
	c := newTestClient(t, mux)

	m, err := c.Metrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12.5, m.CPU.Usage)
	assert.Equal(t, uint64(8589934592), m.RAM.Total)
	assert.Equal(t, 25.0, m.Disk.Usage)

	s, err := c.RDPStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, s.RDPConnected)
}

func TestMetrics_DecodeError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "not json")
	}))
	_, err := c.Metrics(context.Background())
	assert.ErrorContains(t, err, "decode response")
}

func TestApps(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, `[{"name":"Notepad","path":"C:\\Windows\\notepad.exe","source":"system","extra":1}]`)
	}))

	apps, err := c.Apps(context.Background())
	require.NoError(t, err)
	require.Len(t, apps, 1)
	assert.Equal(t, "Notepad", apps[0].Name)
	assert.Equal(t, `C:\Windows\notepad.exe`, apps[0].Path)
}

func TestVersion(t *testing.T) {
	var body atomic.Value
	body.Store(`{"version":"0.4.1"}`)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, body.Load().(string))
	}))

	v, err := c.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0.4.1", v)

	body.Store("0.4.2\n")
	v, err = c.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0.4.2", v)
}

func TestUpdate(t *testing.T) {
	got := make(chan [2]string, 1)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, PathUpdate, r.URL.Path)
		file, header, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		got <- [2]string{header.Filename, string(data)}
		w.WriteHeader(http.StatusAccepted)
	}))

	require.NoError(t, c.Update(context.Background(), "agent.zip", strings.NewReader("PK-payload")))
	assert.Equal(t, [2]string{"agent.zip", "PK-payload"}, <-got)
}

func TestUpdate_Rejected(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "update already running", http.StatusConflict)
	}))

	err := c.Update(context.Background(), "agent.zip", strings.NewReader("x"))
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusConflict, statusErr.StatusCode)
	assert.Contains(t, err.Error(), "update already running")
}

func TestPreinstall(t *testing.T) {
	var done atomic.Bool
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathPreinstall, r.URL.Path)
		if done.Load() {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, "<html><body><p>Downloading Windows 11...</p></body></html>")
	}))

	page, err := c.Preinstall(context.Background())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, page.StatusCode)
	assert.False(t, page.Finished())
	assert.Contains(t, page.Body, "Downloading")

	done.Store(true)
	page, err = c.Preinstall(context.Background())
	require.NoError(t, err)
	assert.True(t, page.Finished())
}

func TestRateLimiterHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, RequestsPerSecond: 0.001, Burst: 1})
	require.NoError(t, err)
	require.NoError(t, c.Health(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, c.Health(ctx), "second request must wait for a token and give up")
}

func TestStatusError_TruncatesBody(t *testing.T) {
	err := &StatusError{Method: "GET", Path: "/x", StatusCode: 500, Body: strings.Repeat("a", 500)}
	assert.Less(t, len(err.Error()), 260)
	assert.Equal(t, "GET /x: unexpected status 500", (&StatusError{Method: "GET", Path: "/x", StatusCode: 500}).Error())
}
