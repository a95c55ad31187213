// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChecker() *HealthChecker {
	return NewHealthChecker(Options{
		Node:    "test-node",
		Version: "test",
		Stats: func() Stats {
			return Stats{Connections: 2, Topics: 1, TopicNames: []string{"info"}}
		},
		Logger: zerolog.Nop(),
	})
}

func TestNewHealthChecker(t *testing.T) {
	hc := newTestChecker()
	assert.True(t, hc.IsHealthy())
	assert.Equal(t, []string{"goroutines"}, hc.CheckNames())
}

func TestRegisterCheck(t *testing.T) {
	hc := newTestChecker()

	var calls atomic.Int32
	hc.RegisterCheck("test", func() error {
		calls.Add(1)
		return nil
	}, false)
	assert.Equal(t, []string{"goroutines", "test"}, hc.CheckNames())

	status := hc.RunChecks()
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "passed", status.Checks["test"].Status)

	hc.SetEnabled("test", false)
	status = hc.RunChecks()
	assert.Equal(t, int32(1), calls.Load())
	assert.NotContains(t, status.Checks, "test")

	hc.UnregisterCheck("test")
	assert.Equal(t, []string{"goroutines"}, hc.CheckNames())
}

func TestRunChecksCritical(t *testing.T) {
	hc := newTestChecker()

	hc.RegisterCheck("soft", func() error { return errors.New("meh") }, false)
	status := hc.RunChecks()
	assert.Equal(t, StatusHealthy, status.Status)
	assert.Equal(t, "failed", status.Checks["soft"].Status)
	assert.Equal(t, "meh", status.Checks["soft"].Message)

	hc.RegisterCheck("hard", func() error { return errors.New("down") }, true)
	status = hc.RunChecks()
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.False(t, hc.IsHealthy())
}

func TestStatusWithoutRunning(t *testing.T) {
	hc := newTestChecker()
	status := hc.Status()
	assert.Equal(t, "unknown", status.Checks["goroutines"].Status)
	assert.Equal(t, "test-node", status.Node)
	assert.Equal(t, 2, status.Broker.Connections)
	assert.Equal(t, []string{"info"}, status.Broker.TopicNames)
	assert.NotZero(t, status.System.Goroutines)
}

func TestHandlers(t *testing.T) {
	hc := newTestChecker()
	mux := http.NewServeMux()
	hc.RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, StatusHealthy, status.Status)
	assert.Equal(t, 1, status.Broker.Topics)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	hc.RegisterCheck("hard", func() error { return errors.New("down") }, true)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReadyRunsChecks(t *testing.T) {
	hc := newTestChecker()
	var down atomic.Bool
	hc.RegisterCheck("gate", func() error {
		if down.Load() {
			return errors.New("closed")
		}
		return nil
	}, true)
	mux := http.NewServeMux()
	hc.RegisterRoutes(mux)

	assert.True(t, hc.Ready())

	down.Store(true)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.False(t, hc.IsHealthy())

	down.Store(false)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRun(t *testing.T) {
	hc := newTestChecker()
	var calls atomic.Int32
	hc.RegisterCheck("tick", func() error {
		calls.Add(1)
		return nil
	}, false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hc.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
