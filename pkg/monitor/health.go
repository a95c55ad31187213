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

// Package monitor reports broker health: registered checks, process
// statistics and the live connection and topic counts.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// Stats are the broker counts exposed in the health report.
type Stats struct {
	Connections int      `json:"connections"`
	Topics      int      `json:"topics"`
	TopicNames  []string `json:"topic_names,omitempty"`
}

// HealthCheck is one registered probe.
type HealthCheck struct {
	Name        string
	CheckFunc   func() error
	Critical    bool
	Enabled     bool
	LastChecked time.Time
	LastError   error
}

// CheckResult is the outcome of a probe.
type CheckResult struct {
	Status      string    `json:"status"`
	LastChecked time.Time `json:"last_checked"`
	Message     string    `json:"message,omitempty"`
	Critical    bool      `json:"critical"`
}

// SystemInfo describes the running process.
type SystemInfo struct {
	Goroutines int    `json:"goroutines"`
	HeapAlloc  uint64 `json:"heap_alloc"`
	Sys        uint64 `json:"sys"`
	NumGC      uint32 `json:"num_gc"`
	GoVersion  string `json:"go_version"`
	NumCPU     int    `json:"num_cpu"`
}

// HealthStatus is the JSON body served by the health endpoints.
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    int64                  `json:"uptime"`
	Version   string                 `json:"version"`
	Node      string                 `json:"node"`
	Broker    Stats                  `json:"broker"`
	Checks    map[string]CheckResult `json:"checks"`
	System    SystemInfo             `json:"system"`
}

// Options configures a HealthChecker.
type Options struct {
	Node    string
	Version string
	// Stats, if set, supplies the broker counts for every report.
	Stats  func() Stats
	Logger zerolog.Logger
}

// HealthChecker runs registered checks and assembles health reports.
type HealthChecker struct {
	opts    Options
	logger  zerolog.Logger
	started time.Time

	mu        sync.RWMutex
	healthy   bool
	lastCheck time.Time
	checks    map[string]HealthCheck
}

// NewHealthChecker creates a checker with the default goroutine check.
func NewHealthChecker(opts Options) *HealthChecker {
	hc := &HealthChecker{
		opts:    opts,
		logger:  opts.Logger.With().Str("component", "monitor").Logger(),
		started: time.Now(),
		healthy: true,
		checks:  make(map[string]HealthCheck),
	}

	hc.RegisterCheck("goroutines", func() error {
		if n := runtime.NumGoroutine(); n > 100000 {
			return fmt.Errorf("high goroutine count: %d", n)
		}
		return nil
	}, false)

	return hc
}

// RegisterCheck adds or replaces a check. A failing critical check marks
// the broker unhealthy.
func (hc *HealthChecker) RegisterCheck(name string, checkFunc func() error, critical bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = HealthCheck{
		Name:      name,
		CheckFunc: checkFunc,
		Critical:  critical,
		Enabled:   true,
	}
}

// UnregisterCheck removes a check.
func (hc *HealthChecker) UnregisterCheck(name string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	delete(hc.checks, name)
}

// SetEnabled turns a check on or off.
func (hc *HealthChecker) SetEnabled(name string, enabled bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if check, ok := hc.checks[name]; ok {
		check.Enabled = enabled
		hc.checks[name] = check
	}
}

// CheckNames returns the registered check names in sorted order.
func (hc *HealthChecker) CheckNames() []string {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	names := make([]string, 0, len(hc.checks))
	for name := range hc.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunChecks runs every enabled check and returns the resulting report.
func (hc *HealthChecker) RunChecks() HealthStatus {
	now, results := hc.runChecks()
	return hc.report(now, results)
}

// Ready runs the checks and reports whether every critical one passed.
func (hc *HealthChecker) Ready() bool {
	hc.runChecks()
	return hc.IsHealthy()
}

func (hc *HealthChecker) runChecks() (time.Time, map[string]CheckResult) {
	hc.mu.Lock()
	now := time.Now()
	hc.lastCheck = now

	healthy := true
	results := make(map[string]CheckResult, len(hc.checks))
	for name, check := range hc.checks {
		if !check.Enabled {
			continue
		}
		err := check.CheckFunc()
		check.LastChecked = now
		check.LastError = err
		hc.checks[name] = check

		res := CheckResult{Status: "passed", LastChecked: now, Critical: check.Critical}
		if err != nil {
			res.Status = "failed"
			res.Message = err.Error()
			if check.Critical {
				healthy = false
			}
			hc.logger.Warn().Err(err).Str("check", name).Bool("critical", check.Critical).Msg("health check failed")
		}
		results[name] = res
	}
	hc.healthy = healthy
	hc.mu.Unlock()

	return now, results
}

// Status returns the last known results without running checks.
func (hc *HealthChecker) Status() HealthStatus {
	hc.mu.RLock()
	results := make(map[string]CheckResult, len(hc.checks))
	for name, check := range hc.checks {
		if !check.Enabled {
			continue
		}
		res := CheckResult{Status: "unknown", LastChecked: check.LastChecked, Critical: check.Critical}
		if !check.LastChecked.IsZero() {
			res.Status = "passed"
			if check.LastError != nil {
				res.Status = "failed"
				res.Message = check.LastError.Error()
			}
		}
		results[name] = res
	}
	ts := hc.lastCheck
	hc.mu.RUnlock()

	return hc.report(ts, results)
}

// IsHealthy reports the outcome of the last RunChecks.
func (hc *HealthChecker) IsHealthy() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.healthy
}

func (hc *HealthChecker) report(ts time.Time, results map[string]CheckResult) HealthStatus {
	status := StatusHealthy
	if !hc.IsHealthy() {
		status = StatusUnhealthy
	}
	var stats Stats
	if hc.opts.Stats != nil {
		stats = hc.opts.Stats()
	}
	return HealthStatus{
		Status:    status,
		Timestamp: ts,
		Uptime:    int64(time.Since(hc.started).Seconds()),
		Version:   hc.opts.Version,
		Node:      hc.opts.Node,
		Broker:    stats,
		Checks:    results,
		System:    systemInfo(),
	}
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  m.HeapAlloc,
		Sys:        m.Sys,
		NumGC:      m.NumGC,
		GoVersion:  runtime.Version(),
		NumCPU:     runtime.NumCPU(),
	}
}

// Run re-runs the checks every interval until ctx is done.
func (hc *HealthChecker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hc.RunChecks()
		}
	}
}

// RegisterRoutes mounts the health endpoints on mux.
func (hc *HealthChecker) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", hc.handleHealth)
	mux.HandleFunc("/healthz/live", hc.handleLiveness)
	mux.HandleFunc("/healthz/ready", hc.handleReadiness)
}

// handleHealth runs the checks and serves the full report.
func (hc *HealthChecker) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status := hc.RunChecks()
	code := http.StatusOK
	if status.Status != StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (hc *HealthChecker) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (hc *HealthChecker) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if hc.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("Service Unavailable"))
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}
