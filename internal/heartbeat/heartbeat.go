// Package heartbeat is the liveness beacon loop: it periodically POSTs a
// small JSON body to an external reachability endpoint and tracks
// consecutive failures, grounded in the source worker's app/heartbeat.py.
package heartbeat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/wisbric/graphsync/internal/applog"

	"log/slog"
)

// Status is the snapshot the admin API's health endpoint reports.
type Status struct {
	LastAttemptAt    *time.Time `json:"last_attempt_at"`
	LastSuccessAt    *time.Time `json:"last_success_at"`
	ConsecutiveFails int        `json:"consecutive_failures"`
	LastError        string     `json:"last_error,omitempty"`
	WebappReachable  bool       `json:"webapp_reachable"`
	IntervalSeconds  int        `json:"interval_seconds"`
	FailThreshold    int        `json:"fail_threshold"`
}

// Monitor runs the heartbeat loop against URL, tracking the rolling
// reachability state returned by Status.
type Monitor struct {
	URL             string
	Token           string
	IntervalSeconds int
	TimeoutSeconds  int
	FailThreshold   int
	Logger          *slog.Logger

	httpClient *http.Client

	mu     sync.Mutex
	status Status
}

// Healthy reports whether the consecutive failure count is below the
// configured threshold, matching is_heartbeat_healthy.
func (m *Monitor) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.ConsecutiveFails < m.failThreshold()
}

// Status returns the current heartbeat state, matching get_heartbeat_status.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.status
	s.WebappReachable = s.ConsecutiveFails < m.failThreshold()
	s.IntervalSeconds = m.intervalSeconds()
	s.FailThreshold = m.failThreshold()
	return s
}

func (m *Monitor) intervalSeconds() int {
	if m.IntervalSeconds <= 0 {
		return 60
	}
	return m.IntervalSeconds
}

func (m *Monitor) timeout() time.Duration {
	if m.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(m.TimeoutSeconds) * time.Second
}

func (m *Monitor) failThreshold() int {
	if m.FailThreshold <= 0 {
		return 3
	}
	return m.FailThreshold
}

// Run loops until ctx is cancelled, sending one heartbeat POST per tick. If
// URL is empty the loop is a no-op (heartbeat reporting is optional).
func (m *Monitor) Run(ctx context.Context) {
	if m.URL == "" {
		applog.Emit(m.Logger, "INFO", applog.ActorHeartbeat, "heartbeat_disabled_no_url")
		<-ctx.Done()
		return
	}
	if m.httpClient == nil {
		m.httpClient = &http.Client{Timeout: m.timeout()}
	}

	ticker := time.NewTicker(time.Duration(m.intervalSeconds()) * time.Second)
	defer ticker.Stop()
	for {
		m.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	attemptedAt := time.Now().UTC()

	body, _ := json.Marshal(map[string]any{"sent_at": attemptedAt.Format(time.RFC3339)})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.URL, bytes.NewReader(body))
	var sendErr error
	if err != nil {
		sendErr = err
	} else {
		req.Header.Set("Content-Type", "application/json")
		if m.Token != "" {
			req.Header.Set("X-Worker-Heartbeat-Token", m.Token)
		}
		resp, doErr := m.httpClient.Do(req)
		if doErr != nil {
			sendErr = doErr
		} else {
			defer resp.Body.Close()
			if resp.StatusCode >= 300 {
				sendErr = fmt.Errorf("heartbeat endpoint returned status %d", resp.StatusCode)
			}
		}
	}

	m.mu.Lock()
	previousFailures := m.status.ConsecutiveFails
	m.status.LastAttemptAt = &attemptedAt
	if sendErr == nil {
		m.status.LastSuccessAt = &attemptedAt
		m.status.ConsecutiveFails = 0
		m.status.LastError = ""
	} else {
		m.status.ConsecutiveFails++
		m.status.LastError = sendErr.Error()
	}
	failures := m.status.ConsecutiveFails
	m.mu.Unlock()

	if sendErr == nil {
		return
	}

	shortError := strings.TrimSpace(strings.ReplaceAll(strings.ReplaceAll(sendErr.Error(), "\n", " "), "\r", " "))
	if len(shortError) > 220 {
		shortError = shortError[:217] + "..."
	}
	applog.Emit(m.Logger, "WARN", applog.ActorHeartbeat, "heartbeat_failed",
		"url", m.URL, "failures", failures, "error", shortError)
	if previousFailures < m.failThreshold() && failures >= m.failThreshold() {
		applog.Emit(m.Logger, "ERROR", applog.ActorHeartbeat, "heartbeat_fail_threshold_reached",
			"url", m.URL, "failures", failures)
	}
}
