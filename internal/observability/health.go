package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultHealthTimeout = 3 * time.Second

// Readiness states.
const (
	StatusOK          = "ok"
	StatusDegraded    = "degraded"    // an optional dependency is down
	StatusUnavailable = "unavailable" // a required dependency is down
)

// HealthChecker probes the dependencies of the chat pipeline: the
// conversation store and data engine are required, the vector store is
// optional (retrieval degrades to no highlight).
type HealthChecker struct {
	mu      sync.RWMutex
	checks  []healthCheck
	timeout time.Duration
	anomaly *AnomalyDetector
	started time.Time
	logger  *slog.Logger
}

type healthCheck struct {
	name     string
	optional bool
	check    func(ctx context.Context) error
}

// HealthStatus is the JSON body of /healthz and /readyz.
type HealthStatus struct {
	Status        string                 `json:"status"`
	UptimeSeconds int64                  `json:"uptime_s,omitempty"`
	Checks        map[string]CheckResult `json:"checks,omitempty"`
	Anomalies     []OperationStats       `json:"anomalies,omitempty"`
}

// CheckResult is the outcome of one probe.
type CheckResult struct {
	Status    string `json:"status"` // "ok" or "fail"
	Optional  bool   `json:"optional,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
	Message   string `json:"message,omitempty"`
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{started: time.Now(), timeout: defaultHealthTimeout, logger: logger}
}

// SetTimeout bounds each readiness run. Non-positive values are ignored.
func (h *HealthChecker) SetTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	h.mu.Lock()
	h.timeout = d
	h.mu.Unlock()
}

// ReportAnomalies lists the operations a currently flags in readiness
// responses. They are informational and never change the status.
func (h *HealthChecker) ReportAnomalies(a *AnomalyDetector) {
	h.mu.Lock()
	h.anomaly = a
	h.mu.Unlock()
}

// AddCheck registers a required dependency.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.add(healthCheck{name: name, check: check})
}

// AddOptionalCheck registers a dependency whose failure only degrades service.
func (h *HealthChecker) AddOptionalCheck(name string, check func(ctx context.Context) error) {
	h.add(healthCheck{name: name, optional: true, check: check})
}

func (h *HealthChecker) add(c healthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, c)
}

// CheckHealth is the liveness answer: ok while the process runs.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: StatusOK, UptimeSeconds: int64(time.Since(h.started).Seconds())}
}

// CheckReady probes every dependency concurrently under a shared timeout.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]healthCheck(nil), h.checks...)
	timeout, anomaly := h.timeout, h.anomaly
	h.mu.RUnlock()

	status := HealthStatus{Status: StatusOK}
	for _, op := range anomaly.Snapshot() {
		if op.Anomalous {
			status.Anomalies = append(status.Anomalies, op)
		}
	}
	if len(checks) == 0 {
		return status
	}

	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make([]CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			err := c.check(checkCtx)
			res := CheckResult{Status: "ok", Optional: c.optional, LatencyMS: time.Since(start).Milliseconds()}
			if err != nil {
				res.Status = "fail"
				res.Message = err.Error()
			}
			results[i] = res
		}()
	}
	wg.Wait()

	status.Checks = make(map[string]CheckResult, len(checks))
	for i, c := range checks {
		res := results[i]
		status.Checks[c.name] = res
		if res.Status == "ok" {
			continue
		}
		if h.logger != nil {
			h.logger.Warn("readiness check failed",
				slog.String("check", c.name),
				slog.Bool("optional", c.optional),
				slog.String("error", res.Message),
			)
		}
		switch {
		case !c.optional:
			status.Status = StatusUnavailable
		case status.Status == StatusOK:
			status.Status = StatusDegraded
		}
	}
	return status
}
