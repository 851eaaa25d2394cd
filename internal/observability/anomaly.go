package observability

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jkaninda/insight/internal/config"
)

const (
	defaultAnomalyWindow = 5 * time.Minute
	defaultMinSamples    = 5
	windowBuckets        = 10
)

// OperationStats is a point-in-time view of one tracked operation.
type OperationStats struct {
	Operation string  `json:"operation"`
	Errors    int     `json:"errors"`
	Total     int     `json:"total"`
	ErrorRate float64 `json:"error_rate"`
	Anomalous bool    `json:"anomalous"`
}

// AnomalyDetector flags LLM agents and data engines whose error rate crosses
// a threshold, and agents that keep hitting their per-request cap. Alerts are
// edge-triggered: one warning when an operation turns anomalous and one info
// line when it recovers.
type AnomalyDetector struct {
	mu         sync.Mutex
	ops        map[string]*outcomeWindow
	rejections map[string]*outcomeWindow
	threshold  float64
	minSamples int
	maxRejects int
	window     time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// NewAnomalyDetector creates a detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	a := &AnomalyDetector{
		ops:        make(map[string]*outcomeWindow),
		rejections: make(map[string]*outcomeWindow),
		window:     defaultAnomalyWindow,
		minSamples: defaultMinSamples,
		now:        time.Now,
		logger:     logger,
	}
	if cfg != nil {
		a.threshold = cfg.ErrorRateThreshold
		a.maxRejects = cfg.BudgetRejections
		if cfg.WindowSeconds > 0 {
			a.window = time.Duration(cfg.WindowSeconds) * time.Second
		}
		if cfg.MinSamples > 0 {
			a.minSamples = cfg.MinSamples
		}
	}
	return a
}

// RecordError records a failed call of operation, e.g. "llm_explorateur".
func (a *AnomalyDetector) RecordError(operation string) {
	a.record(operation, true)
}

// RecordSuccess records a successful call of operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	a.record(operation, false)
}

func (a *AnomalyDetector) record(operation string, failed bool) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	w := a.windowFor(a.ops, operation)
	now := a.now()
	w.add(now, failed)

	if a.threshold <= 0 {
		return
	}
	errs, total := w.counts(now)
	rate := 0.0
	if total > 0 {
		rate = float64(errs) / float64(total)
	}
	anomalous := total >= a.minSamples && rate > a.threshold
	if anomalous == w.alerting {
		return
	}
	w.alerting = anomalous
	if a.logger == nil {
		return
	}
	if anomalous {
		a.logger.Warn("anomaly detected: high error rate",
			slog.String("operation", operation),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", a.threshold),
			slog.Int("errors", errs),
			slog.Int("total", total),
		)
	} else {
		a.logger.Info("anomaly cleared",
			slog.String("operation", operation),
			slog.Float64("error_rate", rate),
		)
	}
}

// RecordBudgetRejection records an agent call refused by its per-request cap.
func (a *AnomalyDetector) RecordBudgetRejection(agent string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	w := a.windowFor(a.rejections, agent)
	now := a.now()
	w.add(now, true)
	if a.maxRejects <= 0 {
		return
	}
	n, _ := w.counts(now)
	if n < a.maxRejects || w.alerting {
		return
	}
	w.alerting = true
	if a.logger != nil {
		a.logger.Warn("anomaly detected: agent keeps exhausting its budget",
			slog.String("agent", agent),
			slog.Int("rejections", n),
			slog.Duration("window", a.window),
		)
	}
}

// BudgetRejections returns the rejections of agent within the window.
func (a *AnomalyDetector) BudgetRejections(agent string) int {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	w, ok := a.rejections[agent]
	if !ok {
		return 0
	}
	n, _ := w.counts(a.now())
	if n < a.maxRejects {
		w.alerting = false
	}
	return n
}

// Snapshot returns the stats of every tracked operation, sorted by name.
func (a *AnomalyDetector) Snapshot() []OperationStats {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	out := make([]OperationStats, 0, len(a.ops))
	for name, w := range a.ops {
		errs, total := w.counts(now)
		st := OperationStats{Operation: name, Errors: errs, Total: total, Anomalous: w.alerting}
		if total > 0 {
			st.ErrorRate = float64(errs) / float64(total)
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Operation < out[j].Operation })
	return out
}

func (a *AnomalyDetector) windowFor(m map[string]*outcomeWindow, key string) *outcomeWindow {
	w, ok := m[key]
	if !ok {
		w = &outcomeWindow{span: a.window / windowBuckets}
		if w.span <= 0 {
			w.span = time.Second
		}
		m[key] = w
	}
	return w
}

// outcomeWindow counts outcomes in a fixed ring of time buckets, so memory
// stays constant however busy an operation is.
type outcomeWindow struct {
	span     time.Duration
	buckets  [windowBuckets]bucket
	alerting bool
}

type bucket struct {
	slot   int64
	errors int
	total  int
}

func (w *outcomeWindow) slot(t time.Time) int64 {
	return t.UnixNano() / int64(w.span)
}

func (w *outcomeWindow) add(t time.Time, failed bool) {
	s := w.slot(t)
	b := &w.buckets[s%windowBuckets]
	if b.slot != s {
		*b = bucket{slot: s}
	}
	b.total++
	if failed {
		b.errors++
	}
}

func (w *outcomeWindow) counts(t time.Time) (errs, total int) {
	oldest := w.slot(t) - windowBuckets + 1
	for _, b := range w.buckets {
		if b.slot >= oldest && b.total > 0 {
			errs += b.errors
			total += b.total
		}
	}
	return errs, total
}
