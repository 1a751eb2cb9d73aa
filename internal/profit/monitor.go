package profit

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Monitored operations.
const (
	OpOrderProfit  = "order_profit"
	OpPeriodReport = "period_report"
)

const sampleWindow = 1000

// MonitorConfig configures slow operation thresholds.
type MonitorConfig struct {
	SlowOrder  time.Duration
	SlowReport time.Duration
	Registerer prometheus.Registerer
	Logger     *slog.Logger
	Now        func() time.Time
}

// OperationStats summarises recent executions of one operation.
type OperationStats struct {
	Count       uint64        `json:"count"`
	CacheHits   uint64        `json:"cache_hits"`
	HitRate     float64       `json:"hit_rate"`
	Fallbacks   uint64        `json:"fallbacks"`
	Errors      uint64        `json:"errors"`
	AvgDuration time.Duration `json:"avg_duration"`
	P95Duration time.Duration `json:"p95_duration"`
	MaxDuration time.Duration `json:"max_duration"`
}

type opWindow struct {
	count     uint64
	hits      uint64
	fallbacks uint64
	errors    uint64
	samples   []time.Duration
	next      int
}

func (w *opWindow) add(d time.Duration) {
	if len(w.samples) < sampleWindow {
		w.samples = append(w.samples, d)
		return
	}
	w.samples[w.next] = d
	w.next = (w.next + 1) % sampleWindow
}

func (w *opWindow) stats() OperationStats {
	s := OperationStats{Count: w.count, CacheHits: w.hits, Fallbacks: w.fallbacks, Errors: w.errors}
	if w.count > 0 {
		s.HitRate = round2(float64(w.hits) / float64(w.count) * 100)
	}
	if len(w.samples) == 0 {
		return s
	}
	sorted := append([]time.Duration(nil), w.samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	s.AvgDuration = total / time.Duration(len(sorted))
	idx := (len(sorted)*95+99)/100 - 1
	if idx < 0 {
		idx = 0
	}
	s.P95Duration = sorted[idx]
	s.MaxDuration = sorted[len(sorted)-1]
	return s
}

// Monitor records duration and cache metadata of the expensive operations.
type Monitor struct {
	mu      sync.Mutex
	windows map[string]*opWindow
	slow    map[string]time.Duration
	logger  *slog.Logger
	now     func() time.Time

	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMonitor builds a monitor. A nil Registerer skips Prometheus registration.
func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.SlowOrder <= 0 {
		cfg.SlowOrder = 500 * time.Millisecond
	}
	if cfg.SlowReport <= 0 {
		cfg.SlowReport = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	m := &Monitor{
		windows: make(map[string]*opWindow),
		slow:    map[string]time.Duration{OpOrderProfit: cfg.SlowOrder, OpPeriodReport: cfg.SlowReport},
		logger:  cfg.Logger,
		now:     cfg.Now,
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "salesprofit_operations_total",
			Help: "Profit operations partitioned by operation and outcome.",
		}, []string{"operation", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "salesprofit_operation_duration_seconds",
			Help:    "Duration of profit operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}
	if cfg.Registerer != nil {
		cfg.Registerer.MustRegister(m.calls, m.duration)
	}
	return m
}

// Tracker instruments one execution.
type Tracker struct {
	monitor  *Monitor
	op       string
	start    time.Time
	hit      bool
	fallback bool
	attrs    []any
}

// Track starts tracking op.
func (m *Monitor) Track(op string, attrs ...any) *Tracker {
	if m == nil {
		return &Tracker{op: op}
	}
	return &Tracker{monitor: m, op: op, start: m.now(), attrs: attrs}
}

// CacheHit marks the execution as served from cache.
func (t *Tracker) CacheHit() { t.hit = true }

// Fallback marks the execution as answered by an estimate.
func (t *Tracker) Fallback() { t.fallback = true }

// End records the execution and returns err untouched.
func (t *Tracker) End(err error) error {
	m := t.monitor
	if m == nil {
		return err
	}
	elapsed := m.now().Sub(t.start)
	outcome := "computed"
	switch {
	case err != nil:
		outcome = "error"
	case t.hit:
		outcome = "cache_hit"
	case t.fallback:
		outcome = "fallback"
	}

	m.mu.Lock()
	w, ok := m.windows[t.op]
	if !ok {
		w = &opWindow{}
		m.windows[t.op] = w
	}
	w.count++
	if t.hit {
		w.hits++
	}
	if t.fallback {
		w.fallbacks++
	}
	if err != nil {
		w.errors++
	}
	w.add(elapsed)
	m.mu.Unlock()

	m.calls.WithLabelValues(t.op, outcome).Inc()
	m.duration.WithLabelValues(t.op).Observe(elapsed.Seconds())

	if limit := m.slow[t.op]; limit > 0 && elapsed > limit {
		attrs := append([]any{slog.String("operation", t.op), slog.Duration("elapsed", elapsed)}, t.attrs...)
		m.logger.Warn("slow profit operation", attrs...)
	}
	return err
}

// Stats returns per operation statistics.
func (m *Monitor) Stats() map[string]OperationStats {
	out := make(map[string]OperationStats)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for op, w := range m.windows {
		out[op] = w.stats()
	}
	return out
}

// Reset clears the collected statistics.
func (m *Monitor) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.windows = make(map[string]*opWindow)
	m.mu.Unlock()
}
