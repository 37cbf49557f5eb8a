package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the control plane exports. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	Admissions          *prometheus.CounterVec
	Outcomes            *prometheus.CounterVec
	RateLimited         *prometheus.CounterVec
	RiskScore           prometheus.Histogram
	RecoveryTransitions *prometheus.CounterVec
	Probes              *prometheus.CounterVec
	PoolConnections     *prometheus.GaugeVec
	TaskRestarts        *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accountgate_requests_total",
				Help: "Total HTTP requests processed by the control plane API",
			},
			[]string{"route", "method", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "accountgate_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		Admissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accountgate_admissions_total",
				Help: "Admission decisions by action kind and verdict",
			},
			[]string{"kind", "verdict"},
		),
		Outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accountgate_outcomes_total",
				Help: "Reported action outcomes by kind",
			},
			[]string{"outcome"},
		),
		RateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accountgate_rate_limited_total",
				Help: "Admissions rejected by the rate limiter, by strategy",
			},
			[]string{"strategy"},
		),
		RiskScore: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "accountgate_risk_score",
				Help:    "Distribution of computed overall risk scores",
				Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
			},
		),
		RecoveryTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accountgate_recovery_transitions_total",
				Help: "Recovery plan stage transitions",
			},
			[]string{"from", "to"},
		),
		Probes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accountgate_probes_total",
				Help: "Delivery probes by outcome",
			},
			[]string{"outcome"},
		),
		PoolConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "accountgate_pool_connections",
				Help: "Pooled backend connections by pool and state",
			},
			[]string{"pool", "state"},
		),
		TaskRestarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accountgate_task_restarts_total",
				Help: "Background task restarts after a panic or error",
			},
			[]string{"task"},
		),
	}

	reg.MustRegister(
		m.RequestsTotal, m.RequestDuration, m.Admissions, m.Outcomes, m.RateLimited,
		m.RiskScore, m.RecoveryTransitions, m.Probes, m.PoolConnections, m.TaskRestarts,
	)
	return m
}

func (m *Metrics) ObserveAdmission(kind, verdict string) {
	if m == nil {
		return
	}
	m.Admissions.WithLabelValues(kind, verdict).Inc()
}

func (m *Metrics) ObserveOutcome(outcome string) {
	if m == nil {
		return
	}
	m.Outcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveRateLimited(strategy string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(strategy).Inc()
}

func (m *Metrics) ObserveRiskScore(score float64) {
	if m == nil {
		return
	}
	m.RiskScore.Observe(score)
}

func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.RecoveryTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveProbe(outcome string) {
	if m == nil {
		return
	}
	m.Probes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetPoolConnections(pool string, size, idle, inUse int) {
	if m == nil {
		return
	}
	m.PoolConnections.WithLabelValues(pool, "total").Set(float64(size))
	m.PoolConnections.WithLabelValues(pool, "idle").Set(float64(idle))
	m.PoolConnections.WithLabelValues(pool, "in_use").Set(float64(inUse))
}

func (m *Metrics) ObserveTaskRestart(task string) {
	if m == nil {
		return
	}
	m.TaskRestarts.WithLabelValues(task).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Middleware records per-request metrics, labelled by the ServeMux pattern
// that matched the request.
func (m *Metrics) Middleware(skip map[string]struct{}) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok || m == nil {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r)

			route := r.Pattern
			if route == "" {
				route = "unknown"
			}

			code := rec.status
			if code == 0 {
				code = http.StatusOK
			}

			m.RequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
			m.RequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(code)).Inc()
		})
	}
}
