package anchoring

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Append outcomes used as the "outcome" label.
const (
	OutcomeOK           = "ok"
	OutcomeConflict     = "conflict"
	OutcomeVerification = "verification_failed"
	OutcomeInvalidInput = "invalid_input"
	OutcomeIOError      = "io_error"
	OutcomeInternal     = "internal"
)

// Metrics holds the engine's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	appends        *prometheus.CounterVec
	appendDuration *prometheus.HistogramVec
	reads          *prometheus.CounterVec
	lockWait       prometheus.Histogram
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, errors.New("anchoring: nil registerer")
	}

	m := &Metrics{
		appends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "anchor",
			Name:      "appends_total",
			Help:      "Append attempts by outcome.",
		}, []string{"outcome"}),
		appendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "anchor",
			Name:      "append_duration_seconds",
			Help:      "Time spent in Append, including verification and lock wait.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"outcome"}),
		reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "anchor",
			Name:      "reads_total",
			Help:      "Read-only chain queries by operation.",
		}, []string{"op"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "anchor",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for the per-identity append lock.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
	}

	for _, c := range []prometheus.Collector{m.appends, m.appendDuration, m.reads, m.lockWait} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observeAppend(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.appends.WithLabelValues(outcome).Inc()
	m.appendDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) observeRead(op string) {
	if m == nil {
		return
	}
	m.reads.WithLabelValues(op).Inc()
}

func (m *Metrics) observeLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}

func outcomeOf(err error) string {
	switch Code(err) {
	case "":
		return OutcomeOK
	case CodeConflict:
		return OutcomeConflict
	case CodeVerificationFailed:
		return OutcomeVerification
	case CodeInvalidInput:
		return OutcomeInvalidInput
	case CodeIOError:
		return OutcomeIOError
	default:
		return OutcomeInternal
	}
}
