package toolbox

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors shared by every component of a bus.
// A nil *Metrics records nothing.
type Metrics struct {
	mu sync.Mutex

	sent     *prometheus.CounterVec
	received *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

func newCounterVec(namespace, name, help string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		},
		[]string{"subject"},
	)
}

// NewMetrics creates the collectors under namespace. They are not registered
// until Register is called.
func NewMetrics(namespace string, registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer: registerer,
		sent:       newCounterVec(namespace, "messages_sent_total", "Total number of messages published"),
		received:   newCounterVec(namespace, "messages_received_total", "Total number of messages received by sources"),
		failures:   newCounterVec(namespace, "failures_total", "Total number of failed publishes, requests and dispatches"),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "handler_duration_seconds",
				Help:      "Time spent dispatching inbound messages",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"subject"},
		),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}
	vecs := []**prometheus.CounterVec{&m.sent, &m.received, &m.failures}
	for _, vec := range vecs {
		existing, err := register(m.registerer, *vec)
		if err != nil {
			return err
		}
		*vec = existing
	}
	duration, err := register(m.registerer, m.duration)
	if err != nil {
		return err
	}
	m.duration = duration
	m.registered = true
	return nil
}

// register adopts the collector already registered under the same
// descriptor, so a second bus on one registerer counts into shared series.
func register[C prometheus.Collector](r prometheus.Registerer, c C) (C, error) {
	err := r.Register(c)
	if err == nil {
		return c, nil
	}
	var already prometheus.AlreadyRegisteredError
	if !errors.As(err, &already) {
		return c, err
	}
	existing, ok := already.ExistingCollector.(C)
	if !ok {
		return c, err
	}
	return existing, nil
}

func (m *Metrics) MessageSent(subject string) {
	if m == nil {
		return
	}
	m.sent.WithLabelValues(subject).Inc()
}

func (m *Metrics) MessageReceived(subject string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(subject).Inc()
}

func (m *Metrics) Failure(subject string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(subject).Inc()
}

func (m *Metrics) ObserveDuration(subject string, d time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(subject).Observe(d.Seconds())
}
