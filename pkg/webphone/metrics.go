package webphone

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics экспортирует счетчики слоя webphone в Prometheus.
// Все операции thread-safe.
type Metrics struct {
	SessionsActive       prometheus.Gauge
	SessionsTotal        *prometheus.CounterVec
	SessionOutcomes      *prometheus.CounterVec
	RegistrationAttempts prometheus.Counter
	RegistrationFailures *prometheus.CounterVec
	ConferenceOperations *prometheus.CounterVec
}

// NewMetrics создает и регистрирует метрики в указанном Registerer.
// Для registerer == nil используется реестр по умолчанию.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	const namespace = "webphone"

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active call sessions",
		}),
		SessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of call sessions created",
		}, []string{"direction"}),
		SessionOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_outcomes_total",
			Help:      "Call session outcomes",
		}, []string{"outcome"}),
		RegistrationAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registration_attempts_total",
			Help:      "Total number of registration attempts",
		}),
		RegistrationFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registration_failures_total",
			Help:      "Registration failures by status code",
		}, []string{"status_code"}),
		ConferenceOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conference_operations_total",
			Help:      "Conference coordinator operations by kind and result",
		}, []string{"operation", "result"}),
	}
}
