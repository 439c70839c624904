package phone

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics Prometheus метрики телефонной системы.
//
// При nil Registerer в конфигурации используется собственный реестр,
// чтобы несколько фасадов в одном процессе (и в тестах) не конфликтовали
// регистрацией коллекторов.
type metrics struct {
	registry prometheus.Registerer

	callsTotal     *prometheus.CounterVec
	callsActive    prometheus.Gauge
	callDuration   prometheus.Histogram
	callsEnded     *prometheus.CounterVec
	regAttempts    prometheus.Counter
	regState       prometheus.Gauge
	qualitySamples prometheus.Counter
}

// registrationStateValue числовое представление состояния регистрации
// для gauge: 0=unregistered, 1=registering, 2=registered, 3=failed
func registrationStateValue(s RegistrationState) float64 {
	switch s {
	case RegistrationStateRegistering:
		return 1
	case RegistrationStateRegistered:
		return 2
	case RegistrationStateFailed:
		return 3
	default:
		return 0
	}
}

// newMetrics создает и регистрирует коллекторы
func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &metrics{
		registry: reg,

		callsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "phone",
			Subsystem: "calls",
			Name:      "total",
			Help:      "Total number of calls created",
		}, []string{"direction"}),

		callsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "phone",
			Subsystem: "calls",
			Name:      "active",
			Help:      "Number of currently active calls",
		}),

		callDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "phone",
			Subsystem: "calls",
			Name:      "duration_seconds",
			Help:      "Call duration from initiation to termination",
			Buckets:   []float64{1, 5, 15, 30, 60, 180, 600, 1800, 3600},
		}),

		callsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "phone",
			Subsystem: "calls",
			Name:      "ended_total",
			Help:      "Total number of terminated calls by reason",
		}, []string{"reason"}),

		regAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "phone",
			Subsystem: "registration",
			Name:      "attempts_total",
			Help:      "Total number of registration attempts",
		}),

		regState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "phone",
			Subsystem: "registration",
			Name:      "state",
			Help:      "Registration state (0=unregistered, 1=registering, 2=registered, 3=failed)",
		}),

		qualitySamples: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "phone",
			Subsystem: "quality",
			Name:      "samples_total",
			Help:      "Total number of collected call quality samples",
		}),
	}
}

func (m *metrics) callStarted(direction Direction) {
	m.callsTotal.WithLabelValues(string(direction)).Inc()
}

func (m *metrics) callEnded(snap CallSession, reason EndReason) {
	m.callDuration.Observe(snap.Duration.Seconds())
	m.callsEnded.WithLabelValues(string(reason)).Inc()
}

func (m *metrics) setActiveCalls(n int) {
	m.callsActive.Set(float64(n))
}

func (m *metrics) registrationAttempt() {
	m.regAttempts.Inc()
}

func (m *metrics) setRegistrationState(s RegistrationState) {
	m.regState.Set(registrationStateValue(s))
}

func (m *metrics) qualitySample() {
	m.qualitySamples.Inc()
}
