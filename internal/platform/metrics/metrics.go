// Package metrics exposes Prometheus instrumentation for the queue engine.
package metrics

import (
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clinic_queue"

// Registry holds every collector of this package. It is separate from the
// global default registry so tests can scrape it in isolation.
var Registry = prometheus.NewRegistry()

var (
	ticketsEntered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tickets_entered_total",
			Help:      "Tickets issued by clinic.",
		},
		[]string{"clinic"},
	)
	ticketsCalled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tickets_called_total",
			Help:      "Tickets called to a station by clinic.",
		},
		[]string{"clinic"},
	)
	ticketsExited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tickets_exited_total",
			Help:      "Tickets completed (DONE) or cancelled by clinic and outcome.",
		},
		[]string{"clinic", "outcome"},
	)
	ticketsTimedOut = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tickets_timeout_total",
			Help:      "Tickets moved to the tail after exceeding the maximum wait.",
		},
		[]string{"clinic"},
	)
	waiting = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "waiting",
			Help:      "Entered minus exited for the current day, by clinic.",
		},
		[]string{"clinic"},
	)
	pinsIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pins_issued_total",
			Help:      "PINs issued by clinic and pool tier.",
		},
		[]string{"clinic", "tier"},
	)
	pinsExhausted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pins_exhausted_total",
			Help:      "PIN assignments refused because both pools were empty.",
		},
		[]string{"clinic"},
	)
	lockBusy = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_busy_total",
			Help:      "Lock acquisitions that found the resource held, by resource kind.",
		},
		[]string{"kind"},
	)
	routesCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routes_created_total",
			Help:      "Routes frozen by exam type.",
		},
		[]string{"exam_type"},
	)
	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Events emitted to notification sinks by type.",
		},
		[]string{"type"},
	)
	idempotentReplays = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idempotent_replays_total",
			Help:      "Requests answered from a stored idempotency record.",
		},
	)
	rateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-actor rate limiter.",
		},
	)
	sweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of a full supervisor sweep over all clinics.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		},
	)
)

var registerMetrics sync.Once

// Register all metrics.
func Register() {
	registerMetrics.Do(func() {
		Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			ticketsEntered,
			ticketsCalled,
			ticketsExited,
			ticketsTimedOut,
			waiting,
			pinsIssued,
			pinsExhausted,
			lockBusy,
			routesCreated,
			notifications,
			idempotentReplays,
			rateLimited,
			sweepDuration,
		)
	})
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}))
}

func RecordTicketEntered(clinic string) { ticketsEntered.WithLabelValues(clinic).Inc() }

func RecordTicketCalled(clinic string) { ticketsCalled.WithLabelValues(clinic).Inc() }

func RecordTicketExited(clinic, outcome string) {
	ticketsExited.WithLabelValues(clinic, outcome).Inc()
}

func RecordTicketTimedOut(clinic string) { ticketsTimedOut.WithLabelValues(clinic).Inc() }

func SetWaiting(clinic string, n uint64) { waiting.WithLabelValues(clinic).Set(float64(n)) }

func RecordPinIssued(clinic, tier string) { pinsIssued.WithLabelValues(clinic, tier).Inc() }

func RecordPinsExhausted(clinic string) { pinsExhausted.WithLabelValues(clinic).Inc() }

func RecordLockBusy(kind string) { lockBusy.WithLabelValues(kind).Inc() }

func RecordRouteCreated(examType string) { routesCreated.WithLabelValues(examType).Inc() }

func RecordNotification(eventType string) { notifications.WithLabelValues(eventType).Inc() }

func RecordIdempotentReplay() { idempotentReplays.Inc() }

func RecordRateLimited() { rateLimited.Inc() }

func ObserveSweep(seconds float64) { sweepDuration.Observe(seconds) }
