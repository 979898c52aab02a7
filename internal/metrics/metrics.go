package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Device command metrics
	CommandsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clhost_commands_enqueued_total",
		Help: "The total number of commands accepted by a device queue",
	}, []string{"command"})

	EventsTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clhost_events_terminal_total",
		Help: "The total number of events that reached a terminal status",
	}, []string{"status"})

	CommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clhost_command_duration_ms",
		Help:    "Execution time of device commands in milliseconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10), // 10us to ~2.6s
	}, []string{"command"})

	LiveObjects = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "clhost_live_objects",
		Help: "Native objects currently alive in the driver",
	}, []string{"kind"})

	// Completion callback metrics
	CallbacksInvoked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clhost_callbacks_invoked_total",
		Help: "The total number of completion callbacks delivered to host code",
	})

	CallbackLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "clhost_callback_latency_ms",
		Help:    "Delay between an event becoming terminal and its callback starting",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	})

	CallbackContextsOutstanding = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clhost_callback_contexts_outstanding",
		Help: "Callback user contexts registered but not yet delivered",
	})

	// Pipeline metrics
	VerificationMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clhost_verification_mismatches_total",
		Help: "Results observed in completion callbacks that diverged from expected values",
	})
)
