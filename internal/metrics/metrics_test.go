package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRuntimeMetrics(t *testing.T) {
	t.Run("CommandsEnqueued", func(t *testing.T) {
		before := testutil.ToFloat64(CommandsEnqueued.WithLabelValues("kernel"))
		CommandsEnqueued.WithLabelValues("kernel").Inc()
		assert.Equal(t, before+1, testutil.ToFloat64(CommandsEnqueued.WithLabelValues("kernel")))
	})

	t.Run("LiveObjects", func(t *testing.T) {
		gauge := LiveObjects.WithLabelValues("test")
		gauge.Inc()
		gauge.Inc()
		gauge.Dec()
		assert.Equal(t, float64(1), testutil.ToFloat64(gauge))
		gauge.Dec()
	})

	t.Run("CallbackContextsOutstanding", func(t *testing.T) {
		CallbackContextsOutstanding.Set(3)
		assert.Equal(t, float64(3), testutil.ToFloat64(CallbackContextsOutstanding))
		CallbackContextsOutstanding.Set(0)
	})

	t.Run("histograms", func(t *testing.T) {
		assert.NotPanics(t, func() {
			CallbackLatency.Observe(0.5)
			CommandDuration.WithLabelValues("read").Observe(1.25)
		})
	})
}

func TestMetricsRegistration(t *testing.T) {
	// Collectors are registered by promauto, so registering again must fail.
	collectors := []prometheus.Collector{
		CommandsEnqueued,
		EventsTerminal,
		CommandDuration,
		LiveObjects,
		CallbacksInvoked,
		CallbackLatency,
		CallbackContextsOutstanding,
		VerificationMismatches,
	}

	for _, c := range collectors {
		err := prometheus.Register(c)
		var already prometheus.AlreadyRegisteredError
		assert.ErrorAs(t, err, &already)
	}
}

func BenchmarkMetricsObservation(b *testing.B) {
	b.Run("IncCounter", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			CommandsEnqueued.WithLabelValues("write").Inc()
		}
	})

	b.Run("ObserveLatency", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			CallbackLatency.Observe(float64(i % 100))
		}
	})
}
