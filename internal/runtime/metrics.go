package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	messagesProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "streamkit_messages_total",
		Help: "Messages resolved by the acknowledgment pipeline, by terminal outcome.",
	}, []string{"routing", "outcome"})

	handlerDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "streamkit_handler_duration_seconds",
		Help:    "Handler invocation duration.",
		Buckets: prometheus.DefBuckets,
	}, []string{"routing", "handler"})

	unroutedMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "streamkit_unrouted_messages_total",
		Help: "Messages acked without any handler filter claiming them.",
	}, []string{"routing"})
)

// RegisterMetrics registers the streamkit collectors on the given registerer.
// Re-registration is tolerated so multiple services in one process share the
// collectors.
func RegisterMetrics(registerer prometheus.Registerer) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	for _, collector := range []prometheus.Collector{
		messagesProcessedTotal,
		handlerDurationSeconds,
		unroutedMessagesTotal,
	} {
		if err := registerer.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				panic(err)
			}
		}
	}
}

func observeOutcome(routing string, state AckState) {
	messagesProcessedTotal.WithLabelValues(routing, state.String()).Inc()
}

func observeUnrouted(routing string) {
	unroutedMessagesTotal.WithLabelValues(routing).Inc()
}

// MetricsMiddleware observes handler invocation duration per routing target.
func MetricsMiddleware(handlerName string) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg *StreamMessage) (any, error) {
			start := time.Now()
			result, err := next(ctx, msg)
			handlerDurationSeconds.
				WithLabelValues(msg.Routing, handlerName).
				Observe(time.Since(start).Seconds())
			return result, err
		}
	}
}

func newMetricsServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
