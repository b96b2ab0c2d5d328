// Package metrics exposes capture pipeline counters on a dedicated Prometheus
// registry. The drop gauges are the visible side of the lossy delivery policy:
// producers never wait, so every record the channel could not take is counted
// here instead.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const namespace = "usdt_capture"

var (
	// Registry is a dedicated Prometheus registry for all capture metrics.
	Registry = prometheus.NewRegistry()

	// EventsReceived counts raw records read from the delivery channel.
	EventsReceived = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Raw records read from the delivery channel",
		},
	)

	// EventsDecoded counts records that matched a known layout.
	EventsDecoded = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_decoded_total",
			Help:      "Records decoded against a known layout",
		},
	)

	// DecodeErrors counts records rejected by the decoder.
	DecodeErrors = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Records whose version or length matched no known layout",
		},
	)

	// HandlerErrors counts sink failures.
	HandlerErrors = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_errors_total",
			Help:      "Decoded events a sink failed to handle",
		},
	)

	// EventsFiltered counts events discarded by the filter expression.
	EventsFiltered = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_filtered_total",
			Help:      "Events discarded by the filter expression",
		},
		[]string{"reason"}, // rejected | error
	)

	// KernelDroppedEvents mirrors the per-CPU drop counter of the kernel channel.
	KernelDroppedEvents = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "kernel_dropped_events",
			Help:      "Records dropped in the kernel because the ring buffer was full",
		},
	)

	// RingDroppedEvents mirrors the drop counter of the user-space ring.
	RingDroppedEvents = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ring_dropped_events",
			Help:      "Records dropped by the user-space ring because it was full",
		},
	)

	// PollDuration measures each poll of the delivery channel.
	PollDuration = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Duration of one poll, wait included",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		},
	)

	// Reattachments counts re-attachments after the target image was replaced.
	Reattachments = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reattach_total",
			Help:      "Re-attachments to a replaced target image",
		},
		[]string{"outcome"}, // success | failure
	)

	// Up is a liveness gauge.
	Up = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "up",
			Help:      "1 while the capture session is running",
		},
	)
)

func init() {
	Registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	Registry.MustRegister(prometheus.NewGoCollector())
}

// ObservePoll records the duration of one poll.
func ObservePoll(start time.Time) {
	PollDuration.Observe(time.Since(start).Seconds())
}

// ObserveReattach counts one re-attachment attempt.
func ObserveReattach(err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	Reattachments.WithLabelValues(outcome).Inc()
}

// SetKernelDropped publishes the kernel drop counter.
func SetKernelDropped(n uint64) {
	KernelDroppedEvents.Set(float64(n))
}

// SetRingDropped publishes the user-space ring drop counter.
func SetRingDropped(n uint64) {
	RingDroppedEvents.Set(float64(n))
}

// SetUp toggles the liveness gauge.
func SetUp(running bool) {
	if running {
		Up.Set(1)
		return
	}
	Up.Set(0)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Serve starts the /metrics HTTP endpoint on addr and stops it when ctx is done.
func Serve(ctx context.Context, addr string, logger logrus.FieldLogger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	idleClosed := make(chan struct{})
	go func() {
		defer close(idleClosed)
		<-ctx.Done()
		_ = srv.Shutdown(context.Background()) //nolint:errcheck // Shutting down on exit
	}()

	logger.WithField("addr", addr).Info("Prometheus endpoint listening")
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		<-idleClosed
		return nil
	}
	return err
}
