// Package metrics exposes the collector's Prometheus counters:
//
//	tickflow_ticks_total{symbol}
//	tickflow_unknown_ticks_total
//	tickflow_rows_written_total{symbol}
//	tickflow_flush_errors_total{symbol}
//	tickflow_buffered_ticks{symbol}
//	tickflow_snapshots_total
//	tickflow_publishes_total{result}
//	tickflow_feed_reconnects_total
//	tickflow_feed_channel_length
//	tickflow_session_state{state}
//
// plus go_* and process_* collectors, served on /metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tickflow/logger"
)

var (
	registry = prometheus.NewRegistry()
	factory  = promauto.With(registry)

	ticksTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "tickflow_ticks_total",
		Help: "Ticks accepted into a token buffer",
	}, []string{"symbol"})
	unknownTicks = factory.NewCounter(prometheus.CounterOpts{
		Name: "tickflow_unknown_ticks_total",
		Help: "Feed records for tokens outside the watchlist",
	})
	rowsWritten = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "tickflow_rows_written_total",
		Help: "Tick rows appended to CSV",
	}, []string{"symbol"})
	flushErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "tickflow_flush_errors_total",
		Help: "CSV batch appends that failed and were dropped",
	}, []string{"symbol"})
	bufferedTicks = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tickflow_buffered_ticks",
		Help: "Ticks currently held in the in-memory window",
	}, []string{"symbol"})
	snapshots = factory.NewCounter(prometheus.CounterOpts{
		Name: "tickflow_snapshots_total",
		Help: "Snapshot documents written",
	})
	publishes = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "tickflow_publishes_total",
		Help: "Publish attempts by result",
	}, []string{"result"})
	feedReconnects = factory.NewCounter(prometheus.CounterOpts{
		Name: "tickflow_feed_reconnects_total",
		Help: "Feed reconnects after a mid-stream failure",
	})
	feedChannelLength = factory.NewGauge(prometheus.GaugeOpts{
		Name: "tickflow_feed_channel_length",
		Help: "Raw tick batches waiting for the ingestor",
	})
	sessionState = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tickflow_session_state",
		Help: "1 for the current session state, 0 otherwise",
	}, []string{"state"})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Publish results.
const (
	PublishCommitted = "committed"
	PublishUnchanged = "unchanged"
	PublishFailed    = "failed"
)

func IncrementTicks(symbol string, n int) {
	ticksTotal.WithLabelValues(symbol).Add(float64(n))
}

func IncrementUnknown(n int) {
	unknownTicks.Add(float64(n))
}

func IncrementRowsWritten(symbol string, n int) {
	rowsWritten.WithLabelValues(symbol).Add(float64(n))
}

func IncrementFlushError(symbol string) {
	flushErrors.WithLabelValues(symbol).Inc()
}

func SetBuffered(symbol string, n int) {
	bufferedTicks.WithLabelValues(symbol).Set(float64(n))
}

func IncrementSnapshot() {
	snapshots.Inc()
}

func IncrementPublish(result string) {
	publishes.WithLabelValues(result).Inc()
}

func IncrementReconnect() {
	feedReconnects.Inc()
}

func SetFeedChannelLength(n int) {
	feedChannelLength.Set(float64(n))
}

// SetState marks state as the only active session state.
func SetState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		sessionState.WithLabelValues(s).Set(v)
	}
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

// Serve exposes /metrics on addr until ctx is cancelled. An empty addr
// disables the listener.
func Serve(ctx context.Context, addr string) {
	if addr == "" {
		return
	}
	log := logger.GetLogger().WithComponent("metrics")

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		log.WithField("addr", addr).Info("metrics endpoint listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server failed")
		}
	}()
}

// WatchChannel samples the length of ch every interval until ctx is done.
func WatchChannel[T any](ctx context.Context, ch <-chan T, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				SetFeedChannelLength(len(ch))
			}
		}
	}()
}
