// Package metrics exposes the Fan-out Server's observability surface:
// counters for events broadcast, subscribers connected/pruned, and
// decode/reassembly anomalies, served over a small net/http listener the
// way nydus-snapshotter's pkg/metrics/listener.go serves its registry.
package metrics

import (
	"net/http"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const endpoint = "/metrics"

var (
	registry = prometheus.NewRegistry()

	EventsBroadcast = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fsevents",
		Name:      "events_broadcast_total",
		Help:      "Logical events broadcast to all connected subscribers.",
	})
	SubscribersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fsevents",
		Name:      "subscribers_connected",
		Help:      "Currently connected subscribers.",
	})
	SubscribersPruned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fsevents",
		Name:      "subscribers_pruned_total",
		Help:      "Subscribers removed after a broken-pipe write.",
	})
	DecodeAnomalies = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fsevents",
		Name:      "decode_anomalies_total",
		Help:      "Records dropped by the codec or reassembler.",
	})
)

func init() {
	registry.MustRegister(EventsBroadcast, SubscribersConnected, SubscribersPruned, DecodeAnomalies)
}

// Serve binds addr and serves the Prometheus registry at /metrics until
// the listener fails. Intended to run in its own goroutine; a failure
// here does not threaten the fan-out server's own invariants, so callers
// typically just log it.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle(endpoint, promhttp.HandlerFor(registry, promhttp.HandlerOpts{ErrorHandling: promhttp.HTTPErrorOnError}))
	logrus.WithField("addr", addr).Info("metrics listener starting")
	if err := http.ListenAndServe(addr, mux); err != nil { //nolint:gosec
		return errors.Wrapf(err, "metrics listener on %s", addr)
	}
	return nil
}
