// Package metrics registers the Prometheus collectors exported by the bridge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Result label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

var (
	// Cache metrics
	CacheFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neakasa_cache_fetches_total",
		Help: "The total number of fetches started by time-windowed caches.",
	}, []string{"cache", "result"})
	CacheFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neakasa_cache_fallbacks_total",
		Help: "The total number of failed fetches answered with a previously fetched value.",
	}, []string{"cache"})

	// Session metrics
	Logins = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neakasa_logins_total",
		Help: "The total number of login handshakes with the cloud service.",
	}, []string{"result"})
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "neakasa_forced_reconnects_total",
		Help: "The total number of sessions replaced after an authentication or session fault.",
	})
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "neakasa_sessions_active",
		Help: "The current number of registered cloud sessions.",
	})

	// Poll metrics
	Polls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neakasa_polls_total",
		Help: "The total number of device refreshes.",
	}, []string{"device", "result"})
	PollDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "neakasa_poll_duration_seconds",
		Help:    "Time taken to refresh a device snapshot.",
		Buckets: prometheus.DefBuckets,
	}, []string{"device"})

	// Bridge metrics
	MessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neakasa_messages_published_total",
		Help: "The total number of messages published to the message broker.",
	}, []string{"kind"})
	Commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neakasa_commands_total",
		Help: "The total number of property writes and service invocations sent to devices.",
	}, []string{"kind", "result"})
)

// Result returns the result label for err.
func Result(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}
