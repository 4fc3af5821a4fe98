package signalq

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// enqueueTotal counts enqueue calls by method and result
	// (inserted, duplicate, invalid, error).
	enqueueTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalq_enqueue_total",
		Help: "Enqueue calls by method and result",
	}, []string{"method", "result"})

	// replayTotal counts replay outcomes by method and result
	// (success, retry, dropped, unresolved).
	replayTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalq_replay_total",
		Help: "Replayed signals by method and result",
	}, []string{"method", "result"})

	// flushTotal counts attemptSync calls by outcome
	// (ran, offline, busy, load_error, save_error).
	flushTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalq_flush_total",
		Help: "Flush attempts by outcome",
	}, []string{"outcome"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signalq_queue_depth",
		Help: "Signals pending after the last queue write",
	})
)

// methodLabel bounds the method label to the replayable methods. Anything
// else, including names sent by HTTP clients, is counted as "unknown".
func methodLabel(method string) string {
	switch method {
	case MethodUpdateProfile, MethodUpdateReputation, MethodSendMessage:
		return method
	default:
		return "unknown"
	}
}
