package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ChatTurns        prometheus.Counter
	ChatFailures     prometheus.Counter
	ChunksForwarded  prometheus.Counter
	UpstreamFailures prometheus.Counter
	ActiveStreams    prometheus.Gauge
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			ChatTurns: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatrelay",
				Name:      "chat_turns_total",
				Help:      "Total chat turns accepted by the stream proxy",
			}),
			ChatFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatrelay",
				Name:      "chat_failures_total",
				Help:      "Total chat turns that ended in the failed state",
			}),
			ChunksForwarded: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatrelay",
				Name:      "chunks_forwarded_total",
				Help:      "Total streamed chunks relayed to clients",
			}),
			UpstreamFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatrelay",
				Name:      "upstream_failures_total",
				Help:      "Total upstream errors, including mid-stream aborts",
			}),
			ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "chatrelay",
				Name:      "active_streams",
				Help:      "Streams currently relaying upstream output",
			}),
		}
		prometheus.MustRegister(
			global.ChatTurns,
			global.ChatFailures,
			global.ChunksForwarded,
			global.UpstreamFailures,
			global.ActiveStreams,
		)
	})
	return global
}
