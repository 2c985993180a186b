package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	EventsTotal    prometheus.Counter
	CommandsTotal  prometheus.Counter
	ChatLinesTotal prometheus.Counter
	SyncedMessages prometheus.Counter
	RconCommands   prometheus.Counter
	EnqueuedJobs   prometheus.Counter
	ProcessedJobs  prometheus.Counter
	FailedJobs     prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			EventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "msmpbot",
				Name:      "onebot_events_total",
				Help:      "Total OneBot events received",
			}),
			CommandsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "msmpbot",
				Name:      "commands_total",
				Help:      "Total group commands dispatched",
			}),
			ChatLinesTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "msmpbot",
				Name:      "mc_chat_lines_total",
				Help:      "Total Minecraft chat lines parsed from the server log",
			}),
			SyncedMessages: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "msmpbot",
				Name:      "synced_messages_total",
				Help:      "Total messages relayed between QQ and Minecraft",
			}),
			RconCommands: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "msmpbot",
				Name:      "rcon_commands_total",
				Help:      "Total RCON commands executed",
			}),
			EnqueuedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "msmpbot",
				Name:      "queue_enqueued_total",
				Help:      "Total jobs enqueued to redis stream",
			}),
			ProcessedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "msmpbot",
				Name:      "queue_processed_total",
				Help:      "Total jobs successfully processed",
			}),
			FailedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "msmpbot",
				Name:      "queue_failed_total",
				Help:      "Total jobs failed during processing",
			}),
		}
		prometheus.MustRegister(
			global.EventsTotal,
			global.CommandsTotal,
			global.ChatLinesTotal,
			global.SyncedMessages,
			global.RconCommands,
			global.EnqueuedJobs,
			global.ProcessedJobs,
			global.FailedJobs,
		)
	})
	return global
}
