package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	NotificationsReceived prometheus.Counter
	DuplicatesSuppressed  prometheus.Counter
	ConversationsStarted  prometheus.Counter
	RepliesSent           prometheus.Counter
	SendFailures          prometheus.Counter
	ExtractionSuccesses   prometheus.Counter
	ExtractionFailures    prometheus.Counter
	ThreadsFailed         prometheus.Counter
	ProcessingTime        prometheus.Histogram
	ActiveThreads         prometheus.Gauge
}

// NewMetrics creates new Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		NotificationsReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "onboard_mail_agent_notifications_received",
			Help: "Total number of inbound mail notifications received",
		}),
		DuplicatesSuppressed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "onboard_mail_agent_duplicates_suppressed",
			Help: "Total number of redundant notification deliveries suppressed",
		}),
		ConversationsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "onboard_mail_agent_conversations_started",
			Help: "Total number of conversations initiated",
		}),
		RepliesSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "onboard_mail_agent_replies_sent",
			Help: "Total number of outbound replies sent",
		}),
		SendFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "onboard_mail_agent_send_failures",
			Help: "Total number of failed outbound sends",
		}),
		ExtractionSuccesses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "onboard_mail_agent_extraction_successes",
			Help: "Total number of successful profile extractions",
		}),
		ExtractionFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "onboard_mail_agent_extraction_failures",
			Help: "Total number of failed profile extractions",
		}),
		ThreadsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "onboard_mail_agent_threads_failed",
			Help: "Total number of threads moved to the failed state",
		}),
		ProcessingTime: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "onboard_mail_agent_processing_duration_seconds",
			Help:    "Time spent processing inbound notifications",
			Buckets: prometheus.DefBuckets,
		}),
		ActiveThreads: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "onboard_mail_agent_active_threads",
			Help: "Number of threads currently awaiting a reply or mid-exchange",
		}),
	}
}
