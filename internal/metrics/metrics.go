// Package metrics defines the Prometheus collectors shared across the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "whups"

var (
	// MessagesIngested counts processed messages by outcome (ignored, follow_up, new_ticket, error).
	MessagesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mail",
		Name:      "messages_ingested_total",
		Help:      "Inbound messages processed by the mail ingestor, by outcome.",
	}, []string{"action"})

	// MessagesIgnored counts dropped messages by filter reason.
	MessagesIgnored = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mail",
		Name:      "messages_ignored_total",
		Help:      "Inbound messages dropped before ticket processing, by reason.",
	}, []string{"reason"})

	// AttachmentsExtracted counts attachments handed to the ticket store.
	AttachmentsExtracted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mail",
		Name:      "attachments_extracted_total",
		Help:      "Attachments extracted from inbound messages.",
	})

	// PollRuns counts scheduler mailbox poll runs.
	PollRuns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "poll",
		Name:      "runs_total",
		Help:      "Mailbox poll runs started by the scheduler.",
	})

	// PollDuration observes how long a poll run took.
	PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "poll",
		Name:      "run_duration_seconds",
		Help:      "Duration of mailbox poll runs.",
		Buckets:   prometheus.DefBuckets,
	})

	// PollAccountResults counts per-mailbox poll results.
	PollAccountResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "poll",
		Name:      "account_results_total",
		Help:      "Mailbox poll results by mailbox and status.",
	}, []string{"mailbox", "status"})

	// NotificationsSent counts outbound watcher notifications.
	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "messages_total",
		Help:      "Outbound notification messages by status.",
	}, []string{"status"})

	// DirectoryCache counts identity cache lookups by result (hit, miss, error).
	DirectoryCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "identity",
		Name:      "cache_lookups_total",
		Help:      "Identity directory cache lookups by result.",
	}, []string{"result"})
)
