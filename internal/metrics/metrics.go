package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_messages_submitted_total",
		Help: "Total number of messages accepted by ingress, by client.",
	}, []string{"client_cn"})
	MessagesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_messages_rejected_total",
		Help: "Total number of messages rejected by ingress, by reason.",
	}, []string{"reason"})
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_queue_depth",
		Help: "Number of messages currently queued for delivery.",
	})
	DeliveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_delivery_attempts_total",
		Help: "Total number of delivery attempts by outcome.",
	}, []string{"outcome"})
	DeliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "broker_delivery_duration_seconds",
		Help:    "Duration of a single delivery attempt.",
		Buckets: prometheus.DefBuckets,
	})
	QueueWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "broker_queue_wait_duration_seconds",
		Help:    "Time a message spent queued before a worker popped it.",
		Buckets: prometheus.DefBuckets,
	})
	MessagesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_messages_delivered_total",
		Help: "Total number of messages successfully delivered.",
	})
	MessagesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_messages_failed_total",
		Help: "Total number of messages that exhausted their retry budget.",
	})
	WorkerSlotsInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_worker_slots_in_use",
		Help: "Number of worker goroutine slots currently delivering a message.",
	})
	ReconciliationRequeues = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_reconciliation_requeues_total",
		Help: "Total number of stuck delivering messages requeued by the startup sweep.",
	})
	CertsIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_certs_issued_total",
		Help: "Total number of certificates issued by the CA, by kind.",
	}, []string{"kind"})
	CertsRevoked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_certs_revoked_total",
		Help: "Total number of certificates revoked.",
	})
)
