// Package metrics exposes Prometheus collectors for transfers and epoch
// lifecycles, and a standalone metrics HTTP server.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ThomasWerthenbach/Repple/protocol"
)

const (
	LabelOutcome = "outcome"
	LabelPeer    = "peer"
	LabelRole    = "role"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

const (
	subsystemTransfer  = "transfer"
	subsystemLifecycle = "lifecycle"
)

// TransferMetrics is implemented by collectors observing the transfer protocol.
type TransferMetrics interface {
	TransferFinished(outcome string, bytes int, duration time.Duration)
	TransferReceived(bytes int)
	TransferRetried()
	Retransmitted()
}

// LifecycleMetrics is implemented by collectors observing lifecycle managers.
type LifecycleMetrics interface {
	EpochFinished(result protocol.EpochResult)
	StaleUpdateDropped(peer protocol.PeerID)
	CorruptUpdateDropped(peer protocol.PeerID)
}

// Collector implements TransferMetrics and LifecycleMetrics on top of a
// Prometheus registry.
type Collector struct {
	transfers      *prometheus.CounterVec
	transferBytes  prometheus.Counter
	transferTime   prometheus.Histogram
	received       prometheus.Counter
	receivedBytes  prometheus.Counter
	retries        prometheus.Counter
	retransmits    prometheus.Counter
	epochs         *prometheus.CounterVec
	stale          *prometheus.CounterVec
	corrupt        *prometheus.CounterVec
	currentEpoch   *prometheus.GaugeVec
	accuracy       *prometheus.GaugeVec
	attackSuccess  *prometheus.GaugeVec
	aggregatedSize *prometheus.GaugeVec
}

// NewCollector registers all collectors with reg under namespace.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		transfers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemTransfer,
			Name:      "sends_total",
			Help:      "number of finished outbound transfers by outcome",
		}, []string{LabelOutcome}),
		transferBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemTransfer,
			Name:      "sent_bytes_total",
			Help:      "payload bytes of successful outbound transfers",
		}),
		transferTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemTransfer,
			Name:      "send_duration_seconds",
			Help:      "duration of outbound transfers",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		received: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemTransfer,
			Name:      "received_total",
			Help:      "number of reassembled inbound transfers",
		}),
		receivedBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemTransfer,
			Name:      "received_bytes_total",
			Help:      "payload bytes of reassembled inbound transfers",
		}),
		retries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemTransfer,
			Name:      "retries_total",
			Help:      "number of logical sends retried after a failed transfer",
		}),
		retransmits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemTransfer,
			Name:      "retransmits_total",
			Help:      "number of windows retransmitted after a timeout",
		}),
		epochs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemLifecycle,
			Name:      "epochs_total",
			Help:      "number of finished epochs by outcome",
		}, []string{LabelRole, LabelOutcome}),
		stale: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemLifecycle,
			Name:      "stale_updates_total",
			Help:      "number of updates dropped because their epoch already passed",
		}, []string{LabelPeer}),
		corrupt: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemLifecycle,
			Name:      "corrupt_updates_total",
			Help:      "number of updates dropped because they could not be decoded",
		}, []string{LabelPeer}),
		currentEpoch: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemLifecycle,
			Name:      "epoch",
			Help:      "last finished epoch per peer",
		}, []string{LabelPeer}),
		accuracy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemLifecycle,
			Name:      "accuracy",
			Help:      "test accuracy after local training per peer",
		}, []string{LabelPeer}),
		attackSuccess: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemLifecycle,
			Name:      "attack_success_rate",
			Help:      "fraction of attack samples classified as the attack target per peer",
		}, []string{LabelPeer}),
		aggregatedSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemLifecycle,
			Name:      "aggregated_updates",
			Help:      "number of peer updates integrated in the last epoch per peer",
		}, []string{LabelPeer}),
	}
}

func (c *Collector) TransferFinished(outcome string, bytes int, duration time.Duration) {
	c.transfers.WithLabelValues(outcome).Inc()
	c.transferTime.Observe(duration.Seconds())
	if outcome == OutcomeSuccess {
		c.transferBytes.Add(float64(bytes))
	}
}

func (c *Collector) TransferReceived(bytes int) {
	c.received.Inc()
	c.receivedBytes.Add(float64(bytes))
}

func (c *Collector) TransferRetried() {
	c.retries.Inc()
}

func (c *Collector) Retransmitted() {
	c.retransmits.Inc()
}

func (c *Collector) EpochFinished(result protocol.EpochResult) {
	role := "honest"
	if result.Sybil {
		role = "sybil"
	}
	outcome := OutcomeSuccess
	if result.Failed() {
		outcome = OutcomeFailure
	}
	c.epochs.WithLabelValues(role, outcome).Inc()

	if result.Failed() {
		return
	}

	peer := result.Peer.String()
	c.currentEpoch.WithLabelValues(peer).Set(float64(result.Epoch))
	c.accuracy.WithLabelValues(peer).Set(result.Accuracy)
	c.aggregatedSize.WithLabelValues(peer).Set(float64(result.Aggregated))
	if result.AttackSuccess != nil {
		c.attackSuccess.WithLabelValues(peer).Set(*result.AttackSuccess)
	}
}

func (c *Collector) StaleUpdateDropped(peer protocol.PeerID) {
	c.stale.WithLabelValues(peer.String()).Inc()
}

func (c *Collector) CorruptUpdateDropped(peer protocol.PeerID) {
	c.corrupt.WithLabelValues(peer.String()).Inc()
}

// NoopCollector discards all observations.
type NoopCollector struct{}

func NewNoopCollector() *NoopCollector {
	return &NoopCollector{}
}

func (nc *NoopCollector) TransferFinished(outcome string, bytes int, duration time.Duration) {}
func (nc *NoopCollector) TransferReceived(bytes int)                                        {}
func (nc *NoopCollector) TransferRetried()                                                  {}
func (nc *NoopCollector) Retransmitted()                                                    {}
func (nc *NoopCollector) EpochFinished(result protocol.EpochResult)                         {}
func (nc *NoopCollector) StaleUpdateDropped(peer protocol.PeerID)                           {}
func (nc *NoopCollector) CorruptUpdateDropped(peer protocol.PeerID)                         {}
