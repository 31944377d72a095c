// Package metrics exposes the Prometheus collectors the Consensus Engine
// and Recovery Controller update as they run — the observability seam
// extended past logs, grounded in the S3-filesystem reference repo's
// internal/metrics collector.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors bundles every metric the core touches.
type Collectors struct {
	registry *prometheus.Registry

	ProposalsStarted  prometheus.Counter
	ProposalsCommitted prometheus.Counter
	ProposalsAborted  *prometheus.CounterVec // reason label: "quorum_reject"|"vote_timeout"|"timeout"
	VotesCast         *prometheus.CounterVec // decision label: "accept"|"reject"
	RecoveryRounds    prometheus.Counter
	CurrentCount      prometheus.Gauge
	LastHeartbeat     prometheus.Gauge // unix seconds
}

// New registers and returns a fresh collector set for nodeID.
func New(nodeID string) *Collectors {
	registry := prometheus.NewRegistry()
	labels := prometheus.Labels{"node_id": nodeID}

	c := &Collectors{
		registry: registry,
		ProposalsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "quorum",
			Name:        "proposals_started_total",
			Help:        "Proposals this node has originated.",
			ConstLabels: labels,
		}),
		ProposalsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "quorum",
			Name:        "proposals_committed_total",
			Help:        "Proposals this node originated and committed.",
			ConstLabels: labels,
		}),
		ProposalsAborted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "quorum",
			Name:        "proposals_aborted_total",
			Help:        "Proposals this node originated and aborted, by reason.",
			ConstLabels: labels,
		}, []string{"reason"}),
		VotesCast: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "quorum",
			Name:        "votes_cast_total",
			Help:        "Votes this node has cast on peer proposals, by decision.",
			ConstLabels: labels,
		}, []string{"decision"}),
		RecoveryRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "quorum",
			Name:        "recovery_rounds_total",
			Help:        "Recovery request/collect rounds this node has run.",
			ConstLabels: labels,
		}),
		CurrentCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "quorum",
			Name:        "current_count",
			Help:        "This node's last committed count.",
			ConstLabels: labels,
		}),
		LastHeartbeat: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "quorum",
			Name:        "last_heartbeat_unixtime",
			Help:        "Unix timestamp of this node's last heartbeat.",
			ConstLabels: labels,
		}),
	}

	registry.MustRegister(
		c.ProposalsStarted,
		c.ProposalsCommitted,
		c.ProposalsAborted,
		c.VotesCast,
		c.RecoveryRounds,
		c.CurrentCount,
		c.LastHeartbeat,
	)
	return c
}

// Handler serves the collectors in Prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
