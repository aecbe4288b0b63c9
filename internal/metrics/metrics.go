// Package metrics exposes protocol counters to Prometheus. A nil *Collectors
// is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "freelanco"

type Collectors struct {
	offers            *prometheus.CounterVec
	disputes          prometheus.Counter
	votes             *prometheus.CounterVec
	compute           *prometheus.CounterVec
	credentials       *prometheus.CounterVec
	proposals         *prometheus.CounterVec
	executions        prometheus.Counter
	reputationChanges *prometheus.CounterVec
	relayDeliveries   *prometheus.CounterVec
}

// New builds the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		offers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "offer_transitions_total", Help: "Offer state transitions by target state.",
		}, []string{"state"}),
		disputes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "disputes_raised_total", Help: "Disputes raised against approved offers.",
		}),
		votes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "votes_cast_total", Help: "Votes counted by source and support.",
		}, []string{"source", "support"}),
		compute: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "compute_fulfillments_total", Help: "Oracle fulfillments by outcome.",
		}, []string{"outcome"}),
		credentials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "credentials_minted_total", Help: "Eligibility credentials minted by tier.",
		}, []string{"tier"}),
		proposals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "proposals_created_total", Help: "Governance proposals by kind.",
		}, []string{"kind"}),
		executions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "proposals_executed_total", Help: "Proposals executed through the timelock.",
		}),
		reputationChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "reputation_changes_total", Help: "Reputation credits and debits.",
		}, []string{"direction"}),
		relayDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "relay_deliveries_total", Help: "Event relay deliveries by sink and outcome.",
		}, []string{"sink", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(c.offers, c.disputes, c.votes, c.compute, c.credentials, c.proposals,
			c.executions, c.reputationChanges, c.relayDeliveries)
	}
	return c
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (c *Collectors) OfferTransition(state string) {
	if c == nil {
		return
	}
	c.offers.WithLabelValues(state).Inc()
}

func (c *Collectors) DisputeRaised() {
	if c == nil {
		return
	}
	c.disputes.Inc()
}

func (c *Collectors) VoteCast(source string, support int) {
	if c == nil {
		return
	}
	c.votes.WithLabelValues(source, strconv.Itoa(support)).Inc()
}

func (c *Collectors) ComputeFulfillment(outcome string) {
	if c == nil {
		return
	}
	c.compute.WithLabelValues(outcome).Inc()
}

func (c *Collectors) CredentialMinted(tier int) {
	if c == nil {
		return
	}
	c.credentials.WithLabelValues(strconv.Itoa(tier)).Inc()
}

func (c *Collectors) ProposalCreated(kind string) {
	if c == nil {
		return
	}
	c.proposals.WithLabelValues(kind).Inc()
}

func (c *Collectors) ProposalExecuted() {
	if c == nil {
		return
	}
	c.executions.Inc()
}

func (c *Collectors) ReputationChanged(direction string) {
	if c == nil {
		return
	}
	c.reputationChanges.WithLabelValues(direction).Inc()
}

func (c *Collectors) RelayDelivery(sink, outcome string) {
	if c == nil {
		return
	}
	c.relayDeliveries.WithLabelValues(sink, outcome).Inc()
}
