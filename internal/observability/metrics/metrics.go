package metrics

import (
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shopfront/payplus/internal/config"
)

// Sync outcome labels.
const (
	SyncOutcomeSuccessful = "successful"
	SyncOutcomeFailed     = "failed"
	SyncOutcomeSkipped    = "skipped"
)

// Metrics captures reconciliation and sync health signals.
type Metrics struct {
	reconcileOutcomes *prometheus.CounterVec
	syncOutcomes      *prometheus.CounterVec
	gatewayErrors     prometheus.Counter
	linkCollisions    prometheus.Counter
}

func New(registerer prometheus.Registerer, cfg config.Config) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = "payplus"
	}
	labels := prometheus.Labels{
		"service":     serviceName,
		"environment": cfg.Environment,
	}

	m := &Metrics{
		reconcileOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "payplus_reconcile_outcomes_total",
			Help:        "Reconciliation decisions by transaction type and acceptance.",
			ConstLabels: labels,
		}, []string{"txn_type", "accepted"}),
		syncOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "payplus_sync_orders_total",
			Help:        "Per-order sync outcomes.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		gatewayErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "payplus_gateway_errors_total",
			Help:        "Transport-level gateway failures.",
			ConstLabels: labels,
		}),
		linkCollisions: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "payplus_page_request_collisions_total",
			Help:        "Duplicate page-request ids detected at binding time.",
			ConstLabels: labels,
		}),
	}

	registerer.MustRegister(m.reconcileOutcomes, m.syncOutcomes, m.gatewayErrors, m.linkCollisions)
	return m
}

func (m *Metrics) RecordReconcile(txnType string, accepted bool) {
	if m == nil {
		return
	}
	m.reconcileOutcomes.WithLabelValues(txnType, strconv.FormatBool(accepted)).Inc()
}

func (m *Metrics) RecordSyncOutcome(outcome string) {
	if m == nil {
		return
	}
	m.syncOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordGatewayError() {
	if m == nil {
		return
	}
	m.gatewayErrors.Inc()
}

func (m *Metrics) RecordLinkCollision() {
	if m == nil {
		return
	}
	m.linkCollisions.Inc()
}
