package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons reported on the dropped votes counter.
const (
	DropReasonDuplicate        = "duplicate"
	DropReasonInvalidMessageID = "invalid_message_id"
	DropReasonReplay           = "replay"
)

// Analytics sources reported on the query counter.
const (
	SourceLive   = "live"
	SourceRollup = "rollup"
)

// Engine tracks engine activity. The atomic fields are always maintained; the
// Prometheus collectors are nil until Register is called. A nil *Engine is a no-op.
type Engine struct {
	VotesAccepted   atomic.Uint64
	VotesDropped    atomic.Uint64
	BatchReplays    atomic.Uint64
	StoreRetries    atomic.Uint64
	RankRebalances  atomic.Uint64
	AnalyticsServed atomic.Uint64

	votesAcceptedCounter  prometheus.Counter
	votesDroppedCounter   *prometheus.CounterVec
	batchReplaysCounter   prometheus.Counter
	storeRetriesCounter   *prometheus.CounterVec
	rankRebalancesCounter *prometheus.CounterVec
	analyticsCounter      *prometheus.CounterVec

	registerOnce sync.Once
}

// New returns an Engine with unregistered collectors.
func New() *Engine {
	return &Engine{}
}

// Register registers the collectors with registry. It is idempotent and a nil
// registry leaves the Engine counting in memory only.
func (m *Engine) Register(registry prometheus.Registerer) {
	if m == nil || registry == nil {
		return
	}

	m.registerOnce.Do(func() {
		factory := promauto.With(registry)

		m.votesAcceptedCounter = factory.NewCounter(prometheus.CounterOpts{
			Name: "civicpulse_votes_accepted_total",
			Help: "Total number of votes folded into shard counters",
		})

		m.votesDroppedCounter = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "civicpulse_votes_dropped_total",
			Help: "Total number of votes dropped by deduplication or validation",
		}, []string{"reason"})

		m.batchReplaysCounter = factory.NewCounter(prometheus.CounterOpts{
			Name: "civicpulse_vote_batch_replays_total",
			Help: "Total number of vote batches answered from an idempotency record",
		})

		m.storeRetriesCounter = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "civicpulse_store_retries_total",
			Help: "Total number of transactions re-run after store contention",
		}, []string{"operation"})

		m.rankRebalancesCounter = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "civicpulse_rank_rebalances_total",
			Help: "Total number of full-namespace rank rebalances",
		}, []string{"namespace"})

		m.analyticsCounter = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "civicpulse_analytics_queries_total",
			Help: "Total number of analytics queries by data source",
		}, []string{"source"})
	})
}

// AddAccepted records accepted votes.
func (m *Engine) AddAccepted(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.VotesAccepted.Add(uint64(count))
	if m.votesAcceptedCounter != nil {
		m.votesAcceptedCounter.Add(float64(count))
	}
}

// AddDropped records dropped votes under reason.
func (m *Engine) AddDropped(reason string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.VotesDropped.Add(uint64(count))
	if m.votesDroppedCounter != nil {
		m.votesDroppedCounter.WithLabelValues(reason).Add(float64(count))
	}
}

// IncReplay records a batch answered from its idempotency record.
func (m *Engine) IncReplay() {
	if m == nil {
		return
	}
	m.BatchReplays.Add(1)
	if m.batchReplaysCounter != nil {
		m.batchReplaysCounter.Inc()
	}
}

// IncStoreRetry records a retried transaction.
func (m *Engine) IncStoreRetry(operation string) {
	if m == nil {
		return
	}
	m.StoreRetries.Add(1)
	if m.storeRetriesCounter != nil {
		m.storeRetriesCounter.WithLabelValues(operation).Inc()
	}
}

// IncRebalance records a rank rebalance in namespace.
func (m *Engine) IncRebalance(namespace string) {
	if m == nil {
		return
	}
	m.RankRebalances.Add(1)
	if m.rankRebalancesCounter != nil {
		m.rankRebalancesCounter.WithLabelValues(namespace).Inc()
	}
}

// IncAnalytics records an analytics query answered from source.
func (m *Engine) IncAnalytics(source string) {
	if m == nil {
		return
	}
	m.AnalyticsServed.Add(1)
	if m.analyticsCounter != nil {
		m.analyticsCounter.WithLabelValues(source).Inc()
	}
}
