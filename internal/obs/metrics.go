package obs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ConsensusRole reports each node's current role as a gauge per
	// role label, set to 1 for the active role and 0 for the others —
	// mirrors a single node's status rather than a cluster-wide count.
	ConsensusRole = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quoradb_consensus_role",
			Help: "Whether this node currently holds a given consensus role (1) or not (0)",
		},
		[]string{"node", "role"},
	)

	ConsensusTerm = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quoradb_consensus_term",
			Help: "Current consensus term",
		},
		[]string{"node"},
	)

	ConsensusCommitIndex = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quoradb_consensus_commit_index",
			Help: "Highest log index known to be committed",
		},
		[]string{"node"},
	)

	ConsensusLastApplied = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quoradb_consensus_last_applied",
			Help: "Highest log index applied to the state machine",
		},
		[]string{"node"},
	)

	ConsensusApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quoradb_consensus_apply_duration_seconds",
			Help:    "Time taken to apply a committed log entry to the state machine",
			Buckets: prometheus.DefBuckets,
		},
	)

	// MVCCConflictsTotal counts write-write conflicts detected when a
	// transaction writes a key, the signal a client's SubmitMutation caller
	// retries on.
	MVCCConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quoradb_mvcc_conflicts_total",
			Help: "Total number of write-write conflicts detected on transactional writes",
		},
	)

	MVCCTransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quoradb_mvcc_transactions_total",
			Help: "Total number of transactions by outcome",
		},
		[]string{"outcome"}, // committed, commit_error, rolled_back
	)
)

func init() {
	prometheus.MustRegister(ConsensusRole)
	prometheus.MustRegister(ConsensusTerm)
	prometheus.MustRegister(ConsensusCommitIndex)
	prometheus.MustRegister(ConsensusLastApplied)
	prometheus.MustRegister(ConsensusApplyDuration)
	prometheus.MustRegister(MVCCConflictsTotal)
	prometheus.MustRegister(MVCCTransactionsTotal)
}

// roleLabels lists every role kind's string form so SetConsensusRole can
// zero the ones the node doesn't currently hold.
var roleLabels = []string{"follower", "candidate", "leader"}

// SetConsensusRole sets node's role gauge to 1 for currentRole and 0 for
// every other role, term, and commit/applied indexes in one call — the
// per-tick update a Driver makes after each node.Status().
func SetConsensusRole(node, currentRole string, term, commitIndex, lastApplied uint64) {
	for _, role := range roleLabels {
		v := 0.0
		if role == currentRole {
			v = 1.0
		}
		ConsensusRole.WithLabelValues(node, role).Set(v)
	}
	ConsensusTerm.WithLabelValues(node).Set(float64(term))
	ConsensusCommitIndex.WithLabelValues(node).Set(float64(commitIndex))
	ConsensusLastApplied.WithLabelValues(node).Set(float64(lastApplied))
}

// Timer times a single operation against a histogram, the same shape as a
// prometheus.Timer but explicit about its zero-arg construction.
type Timer struct {
	start time.Time
}

func NewTimer() Timer { return Timer{start: time.Now()} }

func (t Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}
