package proxy

import (
	"net"
	"time"

	"github.com/chimera-pool/chimera-proxy-core/internal/config"
	"github.com/chimera-pool/chimera-proxy-core/internal/stratum"
)

// PoolID identifies one of the two upstream pools.
type PoolID string

const (
	PoolA PoolID = "A"
	PoolB PoolID = "B"
)

// Other returns the opposite pool.
func (p PoolID) Other() PoolID {
	if p == PoolA {
		return PoolB
	}
	return PoolA
}

func (p PoolID) String() string { return string(p) }

// side is the metrics label for a pool's traffic direction.
func (p PoolID) side() string { return "upstream" + string(p) }

// poolState is the per-pool slice of a session: connection, handshake-learned
// context, job cache, and share accounting. All fields are guarded by the
// session mutex except writes to conn, which serialize through the session's
// per-pool write lock.
type poolState struct {
	cfg config.PoolConfig

	alive      bool
	failCount  int
	lastFailAt time.Time
	conn       net.Conn
	queue      [][]byte // outbound lines buffered until connected

	// Learned from the pool's subscribe response.
	extranonce1     string
	extranonce2Size int
	hasExtranonce   bool

	// Job cache: the latest notify, reforwarded on demand.
	notifyRaw    stratum.Frame
	jobID        string
	notifySeq    uint64
	lastNotifyAt time.Time

	latestDiff float64
	hasDiff    bool

	internalSubscribeID int64

	// Fingerprints of recently forwarded submits, for retry dedupe.
	fingerprints map[stratum.SubmitFingerprint]time.Time

	// Accepted-difficulty accumulator (credit-capped, decayed, rebalanced).
	acceptedDiff float64
}

func newPoolState(cfg config.PoolConfig) *poolState {
	return &poolState{
		cfg:          cfg,
		fingerprints: make(map[stratum.SubmitFingerprint]time.Time),
	}
}

// jobKey identifies a job within the ownership table.
type jobKey struct {
	pool  PoolID
	jobID string
}

// jobOwnerTable is an insertion-ordered (pool, jobid) → pool map, pruned to
// the most recent entries.
type jobOwnerTable struct {
	owners map[jobKey]PoolID
	order  []jobKey
}

func newJobOwnerTable() *jobOwnerTable {
	return &jobOwnerTable{owners: make(map[jobKey]PoolID)}
}

func (t *jobOwnerTable) put(pool PoolID, jobID string) {
	k := jobKey{pool: pool, jobID: jobID}
	if _, exists := t.owners[k]; exists {
		return
	}
	t.owners[k] = pool
	t.order = append(t.order, k)
}

// lookup finds the owner of a job id under either pool key.
func (t *jobOwnerTable) lookup(jobID string) (PoolID, bool) {
	for _, p := range []PoolID{PoolA, PoolB} {
		if owner, ok := t.owners[jobKey{pool: p, jobID: jobID}]; ok {
			return owner, true
		}
	}
	return "", false
}

func (t *jobOwnerTable) len() int { return len(t.owners) }

// prune drops the oldest entries beyond max.
func (t *jobOwnerTable) prune(max int) int {
	excess := len(t.order) - max
	if excess <= 0 {
		return 0
	}
	for _, k := range t.order[:excess] {
		delete(t.owners, k)
	}
	t.order = append([]jobKey(nil), t.order[excess:]...)
	return excess
}

// electPool picks the handshake pool from configured weights: a weight-0
// pool is never chosen; otherwise the higher weight wins, A on ties.
func electPool(wA, wB int) PoolID {
	switch {
	case wA <= 0 && wB > 0:
		return PoolB
	case wB <= 0 && wA > 0:
		return PoolA
	case wB > wA:
		return PoolB
	default:
		return PoolA
	}
}
