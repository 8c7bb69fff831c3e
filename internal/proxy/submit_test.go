package proxy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chimera-pool/chimera-proxy-core/internal/stratum"
)

func submitFrame(id any, jid string) stratum.Frame {
	return stratum.Frame{
		"id":     id,
		"method": "mining.submit",
		"params": []any{"wallet.w1", jid, "00000000", "5f000000", "deadbeef"},
	}
}

// primeForSubmit marks a job as forwarded from pool p, with a live capture
// connection standing in for the pool socket.
func primeForSubmit(s *Session, p PoolID, jid string) *captureConn {
	pc := newCaptureConn()
	s.mu.Lock()
	st := s.pools[p]
	st.alive = true
	st.conn = pc
	s.jobForwarded = true
	s.lastForwardedPool = p
	s.lastForwardedJobID = jid
	s.jobOwner.put(p, jid)
	s.worker = "w1"
	s.lastSentDiff[p] = 3001
	s.mu.Unlock()
	return pc
}

func lastReject(t *testing.T, miner *captureConn) (code float64, message string) {
	t.Helper()
	frames := miner.frames(t)
	require.NotEmpty(t, frames)
	f := frames[len(frames)-1]
	require.Equal(t, false, f["result"])
	errObj, ok := f["error"].(map[string]any)
	require.True(t, ok)
	return errObj["code"].(float64), errObj["message"].(string)
}

func TestSubmitBeforeAnyJobRejected(t *testing.T) {
	s, miner := newTestSession(t, testConfig(t))
	s.handleSubmit(submitFrame(float64(10), "whatever"))
	code, msg := lastReject(t, miner)
	assert.Equal(t, 21.0, code)
	assert.Equal(t, "job not found", msg)
}

func TestSubmitRoutedByJobOwnerWithRewrite(t *testing.T) {
	s, _ := newTestSession(t, testConfig(t))
	poolConn := primeForSubmit(s, PoolA, "jidA")

	s.handleSubmit(submitFrame(float64(10), "jidA"))

	frames := poolConn.frames(t)
	require.Len(t, frames, 1)
	assert.Equal(t, "mining.submit", frames[0].Method())
	assert.Equal(t, "walletA.w1", frames[0].Params()[0])
	assert.Equal(t, "jidA", frames[0].Params()[1])

	// Bookkeeping: owner and difficulty snapshot recorded.
	s.mu.Lock()
	defer s.mu.Unlock()
	key := idKey(float64(10))
	assert.Equal(t, PoolA, s.submitOwner[key])
	assert.Equal(t, 3001.0, s.submitDiff[key])
}

func TestSubmitUnknownJobIDRejectedLocally(t *testing.T) {
	s, miner := newTestSession(t, testConfig(t))
	primeForSubmit(s, PoolA, "jidA")

	s.handleSubmit(submitFrame(float64(11), "never-forwarded"))
	code, _ := lastReject(t, miner)
	assert.Equal(t, 21.0, code)
}

func TestSubmitMissingJobIDFallsBackToLastPool(t *testing.T) {
	s, _ := newTestSession(t, testConfig(t))
	poolConn := primeForSubmit(s, PoolA, "jidA")

	f := stratum.Frame{"id": float64(12), "method": "mining.submit", "params": []any{"wallet.w1"}}
	s.handleSubmit(f)
	require.Len(t, poolConn.frames(t), 1)
}

func TestSubmitDuplicateFingerprint(t *testing.T) {
	s, miner := newTestSession(t, testConfig(t))
	poolConn := primeForSubmit(s, PoolA, "jidA")

	s.handleSubmit(submitFrame(float64(20), "jidA"))
	s.handleSubmit(submitFrame(float64(21), "jidA")) // identical share, retried id

	require.Len(t, poolConn.frames(t), 1, "exactly one upstream forward")
	code, msg := lastReject(t, miner)
	assert.Equal(t, 22.0, code)
	assert.Equal(t, "duplicate share", msg)
}

func TestSubmitStaleExtranonceContext(t *testing.T) {
	s, miner := newTestSession(t, testConfig(t))
	primeForSubmit(s, PoolA, "jidA")

	// The miner's extranonce context belongs to B, and the switch happened
	// long ago: the share cannot be valid for A.
	s.mu.Lock()
	s.hasLastExtranonce = true
	s.lastExtranoncePool = PoolB
	s.switched = true
	s.lastSwitchAt = time.Now().Add(-10 * time.Second)
	s.mu.Unlock()

	s.handleSubmit(submitFrame(float64(30), "jidA"))
	code, msg := lastReject(t, miner)
	assert.Equal(t, 23.0, code)
	assert.Equal(t, "stale extranonce context", msg)
}

func TestSubmitGraceWindowForwards(t *testing.T) {
	s, _ := newTestSession(t, testConfig(t))
	poolConn := primeForSubmit(s, PoolA, "jidA")

	// Context is B's, but the switch is fresh: in-flight share for A's job
	// still goes to A.
	s.mu.Lock()
	s.hasLastExtranonce = true
	s.lastExtranoncePool = PoolB
	s.switched = true
	s.lastSwitchAt = time.Now().Add(-1 * time.Second)
	s.mu.Unlock()

	s.handleSubmit(submitFrame(float64(31), "jidA"))
	require.Len(t, poolConn.frames(t), 1)
}

func TestSubmitToDeadPoolRejected(t *testing.T) {
	s, miner := newTestSession(t, testConfig(t))
	primeForSubmit(s, PoolA, "jidA")
	s.mu.Lock()
	s.pools[PoolA].alive = false
	s.mu.Unlock()

	s.handleSubmit(submitFrame(float64(40), "jidA"))
	code, msg := lastReject(t, miner)
	assert.Equal(t, 21.0, code)
	assert.Equal(t, "pool unavailable", msg)

	// No orphaned bookkeeping.
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Empty(t, s.submitOwner)
}

func TestSubmitPreservesVersionBits(t *testing.T) {
	s, _ := newTestSession(t, testConfig(t))
	poolConn := primeForSubmit(s, PoolB, "jidB")

	f := stratum.Frame{"id": float64(50), "method": "mining.submit", "params": []any{
		"wallet.w1", "jidB", "00000000", "5f000000", "deadbeef", "1fffe000",
	}}
	s.handleSubmit(f)

	frames := poolConn.frames(t)
	require.Len(t, frames, 1)
	p := frames[0].Params()
	require.Len(t, p, 6)
	assert.Equal(t, "walletB.w1", p[0])
	assert.Equal(t, "1fffe000", p[5])
}

func TestFingerprintCacheBounded(t *testing.T) {
	m := make(map[stratum.SubmitFingerprint]time.Time)
	now := time.Now()
	for i := 0; i < maxFingerprints+100; i++ {
		fp := stratum.SubmitFingerprint{JobID: "j", Nonce: string(rune(i))}
		// Spread timestamps so eviction order is deterministic.
		m[fp] = now.Add(time.Duration(i) * time.Millisecond)
	}
	pruneFingerprints(m, now)
	assert.LessOrEqual(t, len(m), maxFingerprints)

	// The oldest entries are the ones evicted.
	_, oldestKept := m[stratum.SubmitFingerprint{JobID: "j", Nonce: string(rune(99))}]
	assert.False(t, oldestKept)
}

func TestFingerprintTTLExpiry(t *testing.T) {
	m := map[stratum.SubmitFingerprint]time.Time{
		{JobID: "old"}: time.Now().Add(-submitFingerprintTTL - time.Second),
		{JobID: "new"}: time.Now(),
	}
	pruneFingerprints(m, time.Now())
	assert.Len(t, m, 1)
	_, ok := m[stratum.SubmitFingerprint{JobID: "new"}]
	assert.True(t, ok)
}
