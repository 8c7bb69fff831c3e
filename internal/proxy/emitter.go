package proxy

import (
	"math"
	"time"

	"github.com/chimera-pool/chimera-proxy-core/internal/logging"
	"github.com/chimera-pool/chimera-proxy-core/internal/stratum"
)

// writeDown writes one frame to the miner. Notifications are sanitized
// (jsonrpc/id stripped) on the way out; several miner firmwares disconnect
// on JSON-RPC 2.0 fields.
func (s *Session) writeDown(f stratum.Frame) error {
	if f.Method() != "" {
		f = stratum.SanitizeNotification(f)
	}
	raw := stratum.Encode(f)
	s.downMu.Lock()
	_, err := s.minerConn.Write(raw)
	s.downMu.Unlock()
	if err != nil {
		s.log.Event("write_failed", logging.Fields{"sid": s.id, "side": "downstream", "err": err.Error()})
		return err
	}
	s.met.MessagesTx.WithLabelValues("downstream").Inc()
	return nil
}

// writeDownRaw forwards a pre-encoded upstream line verbatim (used for the
// handshake pool's raw subscribe response).
func (s *Session) writeDownRaw(raw []byte) error {
	s.downMu.Lock()
	_, err := s.minerConn.Write(raw)
	s.downMu.Unlock()
	if err != nil {
		return err
	}
	s.met.MessagesTx.WithLabelValues("downstream").Inc()
	return nil
}

// maybeSendExtranonce pushes a pool's extranonce context to the miner,
// applying all three suppression guards. Unnecessary mining.set_extranonce
// sends crash or reboot-loop miners that do not support the method, so
// every guard here is load-bearing.
func (s *Session) maybeSendExtranonce(p PoolID) {
	s.setupMu.Lock()
	defer s.setupMu.Unlock()
	s.sendExtranonceLocked(p)
}

func (s *Session) sendExtranonceLocked(p PoolID) {
	s.mu.Lock()
	st := s.pools[p]

	// Guard 1: the miner already holds this pool's extranonce from the raw
	// subscribe response, and no other pool's context displaced it since.
	if s.rawSubscribeForwardedPool == p && (s.lastExtranoncePool == "" || s.lastExtranoncePool == p) {
		if st.hasExtranonce {
			s.lastEn1 = st.extranonce1
			s.lastEn2Size = st.extranonce2Size
			s.hasLastExtranonce = true
			s.lastExtranoncePool = p
		}
		s.mu.Unlock()
		s.log.Event("downstream_extranonce_skip_raw_subscribe", logging.Fields{"sid": s.id, "pool": p})
		return
	}

	if !st.hasExtranonce {
		s.mu.Unlock()
		s.log.Event("downstream_extranonce_skip_no_data", logging.Fields{"sid": s.id, "pool": p})
		return
	}

	// Guard 2: a pool switch forces the send regardless of value equality.
	force := s.hasLastExtranonce && s.lastExtranoncePool != "" && s.lastExtranoncePool != p

	// Guard 3: same pool, same values -> nothing to do.
	if !force && s.hasLastExtranonce && s.lastEn1 == st.extranonce1 && s.lastEn2Size == st.extranonce2Size {
		s.mu.Unlock()
		s.log.Event("downstream_extranonce_skip_nochange", logging.Fields{"sid": s.id, "pool": p})
		return
	}

	en1, en2s := st.extranonce1, st.extranonce2Size
	s.lastEn1 = en1
	s.lastEn2Size = en2s
	s.hasLastExtranonce = true
	s.lastExtranoncePool = p
	s.mu.Unlock()

	s.writeDown(stratum.NewNotification("mining.set_extranonce", []any{en1, en2s}))
	s.log.Event("downstream_extranonce_set", logging.Fields{
		"sid": s.id, "pool": p, "extranonce1": en1, "extranonce2_size": en2s, "force": force,
	})
}

// clampedDiffLocked applies the per-pool downstream difficulty policy:
// clamp into [min, max], then ceil to an integer of at least 1. Caller must
// hold s.mu.
func (s *Session) clampedDiffLocked(p PoolID) (int, bool) {
	st := s.pools[p]
	if !st.hasDiff {
		return 0, false
	}
	v := st.latestDiff
	min, max := s.cfg.DiffBounds(string(p))
	if min != nil && v < *min {
		v = *min
	}
	if max != nil && v > *max {
		v = *max
	}
	dd := int(math.Ceil(v))
	if dd < 1 {
		dd = 1
	}
	return dd, true
}

// maybeSendDifficulty pushes the clamped integer difficulty for a pool,
// suppressing no-op resends unless forced by a switch. A pool whose
// effective weight is zero never changes downstream difficulty. Reports
// whether a set_difficulty was written.
func (s *Session) maybeSendDifficulty(p PoolID, force bool) bool {
	s.setupMu.Lock()
	defer s.setupMu.Unlock()
	return s.sendDifficultyLocked(p, force)
}

func (s *Session) sendDifficultyLocked(p PoolID, force bool) bool {
	s.mu.Lock()
	if s.effWeightLocked(p) <= 0 {
		s.mu.Unlock()
		return false
	}
	dd, ok := s.clampedDiffLocked(p)
	if !ok {
		s.mu.Unlock()
		return false
	}
	if last, sent := s.lastSentDiff[p]; !force && sent && last == dd {
		s.mu.Unlock()
		return false
	}
	s.lastSentDiff[p] = dd
	s.mu.Unlock()

	s.met.DownstreamDifficulty.Set(float64(dd))
	s.writeDown(stratum.NewNotification("mining.set_difficulty", []any{dd}))
	s.log.Event("downstream_diff_set", logging.Fields{"sid": s.id, "pool": p, "diff_sent": dd, "force": force})
	return true
}

// resendCleanNotify performs the full setup sequence for a pool:
// set_extranonce (if needed) → set_difficulty (forced) → notify with
// clean_jobs=true, then commits the forwarded-job state for submit routing.
// Used on switch, emergency failover, and post-authorize.
func (s *Session) resendCleanNotify(p PoolID, reason string) {
	s.setupMu.Lock()
	defer s.setupMu.Unlock()
	s.forwardCachedLocked(p, true, reason)
}

// forwardCachedLocked emits the cached notify for a pool with its full
// context. Caller must hold setupMu (not s.mu).
func (s *Session) forwardCachedLocked(p PoolID, forceDiff bool, reason string) bool {
	s.mu.Lock()
	st := s.pools[p]
	nf := st.notifyRaw
	jid := st.jobID
	s.mu.Unlock()

	if nf == nil {
		s.log.Event("resend_notify_skipped_no_cached", logging.Fields{"sid": s.id, "pool": p, "reason": reason})
		return false
	}

	s.sendExtranonceLocked(p)
	if s.sendDifficultyLocked(p, forceDiff) {
		// Give the miner a beat to apply the new target before the job
		// arrives; cuts "low difficulty share" bursts on retargets.
		select {
		case <-time.After(diffApplyPause):
		case <-s.ctx.Done():
			return false
		}
	}
	if err := s.writeDown(stratum.ForceCleanJobs(nf)); err != nil {
		return false
	}

	s.mu.Lock()
	s.lastForwardedPool = p
	s.lastForwardedJobID = jid
	s.jobForwarded = true
	if jid != "" {
		s.jobOwner.put(p, jid)
	}
	st.lastNotifyAt = time.Now()
	s.mu.Unlock()

	s.log.Event("resend_notify_clean", logging.Fields{"sid": s.id, "pool": p, "jobid": jid, "reason": reason})
	return true
}
