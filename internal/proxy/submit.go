package proxy

import (
	"sort"
	"time"

	"github.com/chimera-pool/chimera-proxy-core/internal/logging"
	"github.com/chimera-pool/chimera-proxy-core/internal/stratum"
)

// Local rejection codes sent to the miner. Code 21 mirrors the pools' own
// "job not found"; 22 and 23 are proxy-specific.
const (
	errJobNotFound     = 21
	errDuplicateShare  = 22
	errStaleExtranonce = 23
)

// handleSubmit routes one miner share to the pool that owns its job.
func (s *Session) handleSubmit(f stratum.Frame) {
	id, _ := f.ID()
	now := time.Now()

	s.mu.Lock()

	// Until a job has been forwarded in this session, any submit is stale
	// leftover from a previous connection.
	if !s.jobForwarded {
		s.mu.Unlock()
		s.log.Event("submit_dropped_no_job_yet", logging.Fields{"sid": s.id, "mid": id})
		s.writeDown(stratum.NewErrorResponse(id, errJobNotFound, "job not found"))
		return
	}

	s.met.SharesSubmitted.Inc()
	jid := stratum.JobIDFromSubmit(f)

	// Resolve the owning pool. The ownership table wins; the last forwarded
	// job is the fallback; an unknown jobid is rejected locally rather than
	// risking "job not found" churn at the pool.
	var pool PoolID
	var reason string
	switch {
	case jid == "":
		pool, reason = s.lastForwardedPool, "no_jid_fallback"
	default:
		if owner, ok := s.jobOwner.lookup(jid); ok {
			pool, reason = owner, "job_owner_map"
		} else if jid == s.lastForwardedJobID {
			pool, reason = s.lastForwardedPool, "last_forwarded_match"
		} else {
			lastJid, lastPool := s.lastForwardedJobID, s.lastForwardedPool
			s.mu.Unlock()
			s.log.Event("submit_dropped_unknown_jid", logging.Fields{
				"sid": s.id, "mid": id, "jid": jid, "last_jobid": lastJid, "last_pool": lastPool,
			})
			s.writeDown(stratum.NewErrorResponse(id, errJobNotFound, "job not found"))
			return
		}
	}
	s.log.Event("submit_route", logging.Fields{"sid": s.id, "jid": jid, "pool": pool, "reason": reason})

	// Dedupe retried submits; forwarding them upstream earns "Duplicate
	// share" rejects that count against the worker.
	st := s.pools[pool]
	fp := stratum.FingerprintFromSubmit(f)
	pruneFingerprints(st.fingerprints, now)
	if last, seen := st.fingerprints[fp]; seen && now.Sub(last) <= submitFingerprintTTL {
		s.mu.Unlock()
		s.log.Event("submit_dropped_duplicate_fp", logging.Fields{"sid": s.id, "mid": id, "jid": jid, "pool": pool})
		s.writeDown(stratum.NewErrorResponse(id, errDuplicateShare, "duplicate share"))
		return
	}
	st.fingerprints[fp] = now

	// Extranonce-context guard: shares built against the other pool's
	// extranonce would mass-reject. A short grace window after a switch lets
	// honestly in-flight shares through to their owning pool.
	if s.hasLastExtranonce && s.lastExtranoncePool != "" && s.lastExtranoncePool != pool {
		age := time.Duration(-1)
		if s.switched {
			age = now.Sub(s.lastSwitchAt)
		}
		if age >= 0 && age < switchSubmitGrace {
			s.log.Event("submit_extranonce_mismatch_grace_forward", logging.Fields{
				"sid": s.id, "mid": id, "jid": jid, "target_pool": pool,
				"last_extranonce_pool": s.lastExtranoncePool, "age_s": age.Seconds(),
			})
		} else {
			exPool := s.lastExtranoncePool
			s.mu.Unlock()
			s.log.Event("submit_dropped_extranonce_mismatch", logging.Fields{
				"sid": s.id, "mid": id, "jid": jid, "target_pool": pool, "last_extranonce_pool": exPool,
			})
			s.writeDown(stratum.NewErrorResponse(id, errStaleExtranonce, "stale extranonce context"))
			return
		}
	}

	// Liveness guard: never write to a dead pool.
	if !st.alive || st.conn == nil {
		s.mu.Unlock()
		s.log.Event("submit_dropped_pool_dead", logging.Fields{"sid": s.id, "mid": id, "jid": jid, "pool": pool})
		s.writeDown(stratum.NewErrorResponse(id, errJobNotFound, "pool unavailable"))
		return
	}

	// Username rewrite; versionbits and the rest of the params ride along.
	worker := s.worker
	if worker == "" {
		worker = "worker"
	}
	out := f.Clone()
	params := append([]any(nil), out.Params()...)
	if len(params) > 0 && st.cfg.Wallet != "" {
		params[0] = st.cfg.Wallet + "." + worker
	}
	out["params"] = params

	// Bookkeeping for the response path: owner and difficulty snapshot.
	if id != nil {
		key := idKey(id)
		s.submitOwner[key] = pool
		s.submitOrder = append(s.submitOrder, key)
		d := float64(0)
		if dd, sent := s.lastSentDiff[pool]; sent {
			d = float64(dd)
		} else if st.hasDiff {
			d = st.latestDiff
		}
		s.submitDiff[key] = d
		s.log.Event("submit_snapshot", logging.Fields{
			"sid": s.id, "mid": id, "jid": jid, "pool": pool,
			"last_downstream_diff_snapshot": d, "pool_latest_diff": st.latestDiff,
		})
	}
	conn := st.conn
	s.mu.Unlock()

	s.writeUpstreamRaw(pool, conn, stratum.Encode(out))
}

// pruneFingerprints drops expired entries and enforces the cache bound,
// evicting oldest-first.
func pruneFingerprints(m map[stratum.SubmitFingerprint]time.Time, now time.Time) {
	for fp, seen := range m {
		if now.Sub(seen) > submitFingerprintTTL {
			delete(m, fp)
		}
	}
	if len(m) <= maxFingerprints {
		return
	}
	type entry struct {
		fp   stratum.SubmitFingerprint
		seen time.Time
	}
	entries := make([]entry, 0, len(m))
	for fp, seen := range m {
		entries = append(entries, entry{fp, seen})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seen.Before(entries[j].seen) })
	for _, e := range entries[:len(entries)-maxFingerprints] {
		delete(m, e.fp)
	}
}
