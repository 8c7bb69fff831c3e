package proxy

import (
	"math"
	"sort"
	"time"

	"github.com/chimera-pool/chimera-proxy-core/internal/control"
	"github.com/chimera-pool/chimera-proxy-core/internal/logging"
)

// accumulatorDecay is applied once per tick inside the switch-decision
// block. It is deliberately gentle: the weight-change rebalance handles
// slider moves, so decay only has to fade very long-term drift without
// making the minority pool's baseline volatile.
const accumulatorDecay = 0.9995

// schedulerLoop decides which pool's context is live at the miner. It runs
// once the miner has authorized and ticks every 100 ms: emergency failover
// first, then weight resolution and accumulator rebalance, then the
// hysteresis/urgency switch decision, then new-job forwarding.
func (s *Session) schedulerLoop() {
	select {
	case <-s.ready:
	case <-s.ctx.Done():
		return
	}

	s.mu.Lock()
	current := s.activePool
	s.mu.Unlock()
	s.met.SetActivePool(string(current))

	lastSentSeq := map[PoolID]uint64{}
	lastSwitch := time.Now()
	lastPrune := time.Now()
	haveEff := false
	var lastEffA, lastEffB int

	ticker := time.NewTicker(schedulerTick)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now()

		if now.Sub(lastPrune) >= pruneInterval {
			s.pruneState()
			lastPrune = now
		}

		sliceS := s.cfg.Scheduler.SliceSeconds
		if sliceS < 1 {
			sliceS = 1
		}
		minSwitch := s.cfg.Scheduler.MinSwitchSeconds
		switchedThisTick := false

		// Emergency failover: the active pool just died. Don't wait for the
		// switch timer; the miner would sit jobless until it expired.
		s.mu.Lock()
		curAlive := s.pools[current].alive
		other := current.Other()
		otherAlive := s.pools[other].alive
		otherHasJob := s.pools[other].notifyRaw != nil
		s.mu.Unlock()
		if !curAlive {
			if otherAlive && otherHasJob {
				s.log.Event("failover_emergency_switch", logging.Fields{
					"sid": s.id, "dead_pool": current, "switching_to": other,
				})
				current = other
				s.commitSwitch(current, now)
				lastSwitch = now
				switchedThisTick = true
				s.resendCleanNotify(current, "failover_emergency")
			} else if !otherAlive {
				continue // both pools dead; nothing to schedule
			}
		}

		// Resolve effective weights: override file beats config, and a dead
		// pool's weight collapses to zero.
		wA, wB, source := s.resolveWeights()

		if !haveEff || wA != lastEffA || wB != lastEffB {
			s.rebalanceAccumulators(wA, wB, source, haveEff)
			lastEffA, lastEffB = wA, wB
			haveEff = true
		}

		s.mu.Lock()
		if !s.pools[PoolA].alive {
			wA = 0
		}
		if !s.pools[PoolB].alive {
			wB = 0
		}
		s.effWA, s.effWB = wA, wB
		s.mu.Unlock()
		totW := wA + wB

		// Scale the minimum switch time by the active pool's target share:
		// at lopsided ratios a full switch interval on the minority pool
		// massively overshoots.
		activeFrac := 0.5
		if totW > 0 {
			if current == PoolA {
				activeFrac = float64(wA) / float64(totW)
			} else {
				activeFrac = float64(wB) / float64(totW)
			}
		}
		effMinSwitch := math.Max(float64(sliceS), math.Min(float64(minSwitch), float64(minSwitch)*activeFrac*2))

		if !switchedThisTick && totW > 0 && now.Sub(lastSwitch).Seconds() >= effMinSwitch {
			pick := s.decideSwitch(current, wA, wB, now.Sub(lastSwitch), float64(sliceS))

			if pick != current {
				s.mu.Lock()
				hasJob := s.pools[pick].notifyRaw != nil
				s.mu.Unlock()
				if !hasJob {
					s.log.Event("switch_skipped_no_cached_job", logging.Fields{
						"sid": s.id, "from_pool": current, "to_pool": pick,
					})
				} else {
					current = pick
					s.commitSwitch(current, now)
					lastSwitch = now
					switchedThisTick = true
					s.log.Event("pool_switched", logging.Fields{"sid": s.id, "to_pool": pick})
					s.resendCleanNotify(current, "switch")
				}
			}
		}

		// Forward a new job when the active pool's notify sequence moved.
		s.mu.Lock()
		st := s.pools[current]
		seq := st.notifySeq
		hasJob := st.notifyRaw != nil
		jid := st.jobID
		lastForwarded := s.lastForwardedPool
		s.mu.Unlock()
		if !hasJob {
			continue
		}

		if switchedThisTick {
			// resendCleanNotify already delivered this job with full context.
			lastSentSeq[current] = seq
			s.met.JobsForwarded.WithLabelValues(string(current)).Inc()
			s.log.Event("job_forwarded", logging.Fields{"sid": s.id, "pool": current, "jobid": jid, "seq": seq})
			continue
		}
		if seq > lastSentSeq[current] {
			s.met.SetActivePool(string(current))
			s.setupMu.Lock()
			forwarded := s.forwardCachedLocked(current, current != lastForwarded, "new_job")
			s.setupMu.Unlock()
			if forwarded {
				lastSentSeq[current] = seq
				s.met.JobsForwarded.WithLabelValues(string(current)).Inc()
				s.log.Event("job_forwarded", logging.Fields{"sid": s.id, "pool": current, "jobid": jid, "seq": seq})
			}
		}
	}
}

// commitSwitch records a pool switch in session state and metrics.
func (s *Session) commitSwitch(p PoolID, now time.Time) {
	s.mu.Lock()
	s.activePool = p
	s.lastSwitchAt = now
	s.switched = true
	s.mu.Unlock()
	s.met.SetActivePool(string(p))
}

// resolveWeights samples the effective weights for this tick: the override
// file (slider or oracle) when present and valid, the config otherwise.
func (s *Session) resolveWeights() (wA, wB int, source string) {
	if ov, ok := control.ReadWeightsOverride(s.cfg.WeightsOverridePath()); ok {
		src := ov.Source
		if src == "" {
			src = "override"
		}
		return ov.PoolAWeight, ov.PoolBWeight, src
	}
	return s.cfg.Scheduler.PoolAWeight, s.cfg.Scheduler.PoolBWeight, "config"
}

// rebalanceAccumulators redistributes the accepted-difficulty total to match
// a new target ratio. Resetting to zero instead would let the very first
// share create a 100%/0% deviation and trigger urgent oscillation.
func (s *Session) rebalanceAccumulators(wA, wB int, source string, logChange bool) {
	s.mu.Lock()
	oldA := s.pools[PoolA].acceptedDiff
	oldB := s.pools[PoolB].acceptedDiff
	oldTotal := oldA + oldB
	newTotal := float64(wA + wB)
	if oldTotal > 0 && newTotal > 0 {
		s.pools[PoolA].acceptedDiff = oldTotal * float64(wA) / newTotal
		s.pools[PoolB].acceptedDiff = oldTotal * float64(wB) / newTotal
	} else {
		s.pools[PoolA].acceptedDiff = 0
		s.pools[PoolB].acceptedDiff = 0
	}
	newA, newB := s.pools[PoolA].acceptedDiff, s.pools[PoolB].acceptedDiff
	s.mu.Unlock()

	if logChange {
		s.log.Event("weights_override_changed", logging.Fields{
			"sid": s.id, "wA": wA, "wB": wB, "source": source,
			"old_diffA": oldA, "old_diffB": oldB, "new_diffA": newA, "new_diffB": newB,
		})
	}
}

// decideSwitch picks the pool to run next from accepted-difficulty shares
// versus targets, with urgency and hysteresis.
func (s *Session) decideSwitch(current PoolID, wA, wB int, timeOnPool time.Duration, sliceS float64) PoolID {
	totW := float64(wA + wB)
	targetA := float64(wA) / totW
	targetB := float64(wB) / totW

	s.mu.Lock()
	s.pools[PoolA].acceptedDiff *= accumulatorDecay
	s.pools[PoolB].acceptedDiff *= accumulatorDecay
	diffA := s.pools[PoolA].acceptedDiff
	diffB := s.pools[PoolB].acceptedDiff
	s.mu.Unlock()

	shareA, shareB := targetA, targetB
	if tot := diffA + diffB; tot > 0 {
		shareA = diffA / tot
		shareB = diffB / tot
	}

	currentDeviation := shareA - targetA
	if current == PoolB {
		currentDeviation = shareB - targetB
	}

	minorityFrac := math.Min(targetA, targetB)

	// Urgency threshold scales with the minority target: at 50/50 it almost
	// never fires, at extreme ratios it tightens to the 5% floor.
	urgent := currentDeviation > math.Max(maxConvergeDeviation, minorityFrac)

	if timeOnPool.Seconds() < sliceS && !urgent {
		return current
	}

	prefer := PoolA
	reason := "behind_target"
	if shareB < targetB {
		prefer = PoolB
	}
	if wA == 0 && wB > 0 {
		prefer, reason = PoolB, "force_B_only"
	} else if wB == 0 && wA > 0 {
		prefer, reason = PoolA, "force_A_only"
	}

	// Hysteresis: a slice on the minority pool overshoots, so tiny
	// deviations hold the current pool.
	if prefer != current && !urgent && math.Abs(currentDeviation) < minorityFrac/4 {
		prefer, reason = current, "hold_current_hysteresis"
	}

	if prefer != current || urgent {
		s.log.Event("scheduler_tick", logging.Fields{
			"sid": s.id, "current": current, "pick": prefer, "reason": reason,
			"shareA": shareA, "shareB": shareB, "targetA": targetA, "targetB": targetB,
			"deviation": currentDeviation, "time_on_pool": timeOnPool.Seconds(), "urgent": urgent,
		})
	}
	return prefer
}

// pruneState trims every bounded structure; called every minute from the
// scheduler so weeks of runtime cannot leak memory.
func (s *Session) pruneState() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dropped := s.jobOwner.prune(maxJobOwners); dropped > 0 {
		s.log.Event("prune_job_owner", logging.Fields{"sid": s.id, "dropped": dropped, "remaining": s.jobOwner.len()})
	}

	// No insertion order is kept for response ids; a cleared set at worst
	// lets one duplicate response through, which miners ignore.
	if len(s.seenRespIDs) > maxSeenResponseIDs {
		cleared := len(s.seenRespIDs)
		s.seenRespIDs = make(map[respKey]struct{})
		s.log.Event("prune_seen_upstream_ids", logging.Fields{"sid": s.id, "cleared": cleared})
	}

	if len(s.internalIDs) > maxInternalIDs {
		ids := make([]int64, 0, len(s.internalIDs))
		for id := range s.internalIDs {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		toDrop := ids[:len(ids)-maxInternalIDs]
		for _, id := range toDrop {
			delete(s.internalIDs, id)
		}
		s.log.Event("prune_internal_ids", logging.Fields{"sid": s.id, "dropped": len(toDrop)})
	}

	// Orphaned submit bookkeeping accumulates when a pool never responds.
	if excess := len(s.submitOrder) - maxPendingSubmits; excess > 0 {
		for _, key := range s.submitOrder[:excess] {
			delete(s.submitOwner, key)
			delete(s.submitDiff, key)
		}
		s.submitOrder = append([]string(nil), s.submitOrder[excess:]...)
		s.log.Event("prune_submit_owner", logging.Fields{"sid": s.id, "dropped": excess, "remaining": len(s.submitOwner)})
	}
}
