package proxy

import (
	"bufio"
	"net"

	"github.com/chimera-pool/chimera-proxy-core/internal/logging"
	"github.com/chimera-pool/chimera-proxy-core/internal/stratum"
)

// readPool consumes one pool connection until EOF or error, classifying each
// inbound line. Notify and set_difficulty only update the per-pool cache:
// the scheduler owns everything the miner sees.
func (s *Session) readPool(p PoolID, conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.met.MessagesRx.WithLabelValues(p.side()).Inc()

		f, err := stratum.Decode(line)
		if err != nil {
			s.log.Event("upstream_bad_json", logging.Fields{"sid": s.id, "pool": p, "err": err.Error()})
			continue
		}
		s.handlePoolFrame(p, f, line)
	}
	if err := scanner.Err(); err != nil {
		s.log.Event("pool_reader_error", logging.Fields{"sid": s.id, "pool": p, "err": err.Error()})
	}
}

func (s *Session) handlePoolFrame(p PoolID, f stratum.Frame, raw []byte) {
	method := f.Method()

	// Response dedupe per (pool, id): a response id repeated by the same pool
	// must not reach the miner twice. Collisions between the two pools are
	// handled by the handshake-pool filter below.
	if f.IsResponse() {
		id, _ := f.ID()
		key := respKey{pool: p, id: idKey(id)}
		s.mu.Lock()
		if _, dup := s.seenRespIDs[key]; dup {
			s.mu.Unlock()
			s.log.Event("upstream_response_dup_observed", logging.Fields{"sid": s.id, "pool": p, "id": id})
			return
		}
		s.seenRespIDs[key] = struct{}{}
		s.mu.Unlock()
	}

	switch method {
	case "mining.set_difficulty":
		// Cache only; downstream difficulty is scheduler-owned.
		params := f.Params()
		if len(params) >= 1 {
			if v, ok := params[0].(float64); ok {
				s.mu.Lock()
				s.pools[p].latestDiff = v
				s.pools[p].hasDiff = true
				s.mu.Unlock()
				s.log.Event("pool_diff", logging.Fields{"sid": s.id, "pool": p, "diff": v})
			}
		}
		return

	case "mining.notify":
		s.mu.Lock()
		st := s.pools[p]
		st.notifyRaw = f
		st.jobID = stratum.JobIDFromNotify(f)
		st.notifySeq++
		seq := st.notifySeq
		jid := st.jobID
		s.mu.Unlock()
		s.log.Event("pool_notify", logging.Fields{"sid": s.id, "pool": p, "jobid": jid, "seq": seq})
		return
	}

	if f.IsResponse() {
		s.handlePoolResponse(p, f, raw)
		return
	}

	// Setup-like notifications (client.reconnect, mining.set_version_mask,
	// mining.set_extranonce) pass through from the handshake pool only.
	if method != "" {
		s.mu.Lock()
		handshake := s.handshakePool
		s.mu.Unlock()
		if p == handshake {
			s.writeDown(f)
		} else {
			s.log.Event("upstream_method_dropped", logging.Fields{"sid": s.id, "pool": p, "method": method})
		}
	}
}

func (s *Session) handlePoolResponse(p PoolID, f stratum.Frame, raw []byte) {
	id, _ := f.ID()

	// Proxy-originated bootstrap traffic: consume, never forward.
	if num, ok := id.(float64); ok {
		iid := int64(num)
		s.mu.Lock()
		_, internal := s.internalIDs[iid]
		isBootstrapSub := internal && s.pools[p].internalSubscribeID == iid
		s.mu.Unlock()
		if internal {
			if isBootstrapSub {
				if en1, en2s, ok := stratum.ExtranonceFromSubscribeResult(f); ok {
					s.mu.Lock()
					st := s.pools[p]
					st.extranonce1 = en1
					st.extranonce2Size = en2s
					st.hasExtranonce = true
					s.mu.Unlock()
					s.log.Event("pool_bootstrap_subscribe_result", logging.Fields{
						"sid": s.id, "pool": p, "extranonce1": en1, "extranonce2_size": en2s,
					})
				}
			}
			return
		}
	}

	s.mu.Lock()
	isSubscribe := s.hasSubscribeID && idKey(s.subscribeID) == idKey(id)
	isAuthorize := s.hasAuthorizeID && idKey(s.authorizeID) == idKey(id)
	handshake := s.handshakePool
	active := s.lastForwardedPool
	if active == "" {
		active = handshake
	}
	rawForwarded := s.rawSubscribeForwardedPool
	s.mu.Unlock()

	if isSubscribe {
		// Learn the pool's extranonce context from the subscribe result.
		if en1, en2s, ok := stratum.ExtranonceFromSubscribeResult(f); ok {
			s.mu.Lock()
			st := s.pools[p]
			st.extranonce1 = en1
			st.extranonce2Size = en2s
			st.hasExtranonce = true
			s.mu.Unlock()
			s.log.Event("subscribe_result", logging.Fields{
				"sid": s.id, "pool": p, "extranonce1": en1, "extranonce2_size": en2s,
			})
		}

		if p != handshake {
			s.log.Event("handshake_response_dropped", logging.Fields{"sid": s.id, "pool": p, "id": id})
			return
		}
		if rawForwarded != "" {
			// The miner already has a subscribe result; never send a second.
			s.log.Event("subscribe_id_response_skipped_duplicate", logging.Fields{"sid": s.id, "pool": p, "id": id})
			return
		}
		// Forward the handshake pool's subscribe response verbatim: the
		// extranonce rides inside it, which spares unsupported
		// mining.set_extranonce sends later.
		if active == p {
			s.writeDownRaw(append(append([]byte(nil), raw...), '\n'))
			s.mu.Lock()
			s.rawSubscribeForwardedPool = p
			s.mu.Unlock()
			s.log.Event("downstream_subscribe_forwarded_raw", logging.Fields{"sid": s.id, "pool": p})
		}
		return
	}

	if isAuthorize {
		if p != handshake {
			s.log.Event("handshake_response_dropped", logging.Fields{"sid": s.id, "pool": p, "id": id})
			return
		}
		ok := f.ResultBool()
		s.log.Event("auth_result", logging.Fields{"sid": s.id, "pool": p, "ok": ok, "error": f["error"]})
		s.writeDown(f)

		// After a positive authorize, push the initial context, unless the
		// scheduler already switched the miner onto the other pool.
		s.mu.Lock()
		switchedAway := s.lastExtranoncePool != "" && s.lastExtranoncePool != p
		s.mu.Unlock()
		if ok && !switchedAway {
			s.resendCleanNotify(p, "post_auth")
		}
		return
	}

	// Submit responses route back by ownership and settle accounting.
	key := idKey(id)
	s.mu.Lock()
	owner, owned := s.submitOwner[key]
	if owned {
		delete(s.submitOwner, key)
		d := s.submitDiff[key]
		delete(s.submitDiff, key)
		s.mu.Unlock()
		s.settleShare(owner, d, f)
		s.writeDown(f)
		return
	}
	s.mu.Unlock()

	// Anything else from the non-handshake pool would poison the miner.
	if p != handshake {
		s.log.Event("handshake_response_dropped", logging.Fields{"sid": s.id, "pool": p, "id": id})
		return
	}
	s.writeDown(f)
}

// settleShare applies a pool's verdict on a forwarded share: metrics plus,
// for accepted shares, a credit-capped addition to the scheduler's
// accepted-difficulty accumulator.
func (s *Session) settleShare(p PoolID, d float64, f stratum.Frame) {
	if !f.ResultBool() {
		s.met.SharesRejected.WithLabelValues(string(p)).Inc()
		s.log.Event("share_result", logging.Fields{"sid": s.id, "pool": p, "accepted": false, "error": f["error"]})
		return
	}

	s.met.SharesAccepted.WithLabelValues(string(p)).Inc()
	s.met.AcceptedDifficultySum.WithLabelValues(string(p)).Add(d)

	// Cap the credit so a single very-high-diff share cannot swing the
	// allocation ratio 20+ points on lopsided targets.
	s.mu.Lock()
	total := s.pools[PoolA].acceptedDiff + s.pools[PoolB].acceptedDiff
	credit := d
	if total > 0 {
		if max := total * 0.10; d > max {
			credit = max
		}
	}
	s.pools[p].acceptedDiff += credit
	s.mu.Unlock()

	s.log.Event("share_result", logging.Fields{
		"sid": s.id, "pool": p, "accepted": true, "diff": d, "credit": credit, "capped": credit != d,
	})
}
