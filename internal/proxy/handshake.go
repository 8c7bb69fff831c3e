package proxy

import (
	"bufio"
	"strings"

	"github.com/chimera-pool/chimera-proxy-core/internal/config"
	"github.com/chimera-pool/chimera-proxy-core/internal/logging"
	"github.com/chimera-pool/chimera-proxy-core/internal/stratum"
)

// minerLoop consumes the downstream connection and reconciles the miner's
// single handshake with the two upstream handshakes: the handshake pool's
// responses go back to the miner, the other pool's are consumed silently.
func (s *Session) minerLoop() {
	scanner := bufio.NewScanner(s.minerConn)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.met.MessagesRx.WithLabelValues("downstream").Inc()

		f, err := stratum.Decode(line)
		if err != nil {
			s.log.Event("miner_bad_json", logging.Fields{"sid": s.id, "err": err.Error()})
			continue
		}

		method := f.Method()
		if method != "" {
			s.log.Event("miner_method", logging.Fields{"sid": s.id, "method": method})
		}

		switch method {
		case "mining.configure":
			s.handleConfigure(f)
		case "mining.subscribe":
			s.handleSubscribe(f)
		case "mining.authorize":
			s.handleAuthorize(f)
		case "mining.submit":
			s.handleSubmit(f)
		default:
			// Anything else passes through to every connected upstream.
			s.mu.Lock()
			conns := map[PoolID]bool{
				PoolA: s.pools[PoolA].conn != nil,
				PoolB: s.pools[PoolB].conn != nil,
			}
			s.mu.Unlock()
			for _, p := range []PoolID{PoolA, PoolB} {
				if conns[p] {
					s.sendUpstream(p, f)
				}
			}
		}
	}
}

// handleConfigure forwards the original to the handshake pool (its reply
// reaches the miner) and a copy with an internal id to the other pool, so a
// version-rolling mask is negotiated on both sides without a duplicate
// response leaking downstream.
func (s *Session) handleConfigure(f stratum.Frame) {
	s.mu.Lock()
	hp := s.electHandshakeLocked()
	s.mu.Unlock()
	other := hp.Other()

	s.sendUpstream(hp, f)

	if s.cfg.Weight(string(other)) <= 0 {
		s.log.Event("configure_skip_zero_weight_pool", logging.Fields{"sid": s.id, "pool": other})
		return
	}
	s.mu.Lock()
	s.nextInternalID++
	iid := s.nextInternalID
	s.internalIDs[iid] = struct{}{}
	s.mu.Unlock()

	dup := f.Clone()
	dup["id"] = iid
	s.sendUpstream(other, dup)
	s.log.Event("configure_forwarded_both_pools", logging.Fields{
		"sid": s.id, "handshake": hp, "other": other, "internal_id": iid,
	})
}

// handleSubscribe records the miner's subscribe id and forwards to the
// handshake pool only; its raw response will be relayed once.
func (s *Session) handleSubscribe(f stratum.Frame) {
	id, _ := f.ID()
	s.mu.Lock()
	s.subscribeID = id
	s.hasSubscribeID = true
	hp := s.electHandshakeLocked()
	s.mu.Unlock()
	s.sendUpstream(hp, f)
}

// handleAuthorize rewrites the username per pool wallet and forwards to both
// pools (the non-handshake pool's response is filtered out by the reader).
func (s *Session) handleAuthorize(f stratum.Frame) {
	id, _ := f.ID()
	s.mu.Lock()
	s.authorizeID = id
	s.hasAuthorizeID = true
	hp := s.electHandshakeLocked()
	s.learnWorkerLocked(f)
	worker := s.worker
	s.mu.Unlock()
	other := hp.Other()

	primary := s.rewriteAuthorize(s.cfg.Pool(string(hp)), f)
	s.log.Event("authorize_rewrite", logging.Fields{
		"sid": s.id, "pool": hp, "worker": worker, "upstream_user": primary.Params()[0],
	})
	s.sendUpstream(hp, primary)

	if s.cfg.Weight(string(other)) > 0 {
		secondary := s.rewriteAuthorize(s.cfg.Pool(string(other)), f)
		s.log.Event("authorize_rewrite_other", logging.Fields{
			"sid": s.id, "pool": other, "worker": worker, "upstream_user": secondary.Params()[0],
		})
		s.sendUpstream(other, secondary)
	} else {
		s.log.Event("authorize_skip_zero_weight_pool", logging.Fields{"sid": s.id, "pool": other})
	}

	s.markReady()
	s.log.Event("miner_ready_for_jobs", logging.Fields{"sid": s.id, "worker": worker, "handshake_pool": hp})
}

// learnWorkerLocked derives the worker name from the authorize user; an
// already-known name is never clobbered by an empty one. Caller holds s.mu.
func (s *Session) learnWorkerLocked(f stratum.Frame) {
	p := f.Params()
	if len(p) == 0 {
		return
	}
	if user, ok := p[0].(string); ok && strings.TrimSpace(user) != "" {
		s.worker = stratum.WorkerName(user)
	}
}

// rewriteAuthorize builds the per-pool authorize: "<wallet>.<worker>" with
// the miner's password preserved.
func (s *Session) rewriteAuthorize(pool config.PoolConfig, f stratum.Frame) stratum.Frame {
	s.mu.Lock()
	worker := s.worker
	s.mu.Unlock()
	if worker == "" {
		worker = "worker"
	}

	pw := "x"
	if p := f.Params(); len(p) >= 2 {
		if v, ok := p[1].(string); ok {
			pw = v
		}
	}

	user := worker
	if pool.Wallet != "" {
		user = pool.Wallet + "." + worker
	}
	out := f.Clone()
	out["params"] = []any{user, pw}
	return out
}
