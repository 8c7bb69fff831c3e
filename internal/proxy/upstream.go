package proxy

import (
	"net"

	"github.com/chimera-pool/chimera-proxy-core/internal/logging"
	"github.com/chimera-pool/chimera-proxy-core/internal/stratum"
)

// connectPool dials a pool, registers the connection, flushes any queued
// outbound lines in FIFO order, and bootstraps. Returns the connection for
// the caller's reader loop.
func (s *Session) connectPool(p PoolID, reconnect bool) (net.Conn, error) {
	st := s.pools[p]
	s.log.Event("pool_connecting", logging.Fields{
		"sid": s.id, "pool": p, "name": st.cfg.Name, "addr": st.cfg.Addr(),
	})

	d := net.Dialer{Timeout: connectTimeout}
	conn, err := d.DialContext(s.ctx, "tcp", st.cfg.Addr())
	if err != nil {
		return nil, err
	}
	s.met.UpstreamConnections.WithLabelValues(string(p)).Inc()
	s.log.Event("pool_connected", logging.Fields{"sid": s.id, "pool": p, "addr": st.cfg.Addr()})

	s.mu.Lock()
	st.conn = conn
	queued := st.queue
	st.queue = nil
	s.mu.Unlock()

	if len(queued) > 0 {
		s.log.Event("send_upstream_flush_start", logging.Fields{"sid": s.id, "pool": p, "qlen": len(queued)})
		for _, raw := range queued {
			if err := s.writeUpstreamRaw(p, conn, raw); err != nil {
				return conn, nil // reader loop will surface the broken socket
			}
		}
		s.log.Event("send_upstream_flush_done", logging.Fields{"sid": s.id, "pool": p})
	}

	s.bootstrapPool(p, reconnect)
	return conn, nil
}

// sendUpstream encodes and writes a frame to a pool, queueing it when the
// pool is not currently connected.
func (s *Session) sendUpstream(p PoolID, f stratum.Frame) {
	raw := stratum.Encode(f)
	s.mu.Lock()
	st := s.pools[p]
	conn := st.conn
	if conn == nil {
		st.queue = append(st.queue, raw)
		qlen := len(st.queue)
		s.mu.Unlock()
		s.log.Event("send_upstream_queued", logging.Fields{"sid": s.id, "pool": p, "qlen": qlen})
		return
	}
	s.mu.Unlock()
	s.writeUpstreamRaw(p, conn, raw)
}

// writeUpstreamRaw writes one framed line to a pool connection. Writes are
// atomic per line via the per-pool write lock; failures are left for the
// reader loop to notice, which triggers the failover cycle.
func (s *Session) writeUpstreamRaw(p PoolID, conn net.Conn, raw []byte) error {
	mu := s.wrMu[p]
	mu.Lock()
	_, err := conn.Write(raw)
	mu.Unlock()
	if err != nil {
		s.log.Event("write_failed", logging.Fields{"sid": s.id, "side": p.side(), "err": err.Error()})
		return err
	}
	s.met.MessagesTx.WithLabelValues(p.side()).Inc()
	return nil
}

// bootstrapPool sends a proxy-originated mining.subscribe so the pool emits
// notify traffic the session can cache. At initial connect only the
// non-handshake pool is bootstrapped: the handshake pool gets its subscribe
// from the miner. On reconnect the miner will not replay its handshake, so
// bootstrap always runs.
func (s *Session) bootstrapPool(p PoolID, reconnect bool) {
	if !reconnect {
		handshake := electPool(s.cfg.Scheduler.PoolAWeight, s.cfg.Scheduler.PoolBWeight)
		if p == handshake {
			s.log.Event("bootstrap_skipped_handshake_pool", logging.Fields{"sid": s.id, "pool": p})
			return
		}
	} else {
		s.log.Event("bootstrap_reconnect_forced", logging.Fields{"sid": s.id, "pool": p})
	}

	s.mu.Lock()
	s.nextInternalID++
	iid := s.nextInternalID
	s.internalIDs[iid] = struct{}{}
	s.pools[p].internalSubscribeID = iid
	s.mu.Unlock()

	s.sendUpstream(p, stratum.NewRequest(iid, "mining.subscribe", []any{"chimera-proxy/1.0"}))
	s.log.Event("pool_bootstrap_subscribe_sent", logging.Fields{"sid": s.id, "pool": p, "id": iid})
}
