package proxy

import (
	"net"
	"time"

	"github.com/chimera-pool/chimera-proxy-core/internal/logging"
)

// poolLoop wraps readPool in a perpetual reconnect cycle: read until the
// connection dies, mark the pool dead and clear its session-scoped state,
// back off exponentially, reconnect, bootstrap, then force the miner to
// re-handshake. Runs until the session ends.
func (s *Session) poolLoop(p PoolID, conn net.Conn) {
	for {
		if conn != nil {
			s.readPool(p, conn)
		}
		if s.ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		st := s.pools[p]
		st.alive = false
		st.lastFailAt = time.Now()
		otherAlive := s.pools[p.Other()].alive
		failCount := st.failCount
		s.mu.Unlock()
		s.clearPoolState(p)
		s.log.Event("pool_down", logging.Fields{
			"sid": s.id, "pool": p, "fail_count": failCount, "other_alive": otherAlive,
		})

		for {
			delay := reconnectDelay(failCount)
			s.log.Event("pool_reconnect_wait", logging.Fields{
				"sid": s.id, "pool": p, "delay_s": delay.Seconds(), "fail_count": failCount,
			})
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(delay):
			}

			newConn, err := s.connectPool(p, true)
			if err != nil {
				failCount++
				s.mu.Lock()
				st.failCount = failCount
				st.lastFailAt = time.Now()
				s.mu.Unlock()
				s.log.Event("pool_reconnect_failed", logging.Fields{
					"sid": s.id, "pool": p, "err": err.Error(), "fail_count": failCount,
				})
				continue
			}

			s.mu.Lock()
			st.alive = true
			st.failCount = 0
			otherAlive = s.pools[p.Other()].alive
			s.mu.Unlock()
			conn = newConn
			failCount = 0
			s.log.Event("pool_reconnected", logging.Fields{"sid": s.id, "pool": p, "other_alive": otherAlive})

			// The reconnected pool issued a new extranonce1. Neither
			// mining.set_extranonce nor client.reconnect is supported by all
			// miner firmwares; closing the miner's TCP is the one universal
			// way to make it re-handshake and pick the new context up.
			s.log.Event("miner_disconnect_for_reconnect", logging.Fields{"sid": s.id, "pool": p})
			s.minerConn.Close()
			break
		}
	}
}

// reconnectDelay is the exponential backoff schedule: 5s, 10s, 20s, 40s,
// then capped at 60s.
func reconnectDelay(failCount int) time.Duration {
	if failCount > 6 {
		failCount = 6
	}
	delay := reconnectBase * time.Duration(1<<uint(failCount))
	if delay > reconnectMax {
		delay = reconnectMax
	}
	return delay
}

// clearPoolState wipes everything scoped to a pool's dead TCP session: the
// cached job and difficulty belong to a connection that no longer exists,
// and the extranonce guards must reopen so the reconnect context reaches
// the miner.
func (s *Session) clearPoolState(p PoolID) {
	s.mu.Lock()
	st := s.pools[p]
	st.notifyRaw = nil
	st.jobID = ""
	st.latestDiff = 0
	st.hasDiff = false
	st.extranonce1 = ""
	st.extranonce2Size = 0
	st.hasExtranonce = false

	if s.lastExtranoncePool == p {
		s.lastEn1 = ""
		s.lastEn2Size = 0
		s.hasLastExtranonce = false
		s.lastExtranoncePool = ""
	}
	if s.rawSubscribeForwardedPool == p {
		s.rawSubscribeForwardedPool = ""
	}

	conn := st.conn
	st.conn = nil
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
		s.met.UpstreamConnections.WithLabelValues(string(p)).Dec()
	}
	s.log.Event("pool_state_cleared", logging.Fields{"sid": s.id, "pool": p})
}
