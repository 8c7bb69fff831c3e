package proxy

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/chimera-pool/chimera-proxy-core/internal/config"
	"github.com/chimera-pool/chimera-proxy-core/internal/logging"
	"github.com/chimera-pool/chimera-proxy-core/internal/monitoring"
)

const (
	// switchSubmitGrace tolerates in-flight submits for the previous pool's
	// job right after a switch: the share was honestly computed against that
	// pool's context and routes there by job ownership.
	switchSubmitGrace = 4 * time.Second

	// maxConvergeDeviation is the floor of the urgent-correction threshold.
	maxConvergeDeviation = 0.05

	schedulerTick  = 100 * time.Millisecond
	pruneInterval  = 60 * time.Second
	diffApplyPause = 250 * time.Millisecond

	connectTimeout = 15 * time.Second
	reconnectBase  = 5 * time.Second
	reconnectMax   = 60 * time.Second

	submitFingerprintTTL = 45 * time.Second
	maxFingerprints      = 512
	maxJobOwners         = 200
	maxSeenResponseIDs   = 500
	maxInternalIDs       = 50
	maxPendingSubmits    = 200

	// firstInternalID keeps proxy-originated request ids far away from any
	// id a real miner would use.
	firstInternalID = 9000000
)

// respKey dedupes upstream responses per pool.
type respKey struct {
	pool PoolID
	id   string
}

// idKey canonicalizes a JSON id value for map keys. The type prefix keeps
// the number 1 and the string "1" distinct.
func idKey(v any) string {
	return fmt.Sprintf("%T:%v", v, v)
}

// Session proxies one downstream miner across both upstream pools.
type Session struct {
	id  string
	cfg *config.Config
	log *logging.Logger
	met *monitoring.Metrics

	minerConn net.Conn
	downMu    sync.Mutex // serializes all writes to the miner

	// setupMu orders downstream setup sequences: the
	// extranonce → difficulty → notify triplet must be atomic with respect
	// to other emitters.
	setupMu sync.Mutex

	mu    sync.Mutex // guards everything below
	wrMu  map[PoolID]*sync.Mutex
	pools map[PoolID]*poolState

	worker        string
	handshakePool PoolID // "" until elected; sticky afterwards
	activePool    PoolID

	subscribeID    any
	hasSubscribeID bool
	authorizeID    any
	hasAuthorizeID bool

	rawSubscribeForwardedPool PoolID

	// Last extranonce context pushed to the miner.
	lastExtranoncePool PoolID
	lastEn1            string
	lastEn2Size        int
	hasLastExtranonce  bool

	lastSentDiff map[PoolID]int

	jobOwner           *jobOwnerTable
	lastForwardedPool  PoolID
	lastForwardedJobID string
	jobForwarded       bool

	lastSwitchAt time.Time
	switched     bool

	seenRespIDs map[respKey]struct{}

	internalIDs    map[int64]struct{}
	nextInternalID int64

	submitOwner map[string]PoolID
	submitOrder []string
	submitDiff  map[string]float64

	// Effective weights last resolved by the scheduler (dead pool → 0).
	effWA, effWB int

	ready     chan struct{}
	readyOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSession builds the per-miner state. The initial active pool mirrors the
// handshake election so early submits never misroute at lopsided weights.
func NewSession(id string, conn net.Conn, cfg *config.Config, log *logging.Logger, met *monitoring.Metrics) *Session {
	s := &Session{
		id:        id,
		cfg:       cfg,
		log:       log,
		met:       met,
		minerConn: conn,
		pools: map[PoolID]*poolState{
			PoolA: newPoolState(cfg.PoolA),
			PoolB: newPoolState(cfg.PoolB),
		},
		wrMu:           map[PoolID]*sync.Mutex{PoolA: {}, PoolB: {}},
		lastSentDiff:   make(map[PoolID]int),
		jobOwner:       newJobOwnerTable(),
		seenRespIDs:    make(map[respKey]struct{}),
		internalIDs:    make(map[int64]struct{}),
		nextInternalID: firstInternalID,
		submitOwner:    make(map[string]PoolID),
		submitDiff:     make(map[string]float64),
		effWA:          cfg.Scheduler.PoolAWeight,
		effWB:          cfg.Scheduler.PoolBWeight,
		ready:          make(chan struct{}),
	}
	s.activePool = electPool(cfg.Scheduler.PoolAWeight, cfg.Scheduler.PoolBWeight)
	return s
}

// Run drives the session's four tasks until one of them exits or the parent
// context is cancelled; the rest are torn down with it.
func (s *Session) Run(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()

	var wg sync.WaitGroup

	// Unblock all readers on cancellation by closing their sockets.
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-s.ctx.Done()
		s.minerConn.Close()
		s.mu.Lock()
		conns := []net.Conn{s.pools[PoolA].conn, s.pools[PoolB].conn}
		s.mu.Unlock()
		for _, c := range conns {
			if c != nil {
				c.Close()
			}
		}
	}()

	// Upstreams open lazily per configured weight; a weight-0 pool is never
	// dialed and its code paths stay inert.
	for _, p := range []PoolID{PoolA, PoolB} {
		if s.cfg.Weight(string(p)) <= 0 {
			s.log.Event("pool_skipped_zero_weight", logging.Fields{"sid": s.id, "pool": p})
			continue
		}
		conn, err := s.connectPool(p, false)
		if err != nil {
			// Unreachable at startup is not fatal; the reconnect wrapper
			// owns recovery.
			s.log.Event("pool_initial_connect_failed", logging.Fields{"sid": s.id, "pool": p, "err": err.Error()})
			s.mu.Lock()
			st := s.pools[p]
			st.alive = false
			st.failCount = 1
			st.lastFailAt = time.Now()
			s.mu.Unlock()
			conn = nil
		} else {
			s.mu.Lock()
			s.pools[p].alive = true
			s.mu.Unlock()
		}

		wg.Add(1)
		go func(p PoolID, conn net.Conn) {
			defer wg.Done()
			defer s.cancel()
			s.poolLoop(p, conn)
		}(p, conn)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer s.cancel()
		s.minerLoop()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer s.cancel()
		s.schedulerLoop()
	}()

	wg.Wait()
	s.close()
}

func (s *Session) close() {
	s.minerConn.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range []PoolID{PoolA, PoolB} {
		st := s.pools[p]
		if st.conn != nil {
			st.conn.Close()
			st.conn = nil
			s.met.UpstreamConnections.WithLabelValues(string(p)).Dec()
		}
	}
}

// markReady unblocks the scheduler once the miner has authorized.
func (s *Session) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// electHandshakeLocked runs the handshake-pool election once; the result is sticky
// for the session lifetime. Caller must hold s.mu.
func (s *Session) electHandshakeLocked() PoolID {
	if s.handshakePool == "" {
		s.handshakePool = electPool(s.cfg.Scheduler.PoolAWeight, s.cfg.Scheduler.PoolBWeight)
	}
	return s.handshakePool
}

// effWeightLocked returns the effective weight of a pool as of the last scheduler
// tick. Caller must hold s.mu.
func (s *Session) effWeightLocked(p PoolID) int {
	if p == PoolB {
		return s.effWB
	}
	return s.effWA
}

// Status is a read-only snapshot served by the status API.
type Status struct {
	ID            string  `json:"id"`
	Worker        string  `json:"worker"`
	HandshakePool string  `json:"handshake_pool"`
	ActivePool    string  `json:"active_pool"`
	PoolAAlive    bool    `json:"poolA_alive"`
	PoolBAlive    bool    `json:"poolB_alive"`
	AcceptedDiffA float64 `json:"accepted_difficulty_poolA"`
	AcceptedDiffB float64 `json:"accepted_difficulty_poolB"`
}

// Status snapshots the session for the dashboard.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		ID:            s.id,
		Worker:        s.worker,
		HandshakePool: string(s.handshakePool),
		ActivePool:    string(s.activePool),
		PoolAAlive:    s.pools[PoolA].alive,
		PoolBAlive:    s.pools[PoolB].alive,
		AcceptedDiffA: s.pools[PoolA].acceptedDiff,
		AcceptedDiffB: s.pools[PoolB].acceptedDiff,
	}
}
