package proxy

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chimera-pool/chimera-proxy-core/internal/config"
	"github.com/chimera-pool/chimera-proxy-core/internal/logging"
	"github.com/chimera-pool/chimera-proxy-core/internal/monitoring"
	"github.com/chimera-pool/chimera-proxy-core/internal/stratum"
)

func floatPtr(v float64) *float64 { return &v }

// testConfig builds a config with both pools weighted 50/50 and a temp dir
// for the control-plane files.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Listen:  config.ListenConfig{Host: "127.0.0.1", Port: 0},
		Metrics: config.MetricsConfig{Enabled: false},
		PoolA:   config.PoolConfig{Name: "A", Host: "127.0.0.1", Port: 3334, Wallet: "walletA"},
		PoolB:   config.PoolConfig{Name: "B", Host: "127.0.0.1", Port: 3335, Wallet: "walletB"},
		Scheduler: config.SchedulerConfig{
			PoolAWeight:      50,
			PoolBWeight:      50,
			MinSwitchSeconds: 30,
			SliceSeconds:     25,
		},
		DownstreamDiff: config.DownstreamDiff{DefaultMin: floatPtr(1)},
		Dir:            t.TempDir(),
	}
}

// captureConn is a net.Conn that records writes; reads block until Close.
type captureConn struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed chan struct{}
	once   sync.Once
}

func newCaptureConn() *captureConn {
	return &captureConn{closed: make(chan struct{})}
}

func (c *captureConn) Read(b []byte) (int, error) {
	<-c.closed
	return 0, net.ErrClosed
}

func (c *captureConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(b)
}

func (c *captureConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *captureConn) LocalAddr() net.Addr                { return &net.TCPAddr{} }
func (c *captureConn) RemoteAddr() net.Addr               { return &net.TCPAddr{} }
func (c *captureConn) SetDeadline(t time.Time) error      { return nil }
func (c *captureConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *captureConn) SetWriteDeadline(t time.Time) error { return nil }

// frames decodes every line written so far.
func (c *captureConn) frames(t *testing.T) []stratum.Frame {
	t.Helper()
	c.mu.Lock()
	raw := c.buf.String()
	c.mu.Unlock()
	var out []stratum.Frame
	for _, line := range strings.Split(raw, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		f, err := stratum.Decode([]byte(line))
		require.NoError(t, err)
		out = append(out, f)
	}
	return out
}

// newTestSession builds a session with a capture miner connection and a live
// context, without running the session tasks.
func newTestSession(t *testing.T, cfg *config.Config) (*Session, *captureConn) {
	t.Helper()
	miner := newCaptureConn()
	s := NewSession("test", miner, cfg, logging.New(logging.Options{Level: "quiet"}), monitoring.New())
	s.ctx, s.cancel = context.WithCancel(context.Background())
	t.Cleanup(func() {
		s.cancel()
		miner.Close()
	})
	return s, miner
}

// fakePool is an in-process Stratum pool used by end-to-end tests.
type fakePool struct {
	t    *testing.T
	ln   net.Listener
	en1  string
	diff float64
	job  string

	mu      sync.Mutex
	submits []stratum.Frame
}

func newFakePool(t *testing.T, en1, jobID string, diff float64) *fakePool {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fp := &fakePool{t: t, ln: ln, en1: en1, diff: diff, job: jobID}
	go fp.acceptLoop()
	t.Cleanup(func() { ln.Close() })
	return fp
}

func (fp *fakePool) hostPort() (string, int) {
	addr := fp.ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func (fp *fakePool) acceptLoop() {
	for {
		conn, err := fp.ln.Accept()
		if err != nil {
			return
		}
		go fp.serve(conn)
	}
}

func (fp *fakePool) serve(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	write := func(f stratum.Frame) {
		conn.Write(stratum.Encode(f))
	}
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		f, err := stratum.Decode(line)
		if err != nil {
			continue
		}
		id, _ := f.ID()
		switch f.Method() {
		case "mining.subscribe":
			write(stratum.Frame{"id": id, "result": []any{
				[]any{[]any{"mining.notify", "sub1"}}, fp.en1, 4,
			}, "error": nil})
			write(stratum.NewNotification("mining.set_difficulty", []any{fp.diff}))
			write(stratum.NewNotification("mining.notify", []any{
				fp.job, "prevhash", "coinb1", "coinb2", []any{},
				"20000000", "1d00ffff", "5f000000", false,
			}))
		case "mining.authorize":
			write(stratum.Frame{"id": id, "result": true, "error": nil})
		case "mining.configure":
			write(stratum.Frame{"id": id, "result": map[string]any{}, "error": nil})
		case "mining.submit":
			fp.mu.Lock()
			fp.submits = append(fp.submits, f)
			fp.mu.Unlock()
			write(stratum.Frame{"id": id, "result": true, "error": nil})
		}
	}
}

func (fp *fakePool) submitCount() int {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return len(fp.submits)
}

func (fp *fakePool) lastSubmit() (stratum.Frame, bool) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	if len(fp.submits) == 0 {
		return nil, false
	}
	return fp.submits[len(fp.submits)-1], true
}
