package oracle

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chimera-pool/chimera-proxy-core/internal/config"
	"github.com/chimera-pool/chimera-proxy-core/internal/control"
	"github.com/chimera-pool/chimera-proxy-core/internal/logging"
	"github.com/chimera-pool/chimera-proxy-core/internal/monitoring"
)

func oracleConfig(t *testing.T, url string, autoBalance bool) *config.Config {
	t.Helper()
	return &config.Config{
		PoolA: config.PoolConfig{Name: "A", Chain: "BTC"},
		PoolB: config.PoolConfig{Name: "B", Chain: "BCH"},
		Scheduler: config.SchedulerConfig{
			PoolAWeight:             50,
			PoolBWeight:             50,
			AutoBalance:             autoBalance,
			AutoBalanceMaxDeviation: 20,
			OracleURL:               url,
			OraclePollSeconds:       600,
		},
		Dir: t.TempDir(),
	}
}

func newTestWorker(t *testing.T, cfg *config.Config) *Worker {
	t.Helper()
	w, err := New(cfg, logging.New(logging.Options{Level: "quiet"}), monitoring.New())
	require.NoError(t, err)
	return w
}

// balancedResponse produces equal short/long hashrates on both chains, with
// the collector timestamp set to now.
func balancedResponse(now time.Time) Response {
	latest := now.Unix()
	return Response{
		OK:          true,
		TS:          now.UTC().Format(timestampLayout),
		ShortWindow: 6,
		LongWindow:  72,
		BTCDiff:     1e12,
		BTCTsLatest: latest,
		BTCTsShort:  latest - 6*600,
		BTCTsLong:   latest - 72*600,
		BCHDiff:     1e11,
		BCHTsLatest: latest,
		BCHTsShort:  latest - 6*600,
		BCHTsLong:   latest - 72*600,
	}
}

func TestNewRejectsInvalidChains(t *testing.T) {
	cfg := oracleConfig(t, "http://example.invalid", true)
	cfg.PoolB.Chain = "BTC"
	_, err := New(cfg, logging.New(logging.Options{Level: "quiet"}), monitoring.New())
	require.ErrorIs(t, err, ErrInvalidChains)
}

func TestChainToPoolMapping(t *testing.T) {
	cfg := oracleConfig(t, "http://example.invalid", true)
	w := newTestWorker(t, cfg)
	assert.Equal(t, "A", w.btcPool)
	assert.Equal(t, "B", w.bchPool)

	cfg.PoolA.Chain, cfg.PoolB.Chain = "BCH", "BTC"
	w = newTestWorker(t, cfg)
	assert.Equal(t, "B", w.btcPool)
	assert.Equal(t, "A", w.bchPool)
}

func TestHashratePair(t *testing.T) {
	// 6 blocks in 3600s: avg 600s. hashrate = diff * 2^32 / 600.
	short, long, err := hashratePair(1000, 10000, 10000-3600, 10000-43200, 6, 72)
	require.NoError(t, err)
	assert.InDelta(t, 1000*math.Pow(2, 32)/600, short, 1)
	assert.InDelta(t, 1000*math.Pow(2, 32)/600, long, 1)

	_, _, err = hashratePair(1000, 10000, 10000, 9000, 6, 72)
	require.Error(t, err, "non-positive short window elapsed")
}

func TestComputeWeightsBalanced(t *testing.T) {
	w := newTestWorker(t, oracleConfig(t, "http://example.invalid", true))
	resp := balancedResponse(time.Now())
	wA, wB, err := w.computeWeights(&resp)
	require.NoError(t, err)
	assert.Equal(t, 50, wA)
	assert.Equal(t, 50, wB)
}

func TestComputeWeightsInverseAndClamp(t *testing.T) {
	w := newTestWorker(t, oracleConfig(t, "http://example.invalid", true))
	resp := balancedResponse(time.Now())
	// BTC short window dramatically slower than baseline: hashrate dropped,
	// so BTC (pool A) must get MORE weight, clamped at 50+20.
	resp.BTCTsShort = resp.BTCTsLatest - 6*6000

	wA, wB, err := w.computeWeights(&resp)
	require.NoError(t, err)
	assert.Equal(t, 70, wA, "clamped to 50+max_deviation")
	assert.Equal(t, 30, wB)
	assert.Equal(t, 100, wA+wB)
}

func serveResponse(t *testing.T, resp func() Response) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		json.NewEncoder(rw).Encode(resp())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPollWritesOverrideInOracleMode(t *testing.T) {
	srv := serveResponse(t, func() Response { return balancedResponse(time.Now()) })
	cfg := oracleConfig(t, srv.URL, true) // auto_balance, no mode file -> oracle owns
	w := newTestWorker(t, cfg)

	require.NoError(t, w.pollOnce(context.Background()))

	ov, ok := control.ReadWeightsOverride(cfg.WeightsOverridePath())
	require.True(t, ok)
	assert.Equal(t, "oracle", ov.Source)
	assert.Equal(t, 50, ov.PoolAWeight)
}

func TestPollSkipsWriteInSliderMode(t *testing.T) {
	srv := serveResponse(t, func() Response { return balancedResponse(time.Now()) })
	cfg := oracleConfig(t, srv.URL, true)
	require.NoError(t, os.WriteFile(cfg.OracleModePath(), []byte(`{"oracle_active":false}`), 0o644))
	w := newTestWorker(t, cfg)

	require.NoError(t, w.pollOnce(context.Background()))

	_, ok := control.ReadWeightsOverride(cfg.WeightsOverridePath())
	assert.False(t, ok, "slider owns the file; oracle must not write")
}

func TestPollStaleDataIsError(t *testing.T) {
	srv := serveResponse(t, func() Response {
		return balancedResponse(time.Now().Add(-30 * time.Minute))
	})
	cfg := oracleConfig(t, srv.URL, true)
	w := newTestWorker(t, cfg)

	err := w.pollOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stale")

	_, ok := control.ReadWeightsOverride(cfg.WeightsOverridePath())
	assert.False(t, ok, "stale data leaves the override untouched")
}

func TestPollNotOKIsError(t *testing.T) {
	srv := serveResponse(t, func() Response { return Response{OK: false, Error: "db down"} })
	w := newTestWorker(t, oracleConfig(t, srv.URL, true))
	err := w.pollOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func TestFallbackAfterConsecutiveFailures(t *testing.T) {
	cfg := oracleConfig(t, "http://example.invalid", true)
	w := newTestWorker(t, cfg)

	for i := 0; i < fallbackAfter-1; i++ {
		w.handleFailure(testErr())
		_, ok := control.ReadWeightsOverride(cfg.WeightsOverridePath())
		assert.False(t, ok, "no fallback before the threshold")
	}
	w.handleFailure(testErr())

	ov, ok := control.ReadWeightsOverride(cfg.WeightsOverridePath())
	require.True(t, ok)
	assert.Equal(t, "oracle_fallback", ov.Source)
	assert.Equal(t, 50, ov.PoolAWeight)
	assert.Equal(t, 50, ov.PoolBWeight)
}

func TestNoFallbackInSliderMode(t *testing.T) {
	cfg := oracleConfig(t, "http://example.invalid", true)
	require.NoError(t, os.WriteFile(cfg.OracleModePath(), []byte(`{"oracle_active":false}`), 0o644))
	w := newTestWorker(t, cfg)

	for i := 0; i < fallbackAfter+1; i++ {
		w.handleFailure(testErr())
	}
	_, ok := control.ReadWeightsOverride(cfg.WeightsOverridePath())
	assert.False(t, ok)
}

func testErr() error { return context.DeadlineExceeded }
