package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chimera-pool/chimera-proxy-core/internal/config"
	"github.com/chimera-pool/chimera-proxy-core/internal/control"
	"github.com/chimera-pool/chimera-proxy-core/internal/logging"
	"github.com/chimera-pool/chimera-proxy-core/internal/monitoring"
	"github.com/chimera-pool/chimera-proxy-core/internal/proxy"
)

func statusConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Listen: config.ListenConfig{Host: "127.0.0.1", Port: 3350},
		PoolA:  config.PoolConfig{Name: "ocean", Host: "a.example.com", Port: 3334, Chain: "BTC"},
		PoolB:  config.PoolConfig{Name: "bassin", Host: "b.example.com", Port: 3335, Chain: "BCH"},
		Scheduler: config.SchedulerConfig{
			PoolAWeight: 30,
			PoolBWeight: 70,
		},
		Dir: t.TempDir(),
	}
}

func getStatus(t *testing.T, cfg *config.Config) statusResponse {
	t.Helper()
	srv := proxy.NewServer(cfg, logging.New(logging.Options{Level: "quiet"}), monitoring.New())
	handler := NewHandler(cfg, srv)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var out statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestStatusFromConfig(t *testing.T) {
	out := getStatus(t, statusConfig(t))

	assert.Equal(t, "ocean", out.PoolA.Name)
	assert.Equal(t, "a.example.com:3334", out.PoolA.Addr)
	assert.Equal(t, "BCH", out.PoolB.Chain)
	assert.Equal(t, 30, out.Weights.ConfigPoolA)
	assert.Equal(t, 30, out.Weights.EffectivePoolA)
	assert.Equal(t, "config", out.Weights.Source)
	assert.Empty(t, out.Sessions)
}

func TestStatusReflectsOverride(t *testing.T) {
	cfg := statusConfig(t)
	require.NoError(t, control.WriteWeightsOverride(cfg.WeightsOverridePath(),
		control.WeightsOverride{PoolAWeight: 80, PoolBWeight: 20, Source: "slider"}))

	out := getStatus(t, cfg)
	assert.Equal(t, 30, out.Weights.ConfigPoolA, "config values untouched")
	assert.Equal(t, 80, out.Weights.EffectivePoolA)
	assert.Equal(t, "slider", out.Weights.Source)
}
