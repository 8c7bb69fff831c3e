// Package api serves the read-only status endpoint the external dashboard
// polls. It exposes configuration, effective weights, and per-session state;
// all control-plane writes stay file-based.
package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chimera-pool/chimera-proxy-core/internal/config"
	"github.com/chimera-pool/chimera-proxy-core/internal/control"
	"github.com/chimera-pool/chimera-proxy-core/internal/proxy"
)

type poolStatus struct {
	Name  string `json:"name"`
	Addr  string `json:"addr"`
	Chain string `json:"chain,omitempty"`
}

type weightsStatus struct {
	ConfigPoolA    int    `json:"config_poolA"`
	ConfigPoolB    int    `json:"config_poolB"`
	EffectivePoolA int    `json:"effective_poolA"`
	EffectivePoolB int    `json:"effective_poolB"`
	Source         string `json:"source"`
}

type statusResponse struct {
	Listen   string         `json:"listen"`
	PoolA    poolStatus     `json:"poolA"`
	PoolB    poolStatus     `json:"poolB"`
	Weights  weightsStatus  `json:"weights"`
	Sessions []proxy.Status `json:"sessions"`
}

// NewHandler builds the status router.
func NewHandler(cfg *config.Config, srv *proxy.Server) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/api/status", func(c *gin.Context) {
		weights := weightsStatus{
			ConfigPoolA:    cfg.Scheduler.PoolAWeight,
			ConfigPoolB:    cfg.Scheduler.PoolBWeight,
			EffectivePoolA: cfg.Scheduler.PoolAWeight,
			EffectivePoolB: cfg.Scheduler.PoolBWeight,
			Source:         "config",
		}
		if ov, ok := control.ReadWeightsOverride(cfg.WeightsOverridePath()); ok {
			weights.EffectivePoolA = ov.PoolAWeight
			weights.EffectivePoolB = ov.PoolBWeight
			weights.Source = ov.Source
		}

		c.JSON(http.StatusOK, statusResponse{
			Listen:   fmt.Sprintf("%s:%d", cfg.Listen.Host, cfg.Listen.Port),
			PoolA:    poolStatus{Name: cfg.PoolA.Name, Addr: cfg.PoolA.Addr(), Chain: cfg.PoolA.Chain},
			PoolB:    poolStatus{Name: cfg.PoolB.Name, Addr: cfg.PoolB.Addr(), Chain: cfg.PoolB.Chain},
			Weights:  weights,
			Sessions: srv.Snapshot(),
		})
	})
	return r
}
