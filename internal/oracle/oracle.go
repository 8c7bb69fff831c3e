// Package oracle polls an external network-hashrate endpoint and drives the
// proxy's allocation weights with an inverse-ratio model: the chain whose
// short-window hashrate dropped gets more weight, because shares mined there
// are worth more.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/chimera-pool/chimera-proxy-core/internal/config"
	"github.com/chimera-pool/chimera-proxy-core/internal/control"
	"github.com/chimera-pool/chimera-proxy-core/internal/logging"
	"github.com/chimera-pool/chimera-proxy-core/internal/monitoring"
)

const (
	// maxDataAge marks collector output older than this as stale.
	maxDataAge = 20 * time.Minute

	// fallbackAfter consecutive failures while in oracle mode, the override
	// reverts to 50/50 so a dead collector cannot pin a stale skew.
	fallbackAfter = 3

	startupDelay = 60 * time.Second

	timestampLayout = "2006-01-02 15:04:05"
)

// ErrInvalidChains reports a pool labeling the oracle cannot work with.
var ErrInvalidChains = errors.New("oracle requires one BTC pool and one BCH pool")

// Response is the oracle endpoint's payload: per-chain block timestamps for
// a short and a long window, plus current difficulty.
type Response struct {
	OK          bool    `json:"ok"`
	Error       string  `json:"error"`
	TS          string  `json:"ts"`
	ShortWindow int     `json:"short_window"`
	LongWindow  int     `json:"long_window"`
	BTCDiff     float64 `json:"btc_difficulty"`
	BTCTsLatest int64   `json:"btc_ts_latest"`
	BTCTsShort  int64   `json:"btc_ts_short"`
	BTCTsLong   int64   `json:"btc_ts_long"`
	BCHDiff     float64 `json:"bch_difficulty"`
	BCHTsLatest int64   `json:"bch_ts_latest"`
	BCHTsShort  int64   `json:"bch_ts_short"`
	BCHTsLong   int64   `json:"bch_ts_long"`
}

// Worker is the background oracle poller.
type Worker struct {
	cfg *config.Config
	log *logging.Logger
	met *monitoring.Metrics

	client  *http.Client
	btcPool string // "A" or "B"
	bchPool string

	// startup and now are swappable for tests.
	startup time.Duration
	now     func() time.Time

	consecutiveFailures int
}

// New validates the chain labeling and builds the worker.
func New(cfg *config.Config, log *logging.Logger, met *monitoring.Metrics) (*Worker, error) {
	if !cfg.OracleChainsValid() {
		return nil, fmt.Errorf("%w: poolA=%q poolB=%q", ErrInvalidChains, cfg.PoolA.Chain, cfg.PoolB.Chain)
	}
	w := &Worker{
		cfg:     cfg,
		log:     log,
		met:     met,
		client:  &http.Client{Timeout: 15 * time.Second},
		btcPool: "A",
		bchPool: "B",
		startup: startupDelay,
		now:     time.Now,
	}
	if cfg.PoolA.Chain == "BCH" {
		w.btcPool, w.bchPool = "B", "A"
	}
	return w, nil
}

// Run polls until the context ends. The worker always collects data and
// publishes gauges; whether it writes the override file is decided per cycle
// by the mode flag.
func (w *Worker) Run(ctx context.Context) {
	poll := time.Duration(w.cfg.Scheduler.OraclePollSeconds) * time.Second
	w.log.Event("oracle_starting", logging.Fields{
		"url": w.cfg.Scheduler.OracleURL, "poll_s": poll.Seconds(),
		"max_deviation": w.cfg.Scheduler.AutoBalanceMaxDeviation,
		"btc_pool":      w.btcPool, "bch_pool": w.bchPool,
	})

	// Avoid hammering the endpoint across rapid restarts.
	select {
	case <-ctx.Done():
		return
	case <-time.After(w.startup):
	}

	for {
		if err := w.pollOnce(ctx); err != nil {
			w.handleFailure(err)
		} else {
			w.consecutiveFailures = 0
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(poll):
		}
	}
}

func (w *Worker) pollOnce(ctx context.Context) error {
	w.log.Event("oracle_poll_start", nil)
	resp, err := w.fetch(ctx)
	if err != nil {
		return err
	}
	if !resp.OK {
		if resp.Error != "" {
			return fmt.Errorf("oracle response not ok: %s", resp.Error)
		}
		return errors.New("oracle response not ok")
	}

	// Freshness: a stale collector timestamp means the data cannot be
	// trusted; a malformed one is logged but tolerated.
	if resp.TS != "" {
		if t, perr := time.ParseInLocation(timestampLayout, resp.TS, time.UTC); perr == nil {
			age := w.now().UTC().Sub(t)
			w.met.OracleAge.Set(age.Seconds())
			w.log.Event("oracle_data_age", logging.Fields{"ts": resp.TS, "age_s": age.Seconds()})
			if age > maxDataAge {
				return fmt.Errorf("oracle data is stale (%ds old)", int(age.Seconds()))
			}
		} else {
			w.log.Event("oracle_ts_parse_warning", logging.Fields{"ts": resp.TS, "err": perr.Error()})
		}
	}

	wA, wB, err := w.computeWeights(resp)
	if err != nil {
		return err
	}
	w.met.OracleStatus.Set(1)

	// Only the mode flag's owner may touch the override file; when the
	// slider owns it, the oracle keeps collecting and publishing gauges.
	if !control.ReadOracleMode(w.cfg.OracleModePath(), w.cfg.Scheduler.AutoBalance) {
		w.log.Event("oracle_mode_slider", nil)
		return nil
	}
	ov := control.WeightsOverride{PoolAWeight: wA, PoolBWeight: wB, Source: "oracle", TS: resp.TS}
	if err := control.WriteWeightsOverride(w.cfg.WeightsOverridePath(), ov); err != nil {
		w.log.Event("oracle_override_write_error", logging.Fields{"err": err.Error()})
		return nil
	}
	w.log.Event("oracle_override_written", logging.Fields{"wA": wA, "wB": wB})
	return nil
}

func (w *Worker) fetch(ctx context.Context) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.cfg.Scheduler.OracleURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "chimera-proxy-oracle/1.0")
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var out Response
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("parse oracle response: %w", err)
	}
	return &out, nil
}

// computeWeights turns the response into clamped integer pool weights
// summing to 100, publishing the intermediate gauges.
func (w *Worker) computeWeights(resp *Response) (wA, wB int, err error) {
	shortN, longN := resp.ShortWindow, resp.LongWindow
	if shortN <= 0 {
		shortN = 6
	}
	if longN <= 0 {
		longN = 72
	}

	btcShort, btcLong, err := hashratePair(resp.BTCDiff, resp.BTCTsLatest, resp.BTCTsShort, resp.BTCTsLong, shortN, longN)
	if err != nil {
		return 0, 0, fmt.Errorf("BTC: %w", err)
	}
	bchShort, bchLong, err := hashratePair(resp.BCHDiff, resp.BCHTsLatest, resp.BCHTsShort, resp.BCHTsLong, shortN, longN)
	if err != nil {
		return 0, 0, fmt.Errorf("BCH: %w", err)
	}

	btcRatio, bchRatio := 1.0, 1.0
	if btcLong > 0 {
		btcRatio = btcShort / btcLong
	}
	if bchLong > 0 {
		bchRatio = bchShort / bchLong
	}

	// Inverse weighting: mine more where hashrate dropped.
	wBTC, wBCH := 1.0, 1.0
	if btcRatio > 0 {
		wBTC = 1 / btcRatio
	}
	if bchRatio > 0 {
		wBCH = 1 / bchRatio
	}

	pctBTC := 50.0
	if total := wBTC + wBCH; total > 0 {
		pctBTC = wBTC / total * 100
	}
	maxDev := float64(w.cfg.Scheduler.AutoBalanceMaxDeviation)
	pctBTC = math.Max(50-maxDev, math.Min(50+maxDev, pctBTC))

	wtBTC := int(math.Round(pctBTC))
	wtBCH := 100 - wtBTC

	w.met.OracleHashrate.WithLabelValues("BTC", "short").Set(btcShort)
	w.met.OracleHashrate.WithLabelValues("BTC", "long").Set(btcLong)
	w.met.OracleHashrate.WithLabelValues("BCH", "short").Set(bchShort)
	w.met.OracleHashrate.WithLabelValues("BCH", "long").Set(bchLong)
	w.met.OracleRatio.WithLabelValues("BTC").Set(btcRatio)
	w.met.OracleRatio.WithLabelValues("BCH").Set(bchRatio)

	wA, wB = wtBTC, wtBCH
	if w.btcPool == "B" {
		wA, wB = wtBCH, wtBTC
	}
	w.met.OracleWeight.WithLabelValues("A").Set(float64(wA))
	w.met.OracleWeight.WithLabelValues("B").Set(float64(wB))

	w.log.Event("oracle_calc_result", logging.Fields{
		"btc_ratio": btcRatio, "bch_ratio": bchRatio,
		"clamped_btc": wtBTC, "clamped_bch": wtBCH,
		"poolA_weight": wA, "poolB_weight": wB,
	})
	return wA, wB, nil
}

// hashratePair computes short- and long-window hashrate for one chain:
// hashrate = difficulty · 2^32 / average_block_time.
func hashratePair(difficulty float64, tsLatest, tsShort, tsLong int64, shortN, longN int) (hrShort, hrLong float64, err error) {
	elapsedShort := tsLatest - tsShort
	elapsedLong := tsLatest - tsLong
	if elapsedShort <= 0 || elapsedLong <= 0 {
		return 0, 0, fmt.Errorf("bad timestamps: short=%d long=%d", elapsedShort, elapsedLong)
	}
	avgShort := float64(elapsedShort) / float64(shortN)
	avgLong := float64(elapsedLong) / float64(longN)
	hrShort = difficulty * math.Pow(2, 32) / avgShort
	hrLong = difficulty * math.Pow(2, 32) / avgLong
	return hrShort, hrLong, nil
}

func (w *Worker) handleFailure(err error) {
	w.met.OracleStatus.Set(0)
	w.consecutiveFailures++
	w.log.Event("oracle_poll_error", logging.Fields{
		"err": err.Error(), "consecutive_failures": w.consecutiveFailures,
	})
	if w.consecutiveFailures < fallbackAfter {
		return
	}
	// Only write the fallback while the oracle actually owns the file.
	if !control.ReadOracleMode(w.cfg.OracleModePath(), w.cfg.Scheduler.AutoBalance) {
		return
	}
	w.log.Event("oracle_fallback_50_50", logging.Fields{"consecutive_failures": w.consecutiveFailures})
	ov := control.WeightsOverride{PoolAWeight: 50, PoolBWeight: 50, Source: "oracle_fallback"}
	if werr := control.WriteWeightsOverride(w.cfg.WeightsOverridePath(), ov); werr != nil {
		w.log.Event("oracle_override_write_error", logging.Fields{"err": werr.Error()})
	}
}
