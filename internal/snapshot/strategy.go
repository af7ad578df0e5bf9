// Package snapshot fingerprints the active trading configuration, writes
// an immutable row whenever that fingerprint changes, and exposes the
// current snapshot to every component that stamps OrderData/TradeRecord
// with a snapshot_id.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/MrDenfish/BotTrader-sub001/internal/core"
)

// Service implements core.IStrategySnapshotService.
type Service struct {
	repo   core.ISnapshotRepository
	clock  core.Clock
	logger core.ILogger

	mu      sync.RWMutex
	current core.StrategySnapshot
}

// New builds a Service. Load must be called once at startup before
// Current is relied upon.
func New(repo core.ISnapshotRepository, clock core.Clock, logger core.ILogger) *Service {
	if clock == nil {
		clock = core.RealClock
	}
	return &Service{repo: repo, clock: clock, logger: logger.WithField("component", "strategy_snapshot")}
}

var _ core.IStrategySnapshotService = (*Service)(nil)

// Load reads the row with active_until IS NULL into the in-memory cache.
// If none exists (first run), next is rotated in as the initial snapshot.
func (s *Service) Load(ctx context.Context, next core.StrategySnapshot) error {
	active, ok, err := s.repo.ActiveSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: load active: %w", err)
	}
	if ok {
		s.mu.Lock()
		s.current = active
		s.mu.Unlock()
		return nil
	}
	return s.Rotate(ctx, next)
}

// Current returns the cached active snapshot. Safe for concurrent use by
// every reader that stamps a new OrderData/TradeRecord.
func (s *Service) Current() core.StrategySnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Rotate computes next's config_hash and compares it against the cached
// active snapshot. An unchanged hash is a no-op:
// the active row and the in-memory cache are left untouched so that a
// config reload which didn't actually change anything never archives a
// perfectly good snapshot. A changed hash archives the currently active
// row and inserts a brand-new, immutable one with a fresh snapshot_id.
func (s *Service) Rotate(ctx context.Context, next core.StrategySnapshot) error {
	hash, err := configHash(next)
	if err != nil {
		return fmt.Errorf("snapshot: hash config: %w", err)
	}

	s.mu.RLock()
	unchanged := s.current.ConfigHash != "" && s.current.ConfigHash == hash
	s.mu.RUnlock()
	if unchanged {
		return nil
	}

	now := s.clock.Now()
	if err := s.repo.ArchiveActive(ctx, now); err != nil {
		return fmt.Errorf("snapshot: archive active: %w", err)
	}

	next.SnapshotID = uuid.NewString()
	next.ActiveFrom = now
	next.ActiveUntil = nil
	next.ConfigHash = hash

	if err := s.repo.InsertSnapshot(ctx, next); err != nil {
		return fmt.Errorf("snapshot: insert: %w", err)
	}

	s.mu.Lock()
	s.current = next
	s.mu.Unlock()

	s.logger.Info("strategy snapshot rotated",
		core.F("snapshot_id", next.SnapshotID), core.F("config_hash", hash))
	return nil
}

// configHash computes the SHA-256 hash of snap's canonical-JSON form
// Only the fields that define strategy behavior are
// hashed; identity/lifecycle fields (SnapshotID, ActiveFrom, ActiveUntil,
// ConfigHash itself) are excluded so that re-saving an unchanged config
// dedupes instead of minting a new row every restart. encoding/json
// already serializes Go maps with lexicographically sorted keys, giving
// a stable canonical form across restarts.
func configHash(snap core.StrategySnapshot) (string, error) {
	fingerprint := struct {
		ScoreBuyTarget        float64            `json:"score_buy_target"`
		ScoreSellTarget       float64            `json:"score_sell_target"`
		IndicatorWeights      map[string]float64 `json:"indicator_weights"`
		RSIBuyThreshold       float64            `json:"rsi_buy_threshold"`
		RSISellThreshold      float64            `json:"rsi_sell_threshold"`
		ROCBuyThreshold       float64            `json:"roc_buy_threshold"`
		ROCSellThreshold      float64            `json:"roc_sell_threshold"`
		MACDFast              int                `json:"macd_fast"`
		MACDSlow              int                `json:"macd_slow"`
		MACDSignal            int                `json:"macd_signal"`
		TakeProfitPct         float64            `json:"take_profit_pct"`
		StopLossPct           float64            `json:"stop_loss_pct"`
		CooldownBars          int                `json:"cooldown_bars"`
		FlipHysteresisPct     float64            `json:"flip_hysteresis_pct"`
		MinIndicatorsRequired int                `json:"min_indicators_required"`
		ExcludedSymbols       []string           `json:"excluded_symbols"`
	}{
		ScoreBuyTarget:        snap.ScoreBuyTarget,
		ScoreSellTarget:       snap.ScoreSellTarget,
		IndicatorWeights:      snap.IndicatorWeights,
		RSIBuyThreshold:       snap.RSIBuyThreshold,
		RSISellThreshold:      snap.RSISellThreshold,
		ROCBuyThreshold:       snap.ROCBuyThreshold,
		ROCSellThreshold:      snap.ROCSellThreshold,
		MACDFast:              snap.MACDFast,
		MACDSlow:              snap.MACDSlow,
		MACDSignal:            snap.MACDSignal,
		TakeProfitPct:         snap.TakeProfitPct,
		StopLossPct:           snap.StopLossPct,
		CooldownBars:          snap.CooldownBars,
		FlipHysteresisPct:     snap.FlipHysteresisPct,
		MinIndicatorsRequired: snap.MinIndicatorsRequired,
		ExcludedSymbols:       snap.ExcludedSymbols,
	}

	encoded, err := json.Marshal(fingerprint)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}
