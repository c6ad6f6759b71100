package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"funding-hedge-bot/internal/config"
	"funding-hedge-bot/internal/state"
	"funding-hedge-bot/internal/state/sqlite"

	"go.uber.org/zap"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		State: config.StateConfig{SQLitePath: filepath.Join(t.TempDir(), "state.db")},
		Venues: []config.VenueConfig{
			{Name: "mkr", Kind: "paper", TickSize: 0.5, MidPrice: 50000, FundingRate: 0.001, FundingIntervalHours: 8},
			{Name: "tkr", Kind: "paper", TickSize: 0.5, MidPrice: 50000, FundingIntervalHours: 8},
		},
		Instances: []config.InstanceConfig{{
			ID:         "btc-carry",
			Symbol:     "BTC-PERP",
			MakerVenue: "mkr",
			TakerVenue: "tkr",
			Trading: config.TradingConfig{
				OrderSize:       0.1,
				MaxPosition:     1,
				MaxImbalance:    0.1,
				BuildIterations: 1,
				HoldTime:        10 * time.Millisecond,
				Cycles:          1,
				Direction:       "long",
				MaxOpenOrders:   3,
				MaxRetries:      3,
				OrderTimeout:    2 * time.Second,
				FillPollEvery:   5 * time.Millisecond,
				CheckInterval:   5 * time.Millisecond,
				PauseInterval:   5 * time.Millisecond,
				PositionTTL:     time.Millisecond,
			},
		}},
	}
}

func TestAppRunsSingleCycle(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store.Close()
	snap, ok, err := state.LoadEngineSnapshot(context.Background(), store, "btc-carry")
	if err != nil || !ok {
		t.Fatalf("snapshot missing: ok=%v err=%v", ok, err)
	}
	if snap.Cycle != 1 {
		t.Fatalf("expected 1 completed cycle, got %d", snap.Cycle)
	}
	if snap.Phase != "IDLE" {
		t.Fatalf("expected idle after run, got %s", snap.Phase)
	}
}

func TestAppStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Instances[0].Trading.HoldTime = time.Minute
	cfg.Instances[0].Trading.Cycles = 0
	a, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(300 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("app did not shut down")
	}
}

func TestNewRejectsUnknownVenueKind(t *testing.T) {
	cfg := testConfig(t)
	cfg.Venues[0].Kind = "live"
	if _, err := New(cfg, zap.NewNop()); err == nil {
		t.Fatalf("expected error for unknown venue kind")
	}
}

func TestNewRejectsUnknownInstanceVenue(t *testing.T) {
	cfg := testConfig(t)
	cfg.Instances[0].TakerVenue = "ghost"
	if _, err := New(cfg, zap.NewNop()); err == nil {
		t.Fatalf("expected error for unknown instance venue")
	}
}
