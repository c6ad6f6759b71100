// Package app wires configuration, venues, instances and the supporting
// services into one runnable process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"funding-hedge-bot/internal/alerts"
	"funding-hedge-bot/internal/config"
	"funding-hedge-bot/internal/engine"
	"funding-hedge-bot/internal/events"
	"funding-hedge-bot/internal/exec"
	"funding-hedge-bot/internal/metrics"
	"funding-hedge-bot/internal/position"
	"funding-hedge-bot/internal/recorder"
	"funding-hedge-bot/internal/registry"
	"funding-hedge-bot/internal/safety"
	"funding-hedge-bot/internal/state/sqlite"
	"funding-hedge-bot/internal/venue"
	"funding-hedge-bot/internal/venue/paper"
	"funding-hedge-bot/internal/venue/wsfeed"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const stopGrace = 30 * time.Second

type App struct {
	cfg      *config.Config
	log      *zap.Logger
	store    *sqlite.Store
	bus      *events.Bus
	metrics  *metrics.Metrics
	prom     *metrics.Prometheus
	recorder *recorder.Writer
	notifier *alerts.Notifier
	registry *registry.Registry
	venues   map[string]venue.Client
	feeds    []*wsfeed.Feed
	engines  map[string]*engine.Engine
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if dir := filepath.Dir(cfg.State.SQLitePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus(log)

	m := metrics.NewNoop()
	var prom *metrics.Prometheus
	if cfg.Metrics.Enabled {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	}

	rec, err := recorder.New(cfg.Recorder, log)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("recorder: %w", err)
	}

	var notifier *alerts.Notifier
	if cfg.Telegram.Enabled {
		notifier = alerts.NewNotifier(alerts.NewTelegram(cfg.Telegram, log), log)
	}

	a := &App{
		cfg:      cfg,
		log:      log,
		store:    store,
		bus:      bus,
		metrics:  m,
		prom:     prom,
		recorder: rec,
		notifier: notifier,
		registry: registry.New(log),
		venues:   make(map[string]venue.Client, len(cfg.Venues)),
		engines:  make(map[string]*engine.Engine, len(cfg.Instances)),
	}
	if err := a.buildVenues(); err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := a.buildEngines(); err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) buildVenues() error {
	for _, vc := range a.cfg.Venues {
		var client venue.Client
		switch vc.Kind {
		case "paper":
			client = paper.New(vc, a.log)
		default:
			return fmt.Errorf("venue %s: unknown kind %q", vc.Name, vc.Kind)
		}
		if vc.FeedURL != "" {
			feed := wsfeed.New(vc.Name, vc.FeedURL, vc.ReconnectDelay, vc.PingInterval, a.log)
			a.feeds = append(a.feeds, feed)
			client = wsfeed.Wrap(client, feed)
		}
		a.venues[vc.Name] = client
	}
	return nil
}

func (a *App) buildEngines() error {
	for _, inst := range a.cfg.Instances {
		maker, ok := a.venues[inst.MakerVenue]
		if !ok {
			return fmt.Errorf("instance %s: unknown maker venue %q", inst.ID, inst.MakerVenue)
		}
		taker, ok := a.venues[inst.TakerVenue]
		if !ok {
			return fmt.Errorf("instance %s: unknown taker venue %q", inst.ID, inst.TakerVenue)
		}
		recon := position.NewReconciler(maker, taker, inst.Trading.PositionTTL, a.log)
		executor := exec.New(inst.ID, maker, taker, exec.Config{
			MaxOrderSize:  decimal.NewFromFloat(inst.Trading.OrderSize),
			MaxRetries:    inst.Trading.MaxRetries,
			OrderTimeout:  inst.Trading.OrderTimeout,
			FillPollEvery: inst.Trading.FillPollEvery,
			MaxOpenOrders: inst.Trading.MaxOpenOrders,
		}, a.bus, a.log)
		a.engines[inst.ID] = engine.New(inst.ID, inst.Trading, maker, taker,
			recon, safety.NewEngine(inst.Trading), executor, a.store, a.bus, a.metrics, a.log)
	}
	return nil
}

// Instances reports the registry view of every running engine.
func (a *App) Instances() []registry.Status {
	return a.registry.List()
}

// Run connects the venues, starts the supporting services and every
// configured instance, then blocks until the instances finish or the
// context ends. Shutdown is graceful: engines are asked to wind down and
// only hard-cancelled after the grace period.
func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	defer a.recorder.Close()

	for name, client := range a.venues {
		if err := client.Connect(ctx); err != nil {
			return fmt.Errorf("venue %s: %w", name, err)
		}
	}
	defer a.disconnectVenues()

	a.recorder.Start(ctx, a.bus)
	if a.notifier != nil {
		a.notifier.Start(ctx, a.bus)
	}

	// Background services stop when the instances are done, not only when
	// the caller cancels.
	runCtx, cancelServices := context.WithCancel(ctx)
	defer cancelServices()
	group, groupCtx := errgroup.WithContext(runCtx)
	for _, feed := range a.feeds {
		feed := feed
		group.Go(func() error { return feed.Run(groupCtx) })
	}
	if a.prom != nil {
		a.serveMetrics(groupCtx, group)
	}

	for id, eng := range a.engines {
		if err := a.registry.Start(groupCtx, id, eng); err != nil {
			_ = a.registry.StopAll(stopGrace)
			return err
		}
	}
	a.log.Info("all instances started", zap.Int("count", len(a.engines)))

	waitErr := a.registry.Wait(groupCtx)
	stopErr := a.registry.StopAll(stopGrace)
	cancelServices()

	groupErr := group.Wait()
	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		return waitErr
	}
	if stopErr != nil && !errors.Is(stopErr, context.Canceled) {
		return stopErr
	}
	if groupErr != nil && !errors.Is(groupErr, context.Canceled) {
		return groupErr
	}
	return nil
}

func (a *App) serveMetrics(ctx context.Context, group *errgroup.Group) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.prom.Handler())
	server := &http.Server{Addr: a.cfg.Metrics.Listen, Handler: mux}
	group.Go(func() error {
		a.log.Info("metrics listener started", zap.String("addr", a.cfg.Metrics.Listen))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics listener: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
}

func (a *App) disconnectVenues() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for name, client := range a.venues {
		if err := client.Disconnect(ctx); err != nil {
			a.log.Warn("venue disconnect failed", zap.String("venue", name), zap.Error(err))
		}
	}
}
