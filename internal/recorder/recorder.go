// Package recorder streams trading observations into Postgres/TimescaleDB
// for offline analysis. Writes are asynchronous and lossy under pressure;
// the trading loop is never blocked by a slow database.
package recorder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"funding-hedge-bot/internal/config"
	"funding-hedge-bot/internal/events"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

type positionRow struct {
	Time       time.Time
	Instance   string
	MakerVenue string
	TakerVenue string
	Maker      string
	Taker      string
	Imbalance  string
}

type rateRow struct {
	Time          time.Time
	Instance      string
	Venue         string
	Raw           string
	AnnualRate    string
	IntervalHours int
}

type orderRow struct {
	Time     time.Time
	Instance string
	Venue    string
	OrderID  string
	Side     string
	Quantity string
	Price    string
}

type phaseRow struct {
	Time     time.Time
	Instance string
	From     string
	To       string
	Cycle    int
}

type Writer struct {
	db     *sql.DB
	log    *zap.Logger
	schema string

	positions chan positionRow
	rates     chan rateRow
	orders    chan orderRow
	phases    chan phaseRow

	started atomic.Bool
	dropped atomic.Uint64
}

func New(cfg config.RecorderConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("recorder dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	w := newWriter(db, log, schema, queueSize)
	if err := w.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func newWriter(db *sql.DB, log *zap.Logger, schema string, queueSize int) *Writer {
	return &Writer{
		db:        db,
		log:       log,
		schema:    schema,
		positions: make(chan positionRow, queueSize),
		rates:     make(chan rateRow, queueSize),
		orders:    make(chan orderRow, queueSize),
		phases:    make(chan phaseRow, queueSize),
	}
}

// Start launches the write loop and the event subscription. Safe to call on
// a nil writer when recording is disabled.
func (w *Writer) Start(ctx context.Context, bus *events.Bus) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
	if bus != nil {
		ch, cancel := bus.Subscribe()
		go func() {
			defer cancel()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-ch:
					if !ok {
						return
					}
					w.record(ev)
				}
			}
		}()
	}
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

// Dropped returns the number of rows discarded on full queues.
func (w *Writer) Dropped() uint64 {
	if w == nil {
		return 0
	}
	return w.dropped.Load()
}

func (w *Writer) record(ev events.Event) {
	switch payload := ev.Payload.(type) {
	case events.PositionPayload:
		w.enqueuePosition(positionRow{
			Time:       ev.Time,
			Instance:   ev.Instance,
			MakerVenue: payload.MakerVenue,
			TakerVenue: payload.TakerVenue,
			Maker:      payload.Maker,
			Taker:      payload.Taker,
			Imbalance:  payload.Imbalance,
		})
	case events.RatePayload:
		w.enqueueRate(rateRow{
			Time:          ev.Time,
			Instance:      ev.Instance,
			Venue:         payload.Venue,
			Raw:           payload.Raw,
			AnnualRate:    payload.AnnualRate,
			IntervalHours: payload.IntervalHours,
		})
	case events.OrderPayload:
		w.enqueueOrder(orderRow{
			Time:     ev.Time,
			Instance: ev.Instance,
			Venue:    payload.Venue,
			OrderID:  payload.OrderID,
			Side:     payload.Side,
			Quantity: payload.Quantity,
			Price:    payload.Price,
		})
	case events.PhasePayload:
		w.enqueuePhase(phaseRow{
			Time:     ev.Time,
			Instance: ev.Instance,
			From:     payload.From,
			To:       payload.To,
			Cycle:    payload.Cycle,
		})
	}
}

func (w *Writer) enqueuePosition(row positionRow) {
	select {
	case w.positions <- row:
	default:
		w.noteDrop("position")
	}
}

func (w *Writer) enqueueRate(row rateRow) {
	select {
	case w.rates <- row:
	default:
		w.noteDrop("rate")
	}
}

func (w *Writer) enqueueOrder(row orderRow) {
	select {
	case w.orders <- row:
	default:
		w.noteDrop("order")
	}
}

func (w *Writer) enqueuePhase(row phaseRow) {
	select {
	case w.phases <- row:
	default:
		w.noteDrop("phase")
	}
}

func (w *Writer) noteDrop(kind string) {
	if w.dropped.Add(1) == 1 && w.log != nil {
		w.log.Warn("recorder queue full, dropping rows", zap.String("kind", kind))
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case row := <-w.positions:
			w.writePosition(ctx, row)
		case row := <-w.rates:
			w.writeRate(ctx, row)
		case row := <-w.orders:
			w.writeOrder(ctx, row)
		case row := <-w.phases:
			w.writePhase(ctx, row)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("recorder db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	tables := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			ts TIMESTAMPTZ NOT NULL,
			instance TEXT NOT NULL,
			maker_venue TEXT NOT NULL,
			taker_venue TEXT NOT NULL,
			maker_position NUMERIC NOT NULL,
			taker_position NUMERIC NOT NULL,
			imbalance NUMERIC NOT NULL
		)`, w.table("position_snapshots")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			ts TIMESTAMPTZ NOT NULL,
			instance TEXT NOT NULL,
			venue TEXT NOT NULL,
			raw_rate NUMERIC NOT NULL,
			annual_rate NUMERIC NOT NULL,
			interval_hours INTEGER NOT NULL
		)`, w.table("funding_rates")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			ts TIMESTAMPTZ NOT NULL,
			instance TEXT NOT NULL,
			venue TEXT NOT NULL,
			order_id TEXT NOT NULL,
			side TEXT NOT NULL,
			quantity NUMERIC NOT NULL,
			price NUMERIC NOT NULL
		)`, w.table("order_fills")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			ts TIMESTAMPTZ NOT NULL,
			instance TEXT NOT NULL,
			from_phase TEXT NOT NULL,
			to_phase TEXT NOT NULL,
			cycle INTEGER NOT NULL
		)`, w.table("phase_transitions")),
	}
	for _, stmt := range tables {
		if err := w.exec(ctx, stmt); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	for _, table := range []string{"position_snapshots", "funding_rates", "order_fills", "phase_transitions"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(table))); err != nil && w.log != nil {
			w.log.Warn("hypertable create failed", zap.String("table", table), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writePosition(ctx context.Context, row positionRow) {
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, instance, maker_venue, taker_venue, maker_position, taker_position, imbalance
	) VALUES ($1,$2,$3,$4,$5,$6,$7)`, w.table("position_snapshots"))
	w.insert(ctx, query, row.Time, row.Instance, row.MakerVenue, row.TakerVenue, row.Maker, row.Taker, row.Imbalance)
}

func (w *Writer) writeRate(ctx context.Context, row rateRow) {
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, instance, venue, raw_rate, annual_rate, interval_hours
	) VALUES ($1,$2,$3,$4,$5,$6)`, w.table("funding_rates"))
	w.insert(ctx, query, row.Time, row.Instance, row.Venue, row.Raw, row.AnnualRate, row.IntervalHours)
}

func (w *Writer) writeOrder(ctx context.Context, row orderRow) {
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, instance, venue, order_id, side, quantity, price
	) VALUES ($1,$2,$3,$4,$5,$6,$7)`, w.table("order_fills"))
	w.insert(ctx, query, row.Time, row.Instance, row.Venue, row.OrderID, row.Side, row.Quantity, row.Price)
}

func (w *Writer) writePhase(ctx context.Context, row phaseRow) {
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, instance, from_phase, to_phase, cycle
	) VALUES ($1,$2,$3,$4,$5)`, w.table("phase_transitions"))
	w.insert(ctx, query, row.Time, row.Instance, row.From, row.To, row.Cycle)
}

func (w *Writer) insert(ctx context.Context, query string, args ...any) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if _, err := w.db.ExecContext(ctx, query, args...); err != nil && w.log != nil {
		w.log.Warn("recorder insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
