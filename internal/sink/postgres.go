package sink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"rangebar/internal/model"
)

const (
	defaultBatchSize     = 100
	defaultFlushInterval = time.Second
)

// schema creates the bar table. Bars are keyed by their stream and first
// trade, which makes replays idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS range_bars (
	exchange         TEXT    NOT NULL,
	pair             TEXT    NOT NULL,
	threshold_units  INTEGER NOT NULL,
	open_time        BIGINT  NOT NULL,
	close_time       BIGINT  NOT NULL,
	open             NUMERIC NOT NULL,
	high             NUMERIC NOT NULL,
	low              NUMERIC NOT NULL,
	close            NUMERIC NOT NULL,
	volume           NUMERIC NOT NULL,
	turnover         NUMERIC NOT NULL,
	buy_volume       NUMERIC NOT NULL,
	sell_volume      NUMERIC NOT NULL,
	buy_turnover     NUMERIC NOT NULL,
	sell_turnover    NUMERIC NOT NULL,
	trade_count      BIGINT  NOT NULL,
	buy_trade_count  BIGINT  NOT NULL,
	sell_trade_count BIGINT  NOT NULL,
	first_trade_id   BIGINT  NOT NULL,
	last_trade_id    BIGINT  NOT NULL,
	vwap             NUMERIC NOT NULL,
	upper_threshold  NUMERIC NOT NULL,
	lower_threshold  NUMERIC NOT NULL,
	PRIMARY KEY (exchange, pair, threshold_units, first_trade_id)
);`

const insertBar = `
INSERT INTO range_bars (
	exchange, pair, threshold_units, open_time, close_time,
	open, high, low, close, volume, turnover,
	buy_volume, sell_volume, buy_turnover, sell_turnover,
	trade_count, buy_trade_count, sell_trade_count,
	first_trade_id, last_trade_id, vwap, upper_threshold, lower_threshold
) VALUES (
	$1, $2, $3, $4, $5,
	$6, $7, $8, $9, $10, $11,
	$12, $13, $14, $15,
	$16, $17, $18,
	$19, $20, $21, $22, $23
) ON CONFLICT (exchange, pair, threshold_units, first_trade_id) DO NOTHING`

// PostgresConfig holds connection and batching parameters for the Postgres sink.
type PostgresConfig struct {
	DSN      string
	MaxConns int

	// BatchSize is the number of bars buffered before a flush.
	BatchSize int

	// FlushInterval bounds how long a bar may wait in the buffer.
	FlushInterval time.Duration
}

// db is the subset of *pgxpool.Pool the sink needs.
type db interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// PostgresSink stores completed bars in the range_bars table. Bars are
// buffered and inserted in batches.
type PostgresSink struct {
	db        db
	closeDB   func()
	batchSize int

	mu      sync.Mutex
	pending []model.BarEvent

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewPostgresSink connects, creates the schema and starts the background flusher.
func NewPostgresSink(ctx context.Context, cfg PostgresConfig) (*PostgresSink, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	s, err := newPostgresSink(ctx, pool, pool.Close, cfg)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func newPostgresSink(ctx context.Context, conn db, closeDB func(), cfg PostgresConfig) (*PostgresSink, error) {
	if _, err := conn.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("postgres: create schema: %w", err)
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = defaultFlushInterval
	}

	s := &PostgresSink{
		db:        conn,
		closeDB:   closeDB,
		batchSize: batchSize,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go s.flushLoop(interval)
	return s, nil
}

// Write buffers a completed bar and flushes when the batch is full.
// Incomplete snapshots are ignored.
func (s *PostgresSink) Write(ctx context.Context, ev model.BarEvent) error {
	if ev.Incomplete {
		return nil
	}

	s.mu.Lock()
	s.pending = append(s.pending, ev)
	full := len(s.pending) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// WriteBars stores bars of one stream synchronously, bypassing the buffer.
func (s *PostgresSink) WriteBars(ctx context.Context, exchange model.Exchange, pair string, thresholdUnits int, bars []model.Bar) error {
	events := make([]model.BarEvent, 0, len(bars))
	for _, b := range bars {
		events = append(events, model.BarEvent{
			Pair:           pair,
			Exchange:       exchange,
			ThresholdUnits: thresholdUnits,
			Bar:            b,
		})
	}
	for start := 0; start < len(events); start += s.batchSize {
		end := min(start+s.batchSize, len(events))
		if err := s.insert(ctx, events[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// Flush inserts every buffered bar. On failure the bars are put back so a
// later flush can retry them.
func (s *PostgresSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if err := s.insert(ctx, batch); err != nil {
		s.mu.Lock()
		s.pending = append(batch, s.pending...)
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *PostgresSink) insert(ctx context.Context, events []model.BarEvent) error {
	batch := &pgx.Batch{}
	for _, ev := range events {
		batch.Queue(insertBar, barArgs(ev)...)
	}

	br := s.db.SendBatch(ctx, batch)
	defer br.Close()

	for i := range events {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert bar %s (batch item %d): %w", events[i].Key(), i, err)
		}
	}
	return nil
}

// barArgs lists the insert parameters. Decimals are passed as
// shopspring values, which encode losslessly into NUMERIC.
func barArgs(ev model.BarEvent) []any {
	b := ev.Bar
	return []any{
		ev.Exchange.String(), ev.Pair, ev.ThresholdUnits, b.OpenTime, b.CloseTime,
		b.Open.Decimal(), b.High.Decimal(), b.Low.Decimal(), b.Close.Decimal(), b.Volume.Decimal(), b.Turnover,
		b.BuyVolume.Decimal(), b.SellVolume.Decimal(), b.BuyTurnover, b.SellTurnover,
		b.TradeCount, b.BuyTradeCount, b.SellTradeCount,
		b.FirstTradeID, b.LastTradeID, b.VWAP.Decimal(), b.UpperThreshold.Decimal(), b.LowerThreshold.Decimal(),
	}
}

func (s *PostgresSink) flushLoop(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval*5)
			if err := s.Flush(ctx); err != nil {
				log.Error().Err(err).Msg("failed to flush range bars")
			}
			cancel()
		}
	}
}

// Close stops the flusher, writes what is left and closes the pool.
func (s *PostgresSink) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		<-s.done

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err = s.Flush(ctx)

		if s.closeDB != nil {
			s.closeDB()
		}
	})
	return err
}
