package recorder

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/barstream/internal/aggregator"
	"github.com/rickgao/barstream/internal/connection"
	"github.com/rickgao/barstream/internal/model"
)

// Config holds recorder batching settings.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	MaxPending    int // bars held in memory before new ones are dropped
}

// DefaultConfig returns default recorder settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: time.Second,
		MaxPending:    10000,
	}
}

// Metrics are cumulative recorder counters.
type Metrics struct {
	Received int64 // bars accepted into the batch
	Inserts  int64 // rows affected in the store
	Flushes  int64
	Errors   int64
	Dropped  int64 // bars discarded because the batch was full
}

// Recorder batches finalized bars and flushes them to a Store.
type Recorder struct {
	cfg    Config
	store  Store
	logger *slog.Logger

	// Batching
	batch   []model.Bar
	batchMu sync.Mutex
	flushCh chan struct{}

	// Serializes flushes so rows for the same key land in order.
	flushMu sync.Mutex

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics Metrics
}

// New creates a Recorder. Zero config fields take DefaultConfig values.
func New(cfg Config, store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.MaxPending < cfg.BatchSize {
		cfg.MaxPending = max(def.MaxPending, cfg.BatchSize)
	}
	return &Recorder{
		cfg:     cfg,
		store:   store,
		logger:  logger.With("component", "recorder"),
		batch:   make([]model.Bar, 0, cfg.BatchSize),
		flushCh: make(chan struct{}, 1),
	}
}

// Attach registers the recorder as a raw listener and returns the
// unsubscribe function.
func (r *Recorder) Attach(src aggregator.RawSubscriber) func() {
	return src.SubscribeRaw(func(msg connection.TimestampedMessage) {
		r.Handle(msg.Data, msg.ReceivedAt)
	})
}

// Handle extracts finalized bars from one raw frame and queues them.
// It never blocks on the store.
func (r *Recorder) Handle(data []byte, receivedAt time.Time) {
	frame, err := aggregator.Decode(data)
	if err != nil {
		if !errors.Is(err, aggregator.ErrUntagged) {
			r.logger.Debug("skipping undecodable frame", "error", err)
		}
		return
	}

	var bars []model.Bar
	switch f := frame.(type) {
	case aggregator.BarClose:
		bars = []model.Bar{{
			Symbol:    model.NormalizeSymbol(f.Symbol),
			Timeframe: model.NormalizeTimeframe(f.Timeframe),
			Candle: model.Candle{
				Time:   f.BarTime.Unix(),
				Open:   f.Open,
				High:   f.High,
				Low:    f.Low,
				Close:  valueOr(f.Close, f.Open),
				Volume: valueOr(f.Volume, 0),
			},
			ReceivedAt: receivedAt,
		}}

	case aggregator.BacklogBars:
		symbol := model.NormalizeSymbol(f.Symbol)
		tf := model.NormalizeTimeframe(f.Timeframe)
		bars = make([]model.Bar, 0, len(f.Bars))
		for _, b := range f.Bars {
			bars = append(bars, model.Bar{
				Symbol:    symbol,
				Timeframe: tf,
				Candle: model.Candle{
					Time:   b.BarTime.Unix(),
					Open:   b.Open,
					High:   b.High,
					Low:    b.Low,
					Close:  valueOr(b.Close, b.Open),
					Volume: valueOr(b.Volume, 0),
				},
				ReceivedAt: receivedAt,
			})
		}

	default:
		return
	}

	r.add(bars)
}

// add appends bars to the batch, dropping what does not fit under MaxPending.
func (r *Recorder) add(bars []model.Bar) {
	if len(bars) == 0 {
		return
	}

	r.batchMu.Lock()
	room := r.cfg.MaxPending - len(r.batch)
	dropped := 0
	if len(bars) > room {
		dropped = len(bars) - max(room, 0)
		bars = bars[:max(room, 0)]
	}
	r.batch = append(r.batch, bars...)
	r.metrics.Received += int64(len(bars))
	r.metrics.Dropped += int64(dropped)
	shouldFlush := len(r.batch) >= r.cfg.BatchSize
	r.batchMu.Unlock()

	if dropped > 0 {
		r.logger.Warn("recorder batch full, dropping bars", "dropped", dropped, "max_pending", r.cfg.MaxPending)
	}
	if shouldFlush {
		select {
		case r.flushCh <- struct{}{}:
		default:
		}
	}
}

// Start begins the flush loop.
func (r *Recorder) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.flushLoop()

	r.logger.Info("recorder started",
		"batch_size", r.cfg.BatchSize,
		"flush_interval", r.cfg.FlushInterval,
		"max_pending", r.cfg.MaxPending,
	)
	return nil
}

// Stop ends the flush loop and writes whatever is still batched using ctx.
func (r *Recorder) Stop(ctx context.Context) error {
	r.logger.Info("stopping recorder")

	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("recorder stop timed out")
		return ctx.Err()
	}

	// Final flush
	r.flush(ctx)
	r.logger.Info("recorder stopped")
	return nil
}

// Pending returns the number of bars waiting to be flushed.
func (r *Recorder) Pending() int {
	r.batchMu.Lock()
	defer r.batchMu.Unlock()
	return len(r.batch)
}

// Stats returns current metrics.
func (r *Recorder) Stats() Metrics {
	r.batchMu.Lock()
	defer r.batchMu.Unlock()
	return r.metrics
}

func (r *Recorder) flushLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.flush(r.ctx)
		case <-r.flushCh:
			r.flush(r.ctx)
		}
	}
}

// flush writes the current batch to the store. A failed batch is counted
// and discarded.
func (r *Recorder) flush(ctx context.Context) {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.batchMu.Lock()
	if len(r.batch) == 0 {
		r.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := r.batch
	r.batch = make([]model.Bar, 0, r.cfg.BatchSize)
	r.batchMu.Unlock()

	start := time.Now()
	affected, err := r.store.UpsertBars(ctx, batch)
	if err != nil {
		r.logger.Error("bar upsert failed", "error", err, "count", len(batch))
		r.batchMu.Lock()
		r.metrics.Errors++
		r.batchMu.Unlock()
		return
	}

	r.batchMu.Lock()
	r.metrics.Inserts += int64(affected)
	r.metrics.Flushes++
	r.batchMu.Unlock()

	r.logger.Debug("flushed bars",
		"count", len(batch),
		"affected", affected,
		"duration", time.Since(start),
	)
}

func valueOr(p *float64, fallback float64) float64 {
	if p != nil {
		return *p
	}
	return fallback
}
