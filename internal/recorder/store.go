package recorder

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/barstream/internal/model"
)

// Store persists a batch of bars.
type Store interface {
	// UpsertBars writes bars and returns how many rows were affected.
	UpsertBars(ctx context.Context, bars []model.Bar) (int, error)
}

const upsertBarSQL = `
	INSERT INTO stream_bars (symbol, timeframe, bar_time, open, high, low, close, volume, received_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (symbol, timeframe, bar_time) DO UPDATE SET
		open = EXCLUDED.open,
		high = EXCLUDED.high,
		low = EXCLUDED.low,
		close = EXCLUDED.close,
		volume = EXCLUDED.volume,
		received_at = EXCLUDED.received_at
`

// PgStore writes bars with one pgx.Batch per flush.
type PgStore struct {
	db *pgxpool.Pool
}

// NewPgStore creates a PgStore on an open pool.
func NewPgStore(db *pgxpool.Pool) *PgStore {
	return &PgStore{db: db}
}

// UpsertBars implements Store.
func (s *PgStore) UpsertBars(ctx context.Context, bars []model.Bar) (int, error) {
	batch := &pgx.Batch{}
	for _, b := range bars {
		batch.Queue(upsertBarSQL,
			b.Symbol,
			b.Timeframe,
			time.Unix(b.Candle.Time, 0).UTC(),
			b.Candle.Open,
			b.Candle.High,
			b.Candle.Low,
			b.Candle.Close,
			b.Candle.Volume,
			b.ReceivedAt,
		)
	}

	results := s.db.SendBatch(ctx, batch)
	defer results.Close()

	affected := 0
	for range bars {
		ct, err := results.Exec()
		if err != nil {
			return affected, err
		}
		affected += int(ct.RowsAffected())
	}
	return affected, nil
}
