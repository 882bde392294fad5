package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/barstream/internal/model"
)

const writeTimeout = 3 * time.Second

// PublisherStats are cumulative publisher counters.
type PublisherStats struct {
	Offered   int64
	Coalesced int64 // snapshots replaced before they were written
	Written   int64
	Errors    int64
}

// Publisher hands the latest snapshot to a worker that writes it to a Sink.
type Publisher struct {
	sink    Sink
	key     string
	channel string
	logger  *slog.Logger

	mu      sync.Mutex
	pending *model.Snapshot
	stats   PublisherStats

	notify chan struct{}
}

// NewPublisher creates a Publisher writing to <prefix>:snapshot and
// <prefix>:updates.
func NewPublisher(sink Sink, prefix string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		sink:    sink,
		key:     prefix + ":snapshot",
		channel: prefix + ":updates",
		logger:  logger.With("component", "cache"),
		notify:  make(chan struct{}, 1),
	}
}

// Offer records snap as the latest snapshot. It never blocks, so it can be
// passed directly to Aggregator.Subscribe.
func (p *Publisher) Offer(snap model.Snapshot) {
	p.mu.Lock()
	if p.pending != nil {
		p.stats.Coalesced++
	}
	p.pending = &snap
	p.stats.Offered++
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Run writes offered snapshots until ctx is canceled.
func (p *Publisher) Run(ctx context.Context) error {
	p.logger.Info("snapshot publisher started", "key", p.key, "channel", p.channel)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("snapshot publisher stopped")
			return nil
		case <-p.notify:
			p.writePending(ctx)
		}
	}
}

// Stats returns current counters.
func (p *Publisher) Stats() PublisherStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *Publisher) writePending(ctx context.Context) {
	p.mu.Lock()
	snap := p.pending
	p.pending = nil
	p.mu.Unlock()

	if snap == nil {
		return
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		p.fail("encode snapshot", err)
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if err := p.sink.Write(writeCtx, p.key, p.channel, payload); err != nil {
		p.fail("write snapshot", err)
		return
	}

	p.mu.Lock()
	p.stats.Written++
	p.mu.Unlock()
}

func (p *Publisher) fail(msg string, err error) {
	p.logger.Warn(msg, "error", err)
	p.mu.Lock()
	p.stats.Errors++
	p.mu.Unlock()
}
