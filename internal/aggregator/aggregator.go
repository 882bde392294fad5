package aggregator

import (
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/barstream/internal/connection"
	"github.com/rickgao/barstream/internal/model"
)

// DefaultSessionID is used for backlog batches that arrive without a session
// id before any session is active.
const DefaultSessionID = "session-local"

// RawSubscriber is the part of the connection client the aggregator needs.
type RawSubscriber interface {
	SubscribeRaw(handler connection.RawHandler) func()
}

// Options configures an Aggregator.
type Options struct {
	// SessionFilter, when set, drops start_stream_ack frames for other sessions.
	SessionFilter string

	// DefaultSessionID replaces DefaultSessionID when non-empty.
	DefaultSessionID string

	Logger *slog.Logger

	// Now is the clock used for lastUpdated (default time.Now).
	Now func() time.Time
}

// Stats contains runtime statistics.
type Stats struct {
	FramesReceived int64
	FramesApplied  int64
	Mismatched     int64 // Bars dropped for no or a different active stream
	UnknownFrames  int64
	ParseErrors    int64
	Resets         int64
}

// Aggregator maintains the ordered candle series for the active stream.
//
// Frames must be applied from a single goroutine (the client's read loop);
// Snapshot, Subscribe and Reset are safe from any goroutine. Subscribers are
// called synchronously after every mutation, in mutation order, and must not
// call back into mutating methods.
type Aggregator struct {
	logger        *slog.Logger
	sessionFilter string
	defaultID     string
	now           func() time.Time

	// publishMu orders mutate+publish pairs. Lock order: publishMu, then mu.
	publishMu sync.Mutex

	mu     sync.Mutex
	active *model.StreamSession
	store  map[int64]model.Candle
	view   model.Snapshot

	subsMu sync.Mutex
	subsID uint64
	subs   []subscriber

	received    atomic.Int64
	applied     atomic.Int64
	mismatched  atomic.Int64
	unknown     atomic.Int64
	parseErrors atomic.Int64
	resets      atomic.Int64
}

type subscriber struct {
	id uint64
	fn func(model.Snapshot)
}

// New creates an Aggregator with no active stream.
func New(opts Options) *Aggregator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	defaultID := opts.DefaultSessionID
	if defaultID == "" {
		defaultID = DefaultSessionID
	}

	return &Aggregator{
		logger:        logger,
		sessionFilter: opts.SessionFilter,
		defaultID:     defaultID,
		now:           now,
		store:         make(map[int64]model.Candle),
		view:          model.Snapshot{Candles: []model.Candle{}},
	}
}

// Attach subscribes the aggregator to src's raw frames. The returned func
// detaches it.
func (a *Aggregator) Attach(src RawSubscriber) func() {
	return src.SubscribeRaw(func(msg connection.TimestampedMessage) {
		a.Handle(msg.Data)
	})
}

// Handle decodes one raw JSON object and applies it. Untagged objects are
// ignored; unknown tags are logged at debug and ignored.
func (a *Aggregator) Handle(data []byte) {
	frame, err := Decode(data)
	if errors.Is(err, ErrUntagged) {
		return
	}

	a.received.Add(1)
	if err != nil {
		a.parseErrors.Add(1)
		a.logger.Debug("dropping stream frame", "error", err)
		return
	}

	a.Apply(frame)
}

// Apply dispatches a decoded frame to its handler.
func (a *Aggregator) Apply(frame Frame) {
	switch f := frame.(type) {
	case StartStreamAck:
		a.OnStartStreamAck(f)
	case PartialBar:
		a.OnPartialBar(f)
	case BarClose:
		a.OnBarClose(f)
	case BacklogBars:
		a.OnBacklogBars(f)
	default:
		a.unknown.Add(1)
		a.logger.Debug("skipping stream frame", "t", frame.Tag())
	}
}

// OnStartStreamAck activates the acknowledged stream. The series is cleared
// when the stream changes, or when it is empty and the session id changes.
func (a *Aggregator) OnStartStreamAck(ack StartStreamAck) {
	if a.sessionFilter != "" && ack.SessionID != a.sessionFilter {
		a.logger.Debug("ignoring ack for other session", "session_id", ack.SessionID)
		return
	}

	symbol := model.NormalizeSymbol(ack.Symbol)
	tf := model.NormalizeTimeframe(ack.Timeframe)

	a.mutate(func() bool {
		isNewStream := !a.active.Matches(symbol, tf)
		sameSession := a.active != nil && a.active.SessionID == ack.SessionID
		if isNewStream || (len(a.store) == 0 && !sameSession) {
			a.clearLocked()
		}

		a.active = &model.StreamSession{
			Symbol:      symbol,
			Timeframe:   tf,
			SessionID:   ack.SessionID,
			LastUpdated: a.now(),
		}
		a.logger.Info("stream active", "symbol", symbol, "tf", tf, "session_id", ack.SessionID)
		return true
	})
}

// OnPartialBar upserts the in-progress bar. The close is the frame's close,
// else its last, else its open.
func (a *Aggregator) OnPartialBar(bar PartialBar) {
	closePrice := bar.Open
	if bar.Last != nil {
		closePrice = *bar.Last
	}
	if bar.Close != nil {
		closePrice = *bar.Close
	}

	candle := model.Candle{
		Time:   bar.BarTime.Unix(),
		Open:   bar.Open,
		High:   bar.High,
		Low:    bar.Low,
		Close:  closePrice,
		Volume: valueOr(bar.Volume, 0),
	}

	a.mutate(func() bool {
		if !a.acceptLocked(bar.Symbol, bar.Timeframe) {
			return false
		}
		a.store[candle.Time] = candle
		a.active.LastUpdated = a.timeOr(bar.Asof)
		return true
	})
}

// OnBarClose upserts the final bar and seeds the next one at the close price.
// No seed is written when the timeframe does not parse.
func (a *Aggregator) OnBarClose(bar BarClose) {
	candle := model.Candle{
		Time:   bar.BarTime.Unix(),
		Open:   bar.Open,
		High:   bar.High,
		Low:    bar.Low,
		Close:  valueOr(bar.Close, bar.Open),
		Volume: valueOr(bar.Volume, 0),
	}

	a.mutate(func() bool {
		if !a.acceptLocked(bar.Symbol, bar.Timeframe) {
			return false
		}
		a.store[candle.Time] = candle

		if step := ParseTimeframe(a.active.Timeframe); step > 0 {
			next := candle.Time + step
			a.store[next] = model.Candle{
				Time:  next,
				Open:  candle.Close,
				High:  candle.Close,
				Low:   candle.Close,
				Close: candle.Close,
			}
		}
		a.active.LastUpdated = a.timeOr(bar.Asof)
		return true
	})
}

// OnBacklogBars merges a batch of historical bars. A batch for another
// stream, or one declaring another session, replaces the series. Empty
// batches are ignored.
func (a *Aggregator) OnBacklogBars(batch BacklogBars) {
	if len(batch.Bars) == 0 {
		return
	}

	symbol := model.NormalizeSymbol(batch.Symbol)
	tf := model.NormalizeTimeframe(batch.Timeframe)

	a.mutate(func() bool {
		sessionID := a.defaultID
		if a.active != nil {
			sessionID = a.active.SessionID
		}
		if batch.SessionID != nil {
			sessionID = *batch.SessionID
		}

		sameSession := a.active != nil && a.active.SessionID == sessionID
		if !a.active.Matches(symbol, tf) || (batch.SessionID != nil && !sameSession) {
			a.clearLocked()
		}

		a.active = &model.StreamSession{
			Symbol:      symbol,
			Timeframe:   tf,
			SessionID:   sessionID,
			LastUpdated: a.timeOr(batch.Asof),
		}

		for _, b := range batch.Bars {
			t := b.BarTime.Unix()
			a.store[t] = model.Candle{
				Time:   t,
				Open:   b.Open,
				High:   b.High,
				Low:    b.Low,
				Close:  valueOr(b.Close, b.Open),
				Volume: valueOr(b.Volume, 0),
			}
		}
		return true
	})
}

// Reset clears the active stream and its series.
func (a *Aggregator) Reset() {
	a.mutate(func() bool {
		a.clearLocked()
		a.active = nil
		a.resets.Add(1)
		return true
	})
}

// Snapshot returns the current stream and its candles sorted by time.
func (a *Aggregator) Snapshot() model.Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return cloneSnapshot(a.view)
}

// Subscribe registers fn for every published snapshot and returns its
// unsubscribe func.
func (a *Aggregator) Subscribe(fn func(model.Snapshot)) func() {
	a.subsMu.Lock()
	id := a.subsID
	a.subsID++
	a.subs = append(a.subs, subscriber{id: id, fn: fn})
	a.subsMu.Unlock()

	return func() {
		a.subsMu.Lock()
		defer a.subsMu.Unlock()
		a.subs = slices.DeleteFunc(a.subs, func(s subscriber) bool { return s.id == id })
	}
}

// Stats returns current statistics.
func (a *Aggregator) Stats() Stats {
	return Stats{
		FramesReceived: a.received.Load(),
		FramesApplied:  a.applied.Load(),
		Mismatched:     a.mismatched.Load(),
		UnknownFrames:  a.unknown.Load(),
		ParseErrors:    a.parseErrors.Load(),
		Resets:         a.resets.Load(),
	}
}

// mutate runs fn under the state lock and, if it reports a change, rebuilds
// the sorted view and publishes it.
func (a *Aggregator) mutate(fn func() bool) {
	a.publishMu.Lock()
	defer a.publishMu.Unlock()

	a.mu.Lock()
	if !fn() {
		a.mu.Unlock()
		return
	}
	a.rebuildLocked()
	snap := a.view
	a.mu.Unlock()

	a.applied.Add(1)
	a.publish(snap)
}

// acceptLocked reports whether a bar for symbol/tf belongs to the active stream.
func (a *Aggregator) acceptLocked(symbol, tf string) bool {
	symbol = model.NormalizeSymbol(symbol)
	tf = model.NormalizeTimeframe(tf)
	if !a.active.Matches(symbol, tf) {
		a.mismatched.Add(1)
		a.logger.Debug("dropping bar for inactive stream", "symbol", symbol, "tf", tf)
		return false
	}
	return true
}

func (a *Aggregator) clearLocked() {
	if len(a.store) > 0 {
		a.store = make(map[int64]model.Candle)
	}
}

// rebuildLocked derives a fresh sorted view. Views are never mutated after
// they are built.
func (a *Aggregator) rebuildLocked() {
	candles := make([]model.Candle, 0, len(a.store))
	for _, c := range a.store {
		candles = append(candles, c)
	}
	model.SortCandles(candles)

	var meta *model.StreamSession
	if a.active != nil {
		m := *a.active
		meta = &m
	}
	a.view = model.Snapshot{Meta: meta, Candles: candles}
}

func (a *Aggregator) publish(snap model.Snapshot) {
	a.subsMu.Lock()
	subs := slices.Clone(a.subs)
	a.subsMu.Unlock()

	for _, s := range subs {
		a.deliver(s.fn, snap)
	}
}

func (a *Aggregator) deliver(fn func(model.Snapshot), snap model.Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Warn("snapshot subscriber panicked", "panic", r)
		}
	}()
	fn(snap)
}

func (a *Aggregator) timeOr(t *time.Time) time.Time {
	if t != nil {
		return *t
	}
	return a.now()
}

func valueOr(v *float64, fallback float64) float64 {
	if v != nil {
		return *v
	}
	return fallback
}

func cloneSnapshot(s model.Snapshot) model.Snapshot {
	out := model.Snapshot{Candles: slices.Clone(s.Candles)}
	if s.Meta != nil {
		m := *s.Meta
		out.Meta = &m
	}
	return out
}
