package aggregator

import (
	"sync"
	"testing"
	"time"

	"github.com/rickgao/barstream/internal/connection"
	"github.com/rickgao/barstream/internal/model"
)

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestAggregator(opts Options) *Aggregator {
	opts.Now = func() time.Time { return fixedNow }
	return New(opts)
}

func ptr(f float64) *float64 { return &f }

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return ts
}

func TestAggregator_PartialThenCloseSeedsNextBar(t *testing.T) {
	a := newTestAggregator(Options{})
	a.OnStartStreamAck(StartStreamAck{Symbol: "BTCUSD", Timeframe: "1m", SessionID: "s1"})

	barTime := mustTime(t, "2024-01-01T00:00:00Z")
	a.OnPartialBar(PartialBar{Symbol: "BTCUSD", Timeframe: "1m", BarTime: barTime, Open: 10, High: 12, Low: 9, Last: ptr(11)})
	a.OnBarClose(BarClose{Symbol: "BTCUSD", Timeframe: "1m", BarTime: barTime, Open: 10, High: 13, Low: 8, Close: ptr(12.5), Volume: ptr(40)})

	snap := a.Snapshot()
	if len(snap.Candles) != 2 {
		t.Fatalf("len(Candles) = %d, want 2: %+v", len(snap.Candles), snap.Candles)
	}

	want := model.Candle{Time: barTime.Unix(), Open: 10, High: 13, Low: 8, Close: 12.5, Volume: 40}
	if snap.Candles[0] != want {
		t.Errorf("closed candle = %+v, want %+v", snap.Candles[0], want)
	}

	seed := model.Candle{Time: barTime.Unix() + 60, Open: 12.5, High: 12.5, Low: 12.5, Close: 12.5}
	if snap.Candles[1] != seed {
		t.Errorf("seed candle = %+v, want %+v", snap.Candles[1], seed)
	}
}

func TestAggregator_BarCloseSeedTime(t *testing.T) {
	a := newTestAggregator(Options{})
	a.OnStartStreamAck(StartStreamAck{Symbol: "BTCUSD", Timeframe: "1m", SessionID: "s1"})
	a.OnBarClose(BarClose{
		Symbol:    "BTCUSD",
		Timeframe: "1m",
		BarTime:   mustTime(t, "2024-01-01T00:00:00Z"),
		Open:      95,
		High:      105,
		Low:       90,
		Close:     ptr(100),
	})

	latest, ok := a.Snapshot().Latest()
	if !ok {
		t.Fatal("expected candles")
	}
	wantTime := mustTime(t, "2024-01-01T00:01:00Z").Unix()
	if latest.Time != wantTime {
		t.Errorf("seed time = %d, want %d", latest.Time, wantTime)
	}
	if latest.Open != 100 || latest.High != 100 || latest.Low != 100 || latest.Close != 100 || latest.Volume != 0 {
		t.Errorf("seed = %+v, want all OHLC 100 and volume 0", latest)
	}
}

func TestAggregator_UnparseableTimeframeSkipsSeed(t *testing.T) {
	a := newTestAggregator(Options{})
	a.OnStartStreamAck(StartStreamAck{Symbol: "BTCUSD", Timeframe: "tick", SessionID: "s1"})
	a.OnBarClose(BarClose{Symbol: "BTCUSD", Timeframe: "tick", BarTime: mustTime(t, "2024-01-01T00:00:00Z"), Open: 1, Close: ptr(2)})

	if got := len(a.Snapshot().Candles); got != 1 {
		t.Errorf("len(Candles) = %d, want 1", got)
	}
}

func TestAggregator_StreamChangeClearsSeries(t *testing.T) {
	a := newTestAggregator(Options{})
	a.OnStartStreamAck(StartStreamAck{Symbol: "BTCUSD", Timeframe: "1m", SessionID: "s1"})
	a.OnPartialBar(PartialBar{Symbol: "BTCUSD", Timeframe: "1m", BarTime: mustTime(t, "2024-01-01T00:00:00Z"), Open: 1})

	tests := []struct {
		name string
		ack  StartStreamAck
	}{
		{"different symbol", StartStreamAck{Symbol: "ETHUSD", Timeframe: "1m", SessionID: "s1"}},
		{"different timeframe", StartStreamAck{Symbol: "ETHUSD", Timeframe: "5m", SessionID: "s1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a.OnPartialBar(PartialBar{Symbol: a.Snapshot().Meta.Symbol, Timeframe: a.Snapshot().Meta.Timeframe, BarTime: mustTime(t, "2024-01-01T00:05:00Z"), Open: 1})
			if len(a.Snapshot().Candles) == 0 {
				t.Fatal("precondition: series should not be empty")
			}

			a.OnStartStreamAck(tt.ack)

			snap := a.Snapshot()
			if len(snap.Candles) != 0 {
				t.Errorf("len(Candles) = %d, want 0", len(snap.Candles))
			}
			if snap.Meta.Symbol != model.NormalizeSymbol(tt.ack.Symbol) || snap.Meta.Timeframe != tt.ack.Timeframe {
				t.Errorf("Meta = %+v", snap.Meta)
			}
		})
	}
}

func TestAggregator_SameStreamAckKeepsSeries(t *testing.T) {
	a := newTestAggregator(Options{})
	a.OnStartStreamAck(StartStreamAck{Symbol: "BTCUSD", Timeframe: "1m", SessionID: "s1"})
	a.OnPartialBar(PartialBar{Symbol: "BTCUSD", Timeframe: "1m", BarTime: mustTime(t, "2024-01-01T00:00:00Z"), Open: 1})

	// Same stream, new session, non-empty series: kept.
	a.OnStartStreamAck(StartStreamAck{Symbol: " btcusd ", Timeframe: "1M", SessionID: "s2"})

	snap := a.Snapshot()
	if len(snap.Candles) != 1 {
		t.Errorf("len(Candles) = %d, want 1", len(snap.Candles))
	}
	if snap.Meta.SessionID != "s2" {
		t.Errorf("SessionID = %q, want s2", snap.Meta.SessionID)
	}
	if !snap.Meta.LastUpdated.Equal(fixedNow) {
		t.Errorf("LastUpdated = %v, want %v", snap.Meta.LastUpdated, fixedNow)
	}
}

func TestAggregator_MismatchedBarsDropped(t *testing.T) {
	a := newTestAggregator(Options{})
	barTime := mustTime(t, "2024-01-01T00:00:00Z")

	// No active stream yet
	a.OnPartialBar(PartialBar{Symbol: "BTCUSD", Timeframe: "1m", BarTime: barTime, Open: 1})
	if got := len(a.Snapshot().Candles); got != 0 {
		t.Fatalf("len(Candles) without session = %d, want 0", got)
	}

	a.OnStartStreamAck(StartStreamAck{Symbol: "BTCUSD", Timeframe: "1m", SessionID: "s1"})
	a.OnPartialBar(PartialBar{Symbol: "BTCUSD", Timeframe: "1m", BarTime: barTime, Open: 1})

	a.OnPartialBar(PartialBar{Symbol: "ETHUSD", Timeframe: "1m", BarTime: barTime.Add(time.Minute), Open: 1})
	a.OnBarClose(BarClose{Symbol: "BTCUSD", Timeframe: "5m", BarTime: barTime.Add(time.Minute), Open: 1, Close: ptr(1)})

	if got := len(a.Snapshot().Candles); got != 1 {
		t.Errorf("len(Candles) = %d, want 1", got)
	}
	if got := a.Stats().Mismatched; got != 3 {
		t.Errorf("Mismatched = %d, want 3", got)
	}
}

func backlog(t *testing.T, session *string, times ...string) BacklogBars {
	t.Helper()
	b := BacklogBars{Symbol: "BTCUSD", Timeframe: "1h", SessionID: session}
	for i, ts := range times {
		b.Bars = append(b.Bars, BacklogBar{
			BarTime: mustTime(t, ts),
			Open:    float64(i + 1),
			High:    float64(i + 2),
			Low:     float64(i),
		})
	}
	return b
}

func TestAggregator_BacklogSortedAndIdempotent(t *testing.T) {
	a := newTestAggregator(Options{})
	batch := backlog(t, nil,
		"2024-01-01T02:00:00Z",
		"2024-01-01T00:00:00Z",
		"2024-01-01T01:00:00Z",
	)

	a.OnBacklogBars(batch)
	first := a.Snapshot()

	if len(first.Candles) != 3 {
		t.Fatalf("len(Candles) = %d, want 3", len(first.Candles))
	}
	for i := 1; i < len(first.Candles); i++ {
		if first.Candles[i-1].Time >= first.Candles[i].Time {
			t.Fatalf("candles not sorted: %+v", first.Candles)
		}
	}
	// close falls back to open
	if first.Candles[2].Close != first.Candles[2].Open {
		t.Errorf("Close = %v, want open %v", first.Candles[2].Close, first.Candles[2].Open)
	}
	if first.Meta.SessionID != DefaultSessionID {
		t.Errorf("SessionID = %q, want %q", first.Meta.SessionID, DefaultSessionID)
	}

	a.OnBacklogBars(batch)
	second := a.Snapshot()
	if len(second.Candles) != len(first.Candles) {
		t.Fatalf("re-applied len = %d, want %d", len(second.Candles), len(first.Candles))
	}
	for i := range first.Candles {
		if first.Candles[i] != second.Candles[i] {
			t.Errorf("candle %d changed: %+v -> %+v", i, first.Candles[i], second.Candles[i])
		}
	}
}

func TestAggregator_BacklogSessionChangeResets(t *testing.T) {
	a := newTestAggregator(Options{})
	a.OnStartStreamAck(StartStreamAck{Symbol: "BTCUSD", Timeframe: "1h", SessionID: "s1"})
	a.OnBacklogBars(backlog(t, nil, "2024-01-01T00:00:00Z", "2024-01-01T01:00:00Z"))

	if got := a.Snapshot(); len(got.Candles) != 2 || got.Meta.SessionID != "s1" {
		t.Fatalf("after first backlog: %d candles, session %q", len(got.Candles), got.Meta.SessionID)
	}

	s2 := "s2"
	a.OnBacklogBars(backlog(t, &s2, "2024-01-01T05:00:00Z"))

	snap := a.Snapshot()
	if len(snap.Candles) != 1 {
		t.Errorf("len(Candles) = %d, want 1", len(snap.Candles))
	}
	if snap.Meta.SessionID != "s2" {
		t.Errorf("SessionID = %q, want s2", snap.Meta.SessionID)
	}
}

func TestAggregator_EmptyBacklogIgnored(t *testing.T) {
	a := newTestAggregator(Options{})
	published := 0
	a.Subscribe(func(model.Snapshot) { published++ })

	a.OnBacklogBars(BacklogBars{Symbol: "BTCUSD", Timeframe: "1h"})

	if a.Snapshot().Meta != nil {
		t.Error("empty backlog should not activate a session")
	}
	if published != 0 {
		t.Errorf("published = %d, want 0", published)
	}
}

func TestAggregator_AsofSetsLastUpdated(t *testing.T) {
	a := newTestAggregator(Options{})
	a.OnStartStreamAck(StartStreamAck{Symbol: "BTCUSD", Timeframe: "1m", SessionID: "s1"})

	asof := mustTime(t, "2024-01-01T00:00:42Z")
	a.OnPartialBar(PartialBar{Asof: &asof, Symbol: "BTCUSD", Timeframe: "1m", BarTime: mustTime(t, "2024-01-01T00:00:00Z"), Open: 1})

	if got := a.Snapshot().Meta.LastUpdated; !got.Equal(asof) {
		t.Errorf("LastUpdated = %v, want %v", got, asof)
	}
}

func TestAggregator_SessionFilter(t *testing.T) {
	a := newTestAggregator(Options{SessionFilter: "session-local"})

	a.OnStartStreamAck(StartStreamAck{Symbol: "BTCUSD", Timeframe: "1m", SessionID: "other"})
	if a.Snapshot().Meta != nil {
		t.Fatal("ack for other session should be ignored")
	}

	a.OnStartStreamAck(StartStreamAck{Symbol: "BTCUSD", Timeframe: "1m", SessionID: "session-local"})
	if a.Snapshot().Meta == nil {
		t.Fatal("ack for filtered session should activate the stream")
	}
}

func TestAggregator_ResetAndSubscribe(t *testing.T) {
	a := newTestAggregator(Options{})

	var mu sync.Mutex
	var snaps []model.Snapshot
	unsub := a.Subscribe(func(s model.Snapshot) {
		mu.Lock()
		snaps = append(snaps, s)
		mu.Unlock()
	})
	a.Subscribe(func(model.Snapshot) { panic("bad subscriber") })

	a.OnStartStreamAck(StartStreamAck{Symbol: "BTCUSD", Timeframe: "1m", SessionID: "s1"})
	a.OnPartialBar(PartialBar{Symbol: "BTCUSD", Timeframe: "1m", BarTime: mustTime(t, "2024-01-01T00:00:00Z"), Open: 1})
	a.Reset()

	snap := a.Snapshot()
	if snap.Meta != nil || len(snap.Candles) != 0 {
		t.Errorf("after Reset: %+v", snap)
	}
	if snap.Candles == nil {
		t.Error("Candles should be an empty slice, not nil")
	}

	unsub()
	a.OnStartStreamAck(StartStreamAck{Symbol: "BTCUSD", Timeframe: "1m", SessionID: "s1"})

	mu.Lock()
	defer mu.Unlock()
	if len(snaps) != 3 {
		t.Fatalf("published %d snapshots, want 3", len(snaps))
	}
	if len(snaps[1].Candles) != 1 || len(snaps[2].Candles) != 0 {
		t.Errorf("published candle counts = %d, %d", len(snaps[1].Candles), len(snaps[2].Candles))
	}
}

func TestAggregator_SnapshotIsCopy(t *testing.T) {
	a := newTestAggregator(Options{})
	a.OnStartStreamAck(StartStreamAck{Symbol: "BTCUSD", Timeframe: "1m", SessionID: "s1"})
	a.OnPartialBar(PartialBar{Symbol: "BTCUSD", Timeframe: "1m", BarTime: mustTime(t, "2024-01-01T00:00:00Z"), Open: 1})

	snap := a.Snapshot()
	snap.Candles[0].Close = 999
	snap.Meta.Symbol = "XXX"

	again := a.Snapshot()
	if again.Candles[0].Close == 999 || again.Meta.Symbol == "XXX" {
		t.Error("Snapshot must return an independent copy")
	}
}

type fakeRawSource struct {
	handler connection.RawHandler
}

func (f *fakeRawSource) SubscribeRaw(h connection.RawHandler) func() {
	f.handler = h
	return func() { f.handler = nil }
}

func TestAggregator_AttachHandlesRawFrames(t *testing.T) {
	a := newTestAggregator(Options{})
	src := &fakeRawSource{}
	detach := a.Attach(src)

	frames := []string{
		`{"type":"tick"}`,
		`{"t":"start_stream_ack","symbol":"btcusd","tf":"1m","session_id":"s1"}`,
		`{"t":"partial_bar","symbol":"BTCUSD","tf":"1m","bar_time":"2024-01-01T00:00:00Z","open":"1","high":"2","low":"0.5"}`,
		`{"t":"bar_close","symbol":"BTCUSD","tf":"1m","bar_time":"not-a-time","open":1}`,
		`{"t":"mystery"}`,
	}
	for _, f := range frames {
		src.handler(connection.TimestampedMessage{Data: []byte(f), ReceivedAt: time.Now()})
	}

	snap := a.Snapshot()
	if snap.Meta == nil || snap.Meta.Symbol != "BTCUSD" {
		t.Fatalf("Meta = %+v", snap.Meta)
	}
	if len(snap.Candles) != 1 || snap.Candles[0].Close != 1 {
		t.Errorf("Candles = %+v", snap.Candles)
	}

	stats := a.Stats()
	if stats.FramesReceived != 4 || stats.ParseErrors != 1 || stats.UnknownFrames != 1 {
		t.Errorf("Stats = %+v", stats)
	}

	detach()
	if src.handler != nil {
		t.Error("detach did not unsubscribe")
	}
}
