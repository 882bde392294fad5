package model

import (
	"sort"
	"strings"
	"time"
)

// -----------------------------------------------------------------------------
// Stream Types
// -----------------------------------------------------------------------------

// Candle is one OHLCV data point for a fixed time bucket.
type Candle struct {
	Time   int64   `json:"time"` // Bucket start (seconds since epoch)
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// StreamSession identifies the one active (symbol, timeframe) stream.
type StreamSession struct {
	Symbol      string    `json:"symbol"`
	Timeframe   string    `json:"timeframe"`
	SessionID   string    `json:"sessionId"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Matches reports whether symbol and timeframe (already normalized) belong to s.
func (s *StreamSession) Matches(symbol, timeframe string) bool {
	return s != nil && s.Symbol == symbol && s.Timeframe == timeframe
}

// Snapshot is what a rendering consumer receives after every mutation.
// Candles are always sorted ascending by Time.
type Snapshot struct {
	Meta    *StreamSession `json:"meta"`
	Candles []Candle       `json:"candles"`
}

// Latest returns the most recent candle, if any.
func (s Snapshot) Latest() (Candle, bool) {
	if len(s.Candles) == 0 {
		return Candle{}, false
	}
	return s.Candles[len(s.Candles)-1], true
}

// -----------------------------------------------------------------------------
// Archive Types
// -----------------------------------------------------------------------------

// Bar is a finalized candle tagged with its stream, as archived by the recorder.
type Bar struct {
	Symbol     string
	Timeframe  string
	Candle     Candle
	ReceivedAt time.Time
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// NormalizeSymbol trims and upper-cases a symbol.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// NormalizeTimeframe trims and lower-cases a timeframe.
func NormalizeTimeframe(tf string) string {
	return strings.ToLower(strings.TrimSpace(tf))
}

// SortCandles sorts candles ascending by time in place.
func SortCandles(candles []Candle) {
	sort.Slice(candles, func(i, j int) bool { return candles[i].Time < candles[j].Time })
}
