package api

import (
	"strings"
	"time"
	"unicode"
)

// Defaults for start_stream commands.
const (
	DefaultAssetType      = "crypto"
	DefaultTimeframe      = "1h"
	DefaultBatchPartialMs = 1000
	DefaultUserID         = "tester"
	DefaultSessionID      = "session-local"
)

// StartStream is the raw command that starts a bar stream.
type StartStream struct {
	T              string `json:"t"`
	V              int    `json:"v"`
	UserID         string `json:"user_id"`
	SessionID      string `json:"session_id"`
	Symbol         string `json:"symbol"`
	AssetType      string `json:"asset_type"`
	Tf             string `json:"tf"`
	Start          string `json:"start"`
	BatchPartialMs int    `json:"batch_partial_ms"`
}

// StartStreamParams are the caller-supplied fields. Zero values take defaults.
type StartStreamParams struct {
	Symbol         string
	AssetType      string
	Timeframe      string
	Start          string // RFC 3339, default now
	BatchPartialMs int
	UserID         string
	SessionID      string

	// Now is the clock used for a missing Start (default time.Now).
	Now func() time.Time
}

// BuildStartStream fills defaults and normalizes the symbol.
func BuildStartStream(p StartStreamParams) StartStream {
	cmd := StartStream{
		T:              "start_stream",
		V:              1,
		UserID:         p.UserID,
		SessionID:      p.SessionID,
		Symbol:         NormalizeStreamSymbol(p.Symbol),
		AssetType:      p.AssetType,
		Tf:             p.Timeframe,
		Start:          strings.TrimSpace(p.Start),
		BatchPartialMs: p.BatchPartialMs,
	}

	if cmd.UserID == "" {
		cmd.UserID = DefaultUserID
	}
	if cmd.SessionID == "" {
		cmd.SessionID = DefaultSessionID
	}
	if cmd.AssetType == "" {
		cmd.AssetType = DefaultAssetType
	}
	if cmd.Tf == "" {
		cmd.Tf = DefaultTimeframe
	}
	if cmd.BatchPartialMs <= 0 {
		cmd.BatchPartialMs = DefaultBatchPartialMs
	}
	if cmd.Start == "" {
		now := time.Now
		if p.Now != nil {
			now = p.Now
		}
		cmd.Start = now().UTC().Format(time.RFC3339Nano)
	}

	return cmd
}

// NormalizeStreamSymbol strips everything but letters and digits and
// upper-cases the result ("btc/usd" → "BTCUSD"). A symbol with no
// alphanumerics is only trimmed and upper-cased.
func NormalizeStreamSymbol(symbol string) string {
	trimmed := strings.TrimSpace(symbol)
	if trimmed == "" {
		return ""
	}

	alnum := strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return r
		}
		return -1
	}, trimmed)
	if alnum != "" {
		return strings.ToUpper(alnum)
	}
	return strings.ToUpper(trimmed)
}
