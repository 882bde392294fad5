package aggregator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Frame tags
const (
	TagStartStreamAck = "start_stream_ack"
	TagPartialBar     = "partial_bar"
	TagBarClose       = "bar_close"
	TagBacklogBars    = "backlog_bars"
)

// ErrUntagged is returned by Decode for JSON objects without a "t" field
// and for top-level arrays. Those are not stream frames.
var ErrUntagged = errors.New("frame has no t field")

// Frame is one decoded inbound stream frame.
type Frame interface {
	Tag() string
}

// StartStreamAck confirms a start_stream command.
type StartStreamAck struct {
	Symbol    string
	Timeframe string
	SessionID string
}

// PartialBar is an in-progress update of the current bar.
type PartialBar struct {
	Asof        *time.Time
	Symbol      string
	Timeframe   string
	BarTime     time.Time
	Open        float64
	High        float64
	Low         float64
	Last        *float64
	Close       *float64
	Volume      *float64
	PctComplete *float64
}

// BarClose is the final value of a bar.
type BarClose struct {
	Asof      *time.Time
	Symbol    string
	Timeframe string
	BarTime   time.Time
	Open      float64
	High      float64
	Low       float64
	Close     *float64
	Volume    *float64
}

// BacklogBar is one historical bar inside a backlog_bars batch.
type BacklogBar struct {
	BarTime time.Time
	Open    float64
	High    float64
	Low     float64
	Close   *float64
	Volume  *float64
}

// BacklogRange is the optional time range a backlog batch covers.
type BacklogRange struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// BacklogBars is one batch of historical bars.
type BacklogBars struct {
	V             int
	UserID        string
	RunID         string
	SessionID     *string // nil when the frame does not declare a session
	Asof          *time.Time
	Symbol        string
	Timeframe     string
	Range         *BacklogRange
	BatchIndex    int
	BatchTotal    int
	BarCount      int
	IsLastBacklog bool
	Bars          []BacklogBar
}

// UnknownFrame is a tagged frame this package does not handle.
type UnknownFrame struct {
	T string
}

func (StartStreamAck) Tag() string { return TagStartStreamAck }
func (PartialBar) Tag() string     { return TagPartialBar }
func (BarClose) Tag() string       { return TagBarClose }
func (BacklogBars) Tag() string    { return TagBacklogBars }
func (f UnknownFrame) Tag() string { return f.T }

// Decode parses a raw JSON object into a Frame.
func Decode(data []byte) (Frame, error) {
	if trimmed := bytes.TrimLeft(data, " \t\r\n"); len(trimmed) > 0 && trimmed[0] == '[' {
		return nil, ErrUntagged
	}

	var head struct {
		T *string `json:"t"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode frame tag: %w", err)
	}
	if head.T == nil {
		return nil, ErrUntagged
	}

	switch *head.T {
	case TagStartStreamAck:
		var w startStreamAckWire
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("decode %s: %w", TagStartStreamAck, err)
		}
		return StartStreamAck{Symbol: w.Symbol, Timeframe: w.Tf, SessionID: w.SessionID}, nil

	case TagPartialBar:
		var w partialBarWire
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("decode %s: %w", TagPartialBar, err)
		}
		barTime, err := parseBarTime(w.BarTime)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", TagPartialBar, err)
		}
		return PartialBar{
			Asof:        parseAsof(w.Asof),
			Symbol:      w.Symbol,
			Timeframe:   w.Tf,
			BarTime:     barTime,
			Open:        float64(w.Open),
			High:        float64(w.High),
			Low:         float64(w.Low),
			Last:        w.Last.ptr(),
			Close:       w.Close.ptr(),
			Volume:      w.Volume.ptr(),
			PctComplete: w.PctComplete.ptr(),
		}, nil

	case TagBarClose:
		var w barCloseWire
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("decode %s: %w", TagBarClose, err)
		}
		barTime, err := parseBarTime(w.BarTime)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", TagBarClose, err)
		}
		return BarClose{
			Asof:      parseAsof(w.Asof),
			Symbol:    w.Symbol,
			Timeframe: w.Tf,
			BarTime:   barTime,
			Open:      float64(w.Open),
			High:      float64(w.High),
			Low:       float64(w.Low),
			Close:     w.Close.ptr(),
			Volume:    w.Volume.ptr(),
		}, nil

	case TagBacklogBars:
		var w backlogBarsWire
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("decode %s: %w", TagBacklogBars, err)
		}
		return w.frame(), nil

	default:
		return UnknownFrame{T: *head.T}, nil
	}
}

// ---- Wire types ----

type startStreamAckWire struct {
	Symbol    string `json:"symbol"`
	Tf        string `json:"tf"`
	SessionID string `json:"session_id"`
}

type partialBarWire struct {
	Asof        string  `json:"asof"`
	Symbol      string  `json:"symbol"`
	Tf          string  `json:"tf"`
	BarTime     string  `json:"bar_time"`
	Open        Number  `json:"open"`
	High        Number  `json:"high"`
	Low         Number  `json:"low"`
	Last        *Number `json:"last"`
	Close       *Number `json:"close"`
	Volume      *Number `json:"volume"`
	PctComplete *Number `json:"pct_complete"`
}

type barCloseWire struct {
	Asof    string  `json:"asof"`
	Symbol  string  `json:"symbol"`
	Tf      string  `json:"tf"`
	BarTime string  `json:"bar_time"`
	Open    Number  `json:"open"`
	High    Number  `json:"high"`
	Low     Number  `json:"low"`
	Close   *Number `json:"close"`
	Volume  *Number `json:"volume"`
}

type backlogBarWire struct {
	BarTime string  `json:"bar_time"`
	Open    Number  `json:"open"`
	High    Number  `json:"high"`
	Low     Number  `json:"low"`
	Close   *Number `json:"close"`
	Volume  *Number `json:"volume"`
}

type backlogBarsWire struct {
	V             int              `json:"v"`
	UserID        string           `json:"user_id"`
	RunID         string           `json:"run_id"`
	SessionID     *string          `json:"session_id"`
	Asof          string           `json:"asof"`
	Symbol        string           `json:"symbol"`
	Tf            string           `json:"tf"`
	Range         *BacklogRange    `json:"range"`
	BatchIndex    int              `json:"batch_index"`
	BatchTotal    int              `json:"batch_total"`
	BarCount      int              `json:"bar_count"`
	IsLastBacklog bool             `json:"is_last_backlog"`
	Bars          []backlogBarWire `json:"bars"`
}

// frame converts the wire batch, skipping bars whose bar_time does not parse.
func (w backlogBarsWire) frame() BacklogBars {
	bars := make([]BacklogBar, 0, len(w.Bars))
	for _, b := range w.Bars {
		barTime, err := parseBarTime(b.BarTime)
		if err != nil {
			continue
		}
		bars = append(bars, BacklogBar{
			BarTime: barTime,
			Open:    float64(b.Open),
			High:    float64(b.High),
			Low:     float64(b.Low),
			Close:   b.Close.ptr(),
			Volume:  b.Volume.ptr(),
		})
	}

	return BacklogBars{
		V:             w.V,
		UserID:        w.UserID,
		RunID:         w.RunID,
		SessionID:     w.SessionID,
		Asof:          parseAsof(w.Asof),
		Symbol:        w.Symbol,
		Timeframe:     w.Tf,
		Range:         w.Range,
		BatchIndex:    w.BatchIndex,
		BatchTotal:    w.BatchTotal,
		BarCount:      w.BarCount,
		IsLastBacklog: w.IsLastBacklog,
		Bars:          bars,
	}
}

// Number is a float that decodes from a JSON number or a numeric string.
type Number float64

// UnmarshalJSON implements json.Unmarshaler.
func (n *Number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return fmt.Errorf("invalid numeric string %q", s)
		}
		*n = Number(f)
		return nil
	}

	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("invalid number %s", data)
	}
	*n = Number(f)
	return nil
}

func (n *Number) ptr() *float64 {
	if n == nil {
		return nil
	}
	f := float64(*n)
	return &f
}

func parseBarTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid bar_time %q: %w", s, err)
	}
	return t, nil
}

func parseAsof(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}
