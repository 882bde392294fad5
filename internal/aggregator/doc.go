// Package aggregator turns inbound stream frames into an ordered candle series.
//
// The aggregator tracks a single active (symbol, timeframe) stream. Frames:
//
//	start_stream_ack  activates a stream, clearing the series when it changes
//	partial_bar       upserts the in-progress bar
//	bar_close         upserts the final bar and seeds the next one
//	backlog_bars      merges a batch of historical bars
//
// Bars are keyed by bar time, so replays and overlapping updates converge on
// the latest value per bucket. Frames for any other stream are dropped.
// After every mutation the sorted series is published to subscribers.
package aggregator
