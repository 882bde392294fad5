// Package database provides connection pool management for the TimescaleDB
// bar archive.
//
// Tables:
//   - stream_bars: finalized bars keyed by (symbol, timeframe, bar_time)
package database
