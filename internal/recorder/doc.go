// Package recorder archives finalized bars into TimescaleDB.
//
// The recorder listens on the raw message path, so it sees every stream
// on the connection, not only the one the aggregator tracks. bar_close
// frames and backlog_bars entries are batched and upserted into
// stream_bars keyed by (symbol, timeframe, bar_time). Partial bars are
// never archived.
package recorder
