// Package model defines shared data types used across the bar streaming service.
//
// Conventions:
//   - Bar times: int64 seconds since Unix epoch (start of the bar's bucket)
//   - Prices and volumes: float64, as delivered on the wire
//   - Symbols are upper-case, timeframes lower-case (e.g. "BTCUSD", "1m")
package model
