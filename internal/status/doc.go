// Package status serves the streamer's HTTP status and command API.
//
// Routes:
//
//	GET  /health   connection state and build info (503 unless open)
//	GET  /stream   current aggregator snapshot
//	POST /streams  forward {streams:[{payload}]} over the connection
//	POST /reset    clear the aggregator
package status
