// Package api provides the REST client for the strategy agent, the external
// collaborator that turns a natural-language request into stream commands.
//
// Endpoint:
//   - POST {base}/api/strategy-agent  {"message": "..."}
//     → {"finalOutput": "...", "streams": [{"payload": {...}}]}
//
// Each stream payload is an opaque command (usually start_stream) that is
// forwarded verbatim over the stream connection.
package api
