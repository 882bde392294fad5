// Package connection implements the streaming transport client.
//
// The Client:
//   - Owns one logical WebSocket connection (create → Connect → Disconnect)
//   - Reconnects with exponential backoff plus jitter after any non-user close
//   - Sends a JSON ping every heartbeat interval and force-closes idle sockets
//   - Queues outbound frames until the socket is open and never reorders them
//   - Fans inbound frames out to raw, typed, and catch-all listeners
//   - Correlates request/reply pairs by requestId / correlationId
package connection
