package connection

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"time"
)

// handleMessage dispatches one inbound frame. It runs on the read goroutine,
// so frames are delivered to listeners in arrival order.
//
// Order: raw listeners, pending reply resolution, then typed listeners
// followed by catch-all listeners. Pong frames only refresh the idle clock.
// Top-level arrays reach raw listeners only.
func (c *Client) handleMessage(data []byte, receivedAt time.Time) {
	c.touch(receivedAt)

	kind := jsonContainer(data)
	if kind == 0 {
		c.logger.Debug("dropping non-container frame", "size", len(data))
		return
	}

	msg := TimestampedMessage{Data: data, ReceivedAt: receivedAt}
	for _, h := range c.raw.snapshot() {
		c.invoke("raw", func() { h(msg) })
	}

	if kind != '{' {
		return
	}

	env, err := decodeEnvelope(data)
	if err != nil {
		c.logger.Debug("frame is not an envelope", "error", err)
		return
	}

	if env.CorrelationID != "" {
		c.resolve(env)
	}

	if env.Type == "pong" {
		return
	}

	if env.Type != "" {
		for _, h := range c.typed.snapshot(env.Type) {
			c.invoke(env.Type, func() { h(env) })
		}
	}
	for _, h := range c.any.snapshot() {
		c.invoke("any", func() { h(env) })
	}
}

// resolve completes the pending request matching env.CorrelationID, if any.
func (c *Client) resolve(env Envelope) {
	c.mu.Lock()
	p, ok := c.pending[env.CorrelationID]
	if ok {
		p.timer.Stop()
		delete(c.pending, env.CorrelationID)
	}
	c.mu.Unlock()

	if !ok {
		return
	}

	if env.hasError() {
		p.replies <- Reply{Err: &ReplyError{Raw: env.Error}}
		return
	}
	p.replies <- Reply{Payload: env.Payload}
}

// decodeEnvelope reads the envelope fields of a JSON object field by field.
// A field of an unexpected JSON type is left at its zero value instead of
// failing the whole frame, so odd metadata never blocks routing.
func decodeEnvelope(data []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Envelope{}, err
	}

	return Envelope{
		V:             int(jsonInt(fields["v"])),
		Type:          jsonString(fields["type"]),
		RequestID:     jsonString(fields["requestId"]),
		CorrelationID: jsonString(fields["correlationId"]),
		Payload:       fields["payload"],
		Ts:            jsonInt(fields["ts"]),
		Error:         fields["error"],
		Topic:         jsonString(fields["topic"]),
	}, nil
}

// jsonString returns raw as a string when it is a JSON string, else "".
func jsonString(raw json.RawMessage) string {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

// jsonInt accepts a JSON number or numeric string and truncates fractions.
// Anything else yields 0.
func jsonInt(raw json.RawMessage) int64 {
	if len(raw) == 0 {
		return 0
	}
	text := string(raw)
	if s := jsonString(raw); s != "" {
		text = s
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return int64(f)
}

// jsonContainer returns '{' or '[' when data is valid JSON with an object or
// array at the top level, and 0 otherwise.
func jsonContainer(data []byte) byte {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return 0
	}
	if !json.Valid(trimmed) {
		return 0
	}
	return trimmed[0]
}
