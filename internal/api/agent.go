package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// AgentPath is the strategy agent endpoint.
const AgentPath = "/api/strategy-agent"

// ErrEmptyMessage is returned for blank agent prompts.
var ErrEmptyMessage = errors.New("message is required")

// RawSender is the part of the stream connection that forwards commands.
type RawSender interface {
	SendRaw(frame any) error
}

// RunAgent sends message to the strategy agent and returns its reply.
func (c *Client) RunAgent(ctx context.Context, message string) (*AgentResponse, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, ErrEmptyMessage
	}

	var resp AgentResponse
	if err := c.post(ctx, AgentPath, AgentRequest{Message: message}, &resp); err != nil {
		return nil, fmt.Errorf("run agent: %w", err)
	}

	c.logger.Debug("agent response",
		"streams", len(resp.Streams),
		"final_output", resp.FinalOutput != "",
	)

	return &resp, nil
}

// ForwardStreams passes every non-empty stream payload in resp to sender
// unmodified, in order. It returns the number forwarded.
func ForwardStreams(sender RawSender, streams []StreamCommand, logger *slog.Logger) int {
	if logger == nil {
		logger = slog.Default()
	}

	forwarded := 0
	for i, s := range streams {
		if s.Empty() {
			continue
		}
		if err := sender.SendRaw(s.Payload); err != nil {
			logger.Warn("failed to forward stream payload", "index", i, "error", err)
			continue
		}
		forwarded++
	}
	return forwarded
}
