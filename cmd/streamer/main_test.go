package main

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/rickgao/barstream/internal/auth"
	"github.com/rickgao/barstream/internal/config"
)

func TestClientConfig(t *testing.T) {
	s := config.StreamConfig{
		URL:                "wss://bars.example.com/ws",
		Protocols:          []string{"bars.v1"},
		HeartbeatInterval:  15 * time.Second,
		IdleTimeout:        45 * time.Second,
		ReconnectBaseDelay: 100 * time.Millisecond,
		ReconnectMaxDelay:  5 * time.Second,
		ReconnectJitter:    50 * time.Millisecond,
		RequestTimeout:     3 * time.Second,
		WriteTimeout:       2 * time.Second,
		HandshakeTimeout:   4 * time.Second,
		OutboxSize:         32,
	}

	cc := clientConfig(s, auth.Static("tok"))

	if cc.URL != s.URL || len(cc.Protocols) != 1 {
		t.Errorf("URL/Protocols = %q/%v", cc.URL, cc.Protocols)
	}
	if cc.ReconnectBaseWait != s.ReconnectBaseDelay || cc.ReconnectMaxWait != s.ReconnectMaxDelay {
		t.Errorf("reconnect = %v/%v, want %v/%v", cc.ReconnectBaseWait, cc.ReconnectMaxWait, s.ReconnectBaseDelay, s.ReconnectMaxDelay)
	}
	if cc.IdleTimeout != s.IdleTimeout || cc.HeartbeatInterval != s.HeartbeatInterval {
		t.Errorf("heartbeat = %v/%v", cc.HeartbeatInterval, cc.IdleTimeout)
	}
	if cc.OutboxSize != 32 {
		t.Errorf("OutboxSize = %d, want 32", cc.OutboxSize)
	}
	tok, err := cc.TokenProvider.Token(context.Background())
	if err != nil || tok != "tok" {
		t.Errorf("Token() = %q, %v", tok, err)
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		logger := newLogger(config.LogConfig{Level: tt.level, Format: "json"})
		if !logger.Enabled(context.Background(), tt.want) {
			t.Errorf("level %q: %v not enabled", tt.level, tt.want)
		}
		if tt.want > slog.LevelDebug && logger.Enabled(context.Background(), tt.want-4) {
			t.Errorf("level %q: %v unexpectedly enabled", tt.level, tt.want-4)
		}
	}
}
