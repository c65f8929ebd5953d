package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// socketEnvelope is one frame on the Socket Mode connection.
type socketEnvelope struct {
	Type       string `json:"type"`
	EnvelopeID string `json:"envelope_id"`
	Payload    struct {
		Event slackEvent `json:"event"`
	} `json:"payload"`
}

// slackEvent is the subset of events-api fields the connector reads.
type slackEvent struct {
	Type     string `json:"type"`
	Subtype  string `json:"subtype"`
	User     string `json:"user"`
	BotID    string `json:"bot_id"`
	Text     string `json:"text"`
	Channel  string `json:"channel"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts"`
}

// socketLoop keeps a Socket Mode connection open. Slack rotates the
// WebSocket URL on every connect, so each retry re-opens one.
func (c *Channel) socketLoop(ctx context.Context) {
	defer close(c.done)

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.connectAndServe(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("slack socket disconnected", "error", err, "backoff", backoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 30*time.Second)
	}
}

func (c *Channel) connectAndServe(ctx context.Context) error {
	wsURL, err := c.api.OpenConnection(ctx)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial slack socket: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var env socketEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			slog.Warn("invalid slack socket frame", "error", err)
			continue
		}

		// Ack first; Slack redelivers unacked envelopes.
		if env.EnvelopeID != "" {
			ack := map[string]string{"envelope_id": env.EnvelopeID}
			if err := conn.WriteJSON(ack); err != nil {
				slog.Debug("slack ack failed", "error", err)
			}
		}

		switch env.Type {
		case "hello":
			slog.Debug("slack socket ready")
		case "disconnect":
			// Slack asks clients to reconnect before it closes the link.
			return fmt.Errorf("server requested reconnect")
		case "events_api":
			ev := env.Payload.Event
			if ev.Type == "message" || ev.Type == "app_mention" {
				c.handleEvent(&ev)
			}
		}
	}
}
