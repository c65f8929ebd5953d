package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

const apiBase = "https://slack.com/api"

// apiClient is a minimal Slack Web API client. The bot token signs
// message calls; the app token signs apps.connections.open.
type apiClient struct {
	botToken string
	appToken string
	http     *http.Client
}

func newAPIClient(botToken, appToken string) *apiClient {
	return &apiClient{
		botToken: botToken,
		appToken: appToken,
		http:     http.DefaultClient,
	}
}

func (a *apiClient) call(ctx context.Context, method, token string, payload any, out any) error {
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+"/"+method, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("slack api %s: %w", method, err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return fmt.Errorf("slack api %s: %w", method, err)
	}

	var envelope struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(buf.Bytes(), &envelope); err != nil {
		return fmt.Errorf("slack api %s: %w", method, err)
	}
	if !envelope.OK {
		return fmt.Errorf("slack api %s: %s", method, envelope.Error)
	}
	if out != nil {
		if err := json.Unmarshal(buf.Bytes(), out); err != nil {
			return fmt.Errorf("slack api %s: %w", method, err)
		}
	}
	return nil
}

// AuthTest returns the bot's user ID.
func (a *apiClient) AuthTest(ctx context.Context) (string, error) {
	var result struct {
		UserID string `json:"user_id"`
	}
	if err := a.call(ctx, "auth.test", a.botToken, struct{}{}, &result); err != nil {
		return "", err
	}
	return result.UserID, nil
}

// OpenConnection requests a Socket Mode WebSocket URL.
func (a *apiClient) OpenConnection(ctx context.Context) (string, error) {
	var result struct {
		URL string `json:"url"`
	}
	if err := a.call(ctx, "apps.connections.open", a.appToken, nil, &result); err != nil {
		return "", err
	}
	if result.URL == "" {
		return "", fmt.Errorf("apps.connections.open returned empty url")
	}
	return result.URL, nil
}

// PostMessage sends a message and returns its ts.
func (a *apiClient) PostMessage(ctx context.Context, channel, text, threadTS string) (string, error) {
	payload := map[string]any{
		"channel": channel,
		"text":    text,
	}
	if threadTS != "" {
		payload["thread_ts"] = threadTS
	}
	var result struct {
		TS string `json:"ts"`
	}
	if err := a.call(ctx, "chat.postMessage", a.botToken, payload, &result); err != nil {
		return "", err
	}
	return result.TS, nil
}

// UpdateMessage edits an existing message in place.
func (a *apiClient) UpdateMessage(ctx context.Context, channel, ts, text string) error {
	return a.call(ctx, "chat.update", a.botToken, map[string]any{
		"channel": channel,
		"ts":      ts,
		"text":    text,
	}, nil)
}
