package mochat

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// watchEvent is one entry in a session watch payload or a synthesized
// panel poll result.
type watchEvent struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

type eventPayload struct {
	MessageID  string         `json:"messageId"`
	Author     string         `json:"author"`
	Content    any            `json:"content"`
	GroupID    string         `json:"groupId"`
	Meta       map[string]any `json:"meta"`
	AuthorInfo struct {
		Nickname string `json:"nickname"`
		Email    string `json:"email"`
		AgentID  string `json:"agentId"`
	} `json:"authorInfo"`
}

// refreshLoop re-lists the directory on an interval so auto-discovered
// sessions and panels pick up watch workers.
func (c *Channel) refreshLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.refreshTargets()
			c.ensureWorkers()
		}
	}
}

func (c *Channel) refreshTargets() {
	if c.autoSessions {
		c.refreshSessions()
	}
	if c.autoPanels {
		c.refreshPanels()
	}
}

func (c *Channel) refreshSessions() {
	resp, err := c.postJSON(c.ctx, "/api/claw/sessions/list", map[string]any{})
	if err != nil {
		slog.Warn("mochat session list failed", "error", err)
		return
	}
	sessions, _ := resp["sessions"].([]any)

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, raw := range sessions {
		s, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		sid := strField(s, "sessionId")
		if sid == "" || c.sessionSet[sid] {
			continue
		}
		c.sessionSet[sid] = true
		if _, known := c.sessionCursor[sid]; !known {
			c.coldSessions[sid] = true
		}
	}
}

func (c *Channel) refreshPanels() {
	resp, err := c.postJSON(c.ctx, "/api/claw/groups/get", map[string]any{})
	if err != nil {
		slog.Warn("mochat panel list failed", "error", err)
		return
	}
	panels, _ := resp["panels"].([]any)

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, raw := range panels {
		p, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		pid := strField(p, "id", "_id")
		if pid != "" {
			c.panelSet[pid] = true
		}
	}
}

// ensureWorkers starts a watch goroutine per session and a poll
// goroutine per panel. Workers are never restarted here once running;
// they live until the channel stops.
func (c *Channel) ensureWorkers() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for sid := range c.sessionSet {
		if c.sessionWorkers[sid] {
			continue
		}
		c.sessionWorkers[sid] = true
		c.wg.Add(1)
		go c.sessionWatchWorker(sid)
	}
	for pid := range c.panelSet {
		if c.panelWorkers[pid] {
			continue
		}
		c.panelWorkers[pid] = true
		c.wg.Add(1)
		go c.panelPollWorker(pid)
	}
}

// sessionWatchWorker long-polls one session for new events.
func (c *Channel) sessionWatchWorker(sessionID string) {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		cursor := c.sessionCursor[sessionID]
		c.mu.Unlock()

		resp, err := c.postJSON(c.ctx, "/api/claw/sessions/watch", map[string]any{
			"sessionId": sessionID,
			"cursor":    cursor,
			"timeoutMs": watchTimeoutMs,
			"limit":     watchLimit,
		})
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			slog.Warn("mochat session watch failed", "session_id", sessionID, "error", err)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}
		c.handleWatchPayload(sessionID, resp, "session")
	}
}

// panelPollWorker fetches a panel's recent messages on an interval and
// replays them as message.add events; the dedupe window drops the
// already-seen ones.
func (c *Channel) panelPollWorker(panelID string) {
	defer c.wg.Done()

	ticker := time.NewTicker(panelPollInterval)
	defer ticker.Stop()

	for {
		c.pollPanelOnce(panelID)
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Channel) pollPanelOnce(panelID string) {
	resp, err := c.postJSON(c.ctx, "/api/claw/groups/panels/messages", map[string]any{
		"panelId": panelID,
		"limit":   watchLimit,
	})
	if err != nil {
		if c.ctx.Err() == nil {
			slog.Warn("mochat panel poll failed", "panel_id", panelID, "error", err)
		}
		return
	}

	groupID := strField(resp, "groupId")
	messages, _ := resp["messages"].([]any)
	// Newest-first in the API; replay oldest-first.
	for i := len(messages) - 1; i >= 0; i-- {
		m, ok := messages[i].(map[string]any)
		if !ok {
			continue
		}
		payload := eventPayload{
			MessageID: strField(m, "messageId"),
			Author:    strField(m, "author"),
			Content:   m["content"],
			GroupID:   groupID,
		}
		if meta, ok := m["meta"].(map[string]any); ok {
			payload.Meta = meta
		}
		c.processInboundEvent(panelID, payload, "panel")
	}
}

// handleWatchPayload applies the cursor and dispatches message.add
// events. The first payload for a session without a saved cursor is
// history, not new traffic, and is swallowed.
func (c *Channel) handleWatchPayload(targetID string, resp map[string]any, targetKind string) {
	if cursor, ok := resp["cursor"].(float64); ok && targetKind == "session" && cursor >= 0 {
		c.markSessionCursor(targetID, int(cursor))
	}

	rawEvents, _ := resp["events"].([]any)
	if len(rawEvents) == 0 {
		return
	}

	if targetKind == "session" {
		c.mu.Lock()
		cold := c.coldSessions[targetID]
		delete(c.coldSessions, targetID)
		c.mu.Unlock()
		if cold {
			return
		}
	}

	for _, raw := range rawEvents {
		ev, ok := raw.(map[string]any)
		if !ok || strField(ev, "type") != "message.add" {
			continue
		}
		payloadMap, ok := ev["payload"].(map[string]any)
		if !ok {
			continue
		}
		data, err := json.Marshal(payloadMap)
		if err != nil {
			continue
		}
		var payload eventPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			continue
		}
		c.processInboundEvent(targetID, payload, targetKind)
	}
}

// processInboundEvent publishes one event to the bus, skipping the
// agent's own messages and duplicates.
func (c *Channel) processInboundEvent(targetID string, payload eventPayload, targetKind string) {
	author := strings.TrimSpace(payload.Author)
	if author == "" || (c.config.AgentUserID != "" && author == c.config.AgentUserID) {
		return
	}

	seenKey := targetKind + ":" + targetID
	if payload.MessageID != "" && c.rememberMessageID(seenKey, payload.MessageID) {
		return
	}

	body := normalizeContent(payload.Content)
	if body == "" {
		body = "[empty message]"
	}

	peerKind := "direct"
	if payload.GroupID != "" {
		peerKind = "group"
	}

	metadata := map[string]string{
		"target_kind": targetKind,
	}
	if payload.MessageID != "" {
		metadata["message_id"] = payload.MessageID
	}
	if payload.GroupID != "" {
		metadata["group_id"] = payload.GroupID
	}
	if wasMentioned(payload, c.config.AgentUserID) {
		metadata["was_mentioned"] = "true"
	}
	if name := firstNonEmpty(payload.AuthorInfo.Nickname, payload.AuthorInfo.Email); name != "" {
		metadata["user_name"] = name
	}

	slog.Debug("mochat message received",
		"target_id", targetID,
		"target_kind", targetKind,
		"sender_id", author,
	)
	c.HandleMessage(author, targetID, body, nil, metadata, peerKind)
}

// normalizeContent flattens message content to text; structured
// payloads are forwarded as compact JSON.
func normalizeContent(content any) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}

// wasMentioned checks the event meta and content for a mention of the
// configured agent user.
func wasMentioned(payload eventPayload, agentUserID string) bool {
	if meta := payload.Meta; meta != nil {
		if meta["mentioned"] == true || meta["wasMentioned"] == true {
			return true
		}
		if agentUserID != "" {
			for _, field := range []string{"mentions", "mentionIds", "mentionedUserIds", "mentionedUsers"} {
				for _, id := range mentionIDs(meta[field]) {
					if id == agentUserID {
						return true
					}
				}
			}
		}
	}
	if agentUserID == "" {
		return false
	}
	content, ok := payload.Content.(string)
	if !ok || content == "" {
		return false
	}
	return strings.Contains(content, "<@"+agentUserID+">") || strings.Contains(content, "@"+agentUserID)
}

// mentionIDs extracts user IDs from a mention list, which can hold
// bare strings or objects keyed by id/userId/_id.
func mentionIDs(value any) []string {
	list, ok := value.([]any)
	if !ok {
		return nil
	}
	var ids []string
	for _, item := range list {
		switch v := item.(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				ids = append(ids, s)
			}
		case map[string]any:
			if id := strField(v, "id", "userId", "_id"); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// strField returns the first non-empty string value under the given
// keys.
func strField(src map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := src[k].(string); ok {
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
