package dingtalk

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// AI card lifecycle states.
const (
	cardStateProcessing = "1"
	cardStateInputing   = "2"
	cardStateFinished   = "3"
	cardStateFailed     = "5"
)

// cardMaxAge is how long a card instance stays writable. The platform
// rejects streaming updates on cards older than this, so a fresh card
// is created for the next turn.
const cardMaxAge = 90 * time.Minute

type cardInstance struct {
	outTrackID string
	createdAt  time.Time
	failed     bool
}

func newOutTrackID() string {
	var b [12]byte
	_, _ = rand.Read(b[:])
	return "card_" + hex.EncodeToString(b[:])
}

// StartStreaming creates and delivers an AI card for the chat. The
// card starts in the processing state; StreamChunk fills it in.
func (c *Channel) StartStreaming(ctx context.Context, chatID string) error {
	if c.config.CardTemplateID == "" {
		return fmt.Errorf("dingtalk card_template_id not configured")
	}

	card := &cardInstance{
		outTrackID: newOutTrackID(),
		createdAt:  time.Now(),
	}

	openSpaceID := "dtv1.card//IM_ROBOT." + chatID
	if isGroupChat(chatID) {
		openSpaceID = "dtv1.card//IM_GROUP." + chatID
	}

	payload := map[string]any{
		"cardTemplateId": c.config.CardTemplateID,
		"outTrackId":     card.outTrackID,
		"callbackType":   "STREAM",
		"openSpaceId":    openSpaceID,
		"userIdType":     1,
		"cardData": map[string]any{
			"cardParamMap": map[string]string{
				c.templateKey(): "",
				"flowStatus":    cardStateProcessing,
			},
		},
	}
	if isGroupChat(chatID) {
		payload["imGroupOpenSpaceModel"] = map[string]any{"supportForward": true}
		payload["imGroupOpenDeliverModel"] = map[string]any{
			"robotCode": c.config.RobotCode,
		}
	} else {
		payload["imRobotOpenSpaceModel"] = map[string]any{"supportForward": true}
		payload["imRobotOpenDeliverModel"] = map[string]any{
			"spaceType": "IM_ROBOT",
		}
	}

	if err := c.apiPost(ctx, http.MethodPost, "/v1.0/card/instances/createAndDeliver", payload, nil); err != nil {
		return fmt.Errorf("create dingtalk card: %w", err)
	}

	c.cardMu.Lock()
	c.cards[chatID] = card
	c.cardMu.Unlock()
	return nil
}

// StreamChunk pushes the accumulated reply into the chat's card.
// Frames carry the full text so far (isFull on the wire). A final
// chunk finalizes the card; later turns start a new one. Once a card
// update fails the card is marked failed for the rest of the turn:
// intermediate chunks are dropped and the final text goes out as a
// plain markdown message instead.
func (c *Channel) StreamChunk(ctx context.Context, chatID, content string, final bool) error {
	c.cardMu.Lock()
	card := c.cards[chatID]
	c.cardMu.Unlock()

	if card == nil || (!card.failed && time.Since(card.createdAt) > cardMaxAge) {
		if err := c.StartStreaming(ctx, chatID); err != nil {
			c.cardMu.Lock()
			c.cards[chatID] = &cardInstance{failed: true, createdAt: time.Now()}
			c.cardMu.Unlock()
			if final {
				return c.finishFailedCard(ctx, chatID, content)
			}
			return err
		}
		c.cardMu.Lock()
		card = c.cards[chatID]
		c.cardMu.Unlock()
	}

	if card.failed {
		if final {
			return c.finishFailedCard(ctx, chatID, content)
		}
		return nil
	}

	payload := map[string]any{
		"outTrackId": card.outTrackID,
		"guid":       uuid.NewString(),
		"key":        c.templateKey(),
		"content":    content,
		"isFull":     true,
		"isFinalize": final,
		"isError":    false,
	}
	if err := c.apiPost(ctx, http.MethodPut, "/v1.0/card/streaming", payload, nil); err != nil {
		c.cardMu.Lock()
		card.failed = true
		c.cardMu.Unlock()
		if final {
			return c.finishFailedCard(ctx, chatID, content)
		}
		return fmt.Errorf("stream dingtalk card: %w", err)
	}

	if final {
		c.cardMu.Lock()
		delete(c.cards, chatID)
		c.cardMu.Unlock()
	}
	return nil
}

// finishFailedCard closes out a turn whose card went bad: the full
// reply is delivered as a markdown message so the user still gets it.
func (c *Channel) finishFailedCard(ctx context.Context, chatID, content string) error {
	c.cardMu.Lock()
	delete(c.cards, chatID)
	c.cardMu.Unlock()
	if content == "" {
		return nil
	}
	return c.sendMarkdown(ctx, chatID, content)
}

func (c *Channel) templateKey() string {
	if c.config.CardTemplateKey != "" {
		return c.config.CardTemplateKey
	}
	return "content"
}

// sendMarkdown delivers a plain markdown robot message, the non-card
// path. Groups and private chats use different endpoints.
func (c *Channel) sendMarkdown(ctx context.Context, chatID, content string) error {
	title := "FlowGate"
	msgParam := map[string]string{"title": title, "text": content}

	if isGroupChat(chatID) {
		payload := map[string]any{
			"msgKey":             "sampleMarkdown",
			"msgParam":           mustJSON(msgParam),
			"openConversationId": chatID,
			"robotCode":          c.robotCode(),
		}
		return c.apiPost(ctx, http.MethodPost, "/v1.0/robot/groupMessages/send", payload, nil)
	}

	payload := map[string]any{
		"msgKey":    "sampleMarkdown",
		"msgParam":  mustJSON(msgParam),
		"robotCode": c.robotCode(),
		"userIds":   []string{chatID},
	}
	return c.apiPost(ctx, http.MethodPost, "/v1.0/robot/oToMessages/batchSend", payload, nil)
}

// robotCode falls back to the client ID, which doubles as the robot
// code for apps created in the developer console.
func (c *Channel) robotCode() string {
	if c.config.RobotCode != "" {
		return c.config.RobotCode
	}
	return c.config.ClientID
}
