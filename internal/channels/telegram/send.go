package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/flowgate/internal/bus"
	"github.com/nextlevelbuilder/flowgate/internal/channels"
)

// Send delivers an outbound message. Streaming frames edit a single
// in-flight preview message; the end-of-stream marker finalizes it and
// flushes any overflow chunks.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if msg.IsStreamTerminator() {
		return c.finalizeStream(ctx, msg.ChatID)
	}
	if msg.Metadata["_streaming"] == "true" {
		return c.updateStream(ctx, msg)
	}

	c.stopTyping(msg.ChatID)

	chatID, err := parseChatID(msg.ChatID)
	if err != nil {
		return err
	}

	if msg.Content != "" {
		for _, chunk := range channels.SplitMessage(msg.Content, messageLimit) {
			if err := c.sendText(ctx, chatID, chunk); err != nil {
				return err
			}
		}
	}

	for _, att := range msg.Media {
		if err := c.sendAttachment(ctx, chatID, att); err != nil {
			slog.Warn("telegram attachment send failed", "path", att.URL, "error", err)
		}
	}
	return nil
}

// sendText sends one chunk as HTML, retrying as plain text when the
// rendered markup is rejected.
func (c *Channel) sendText(ctx context.Context, chatID int64, text string) error {
	params := tu.Message(tu.ID(chatID), markdownToHTML(text))
	params.ParseMode = telego.ModeHTML
	if _, err := c.bot.SendMessage(ctx, params); err != nil {
		plain := tu.Message(tu.ID(chatID), text)
		if _, retryErr := c.bot.SendMessage(ctx, plain); retryErr != nil {
			return fmt.Errorf("send telegram message: %w", retryErr)
		}
	}
	return nil
}

func (c *Channel) sendAttachment(ctx context.Context, chatID int64, att bus.MediaAttachment) error {
	if strings.HasPrefix(att.URL, "http://") || strings.HasPrefix(att.URL, "https://") {
		if strings.HasPrefix(att.ContentType, "image/") {
			photo := tu.Photo(tu.ID(chatID), tu.FileFromURL(att.URL))
			photo.Caption = att.Caption
			_, err := c.bot.SendPhoto(ctx, photo)
			return err
		}
		doc := tu.Document(tu.ID(chatID), tu.FileFromURL(att.URL))
		doc.Caption = att.Caption
		_, err := c.bot.SendDocument(ctx, doc)
		return err
	}

	f, err := os.Open(att.URL)
	if err != nil {
		return fmt.Errorf("open attachment: %w", err)
	}
	defer f.Close()

	if strings.HasPrefix(att.ContentType, "image/") {
		photo := tu.Photo(tu.ID(chatID), tu.File(f))
		photo.Caption = att.Caption
		_, err = c.bot.SendPhoto(ctx, photo)
		return err
	}
	doc := tu.Document(tu.ID(chatID), tu.File(f))
	doc.Caption = att.Caption
	_, err = c.bot.SendDocument(ctx, doc)
	return err
}

// updateStream renders the accumulated reply into one editable message
// per chat. Frames carry the full text so far; only the first chunk is
// shown until the stream ends.
func (c *Channel) updateStream(ctx context.Context, msg bus.OutboundMessage) error {
	if msg.Content == "" {
		return nil
	}

	chatID, err := parseChatID(msg.ChatID)
	if err != nil {
		return err
	}
	display := channels.SplitMessage(msg.Content, messageLimit)[0]

	c.streamMu.Lock()
	msgID, exists := c.streamIDs[msg.ChatID]
	last := c.streamText[msg.ChatID]
	c.streamText[msg.ChatID] = msg.Content
	c.streamMu.Unlock()

	if !exists {
		sent, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), display))
		if err != nil {
			return fmt.Errorf("send stream message: %w", err)
		}
		c.streamMu.Lock()
		c.streamIDs[msg.ChatID] = sent.MessageID
		c.streamMu.Unlock()
		return nil
	}

	// Skip no-op edits and pace the rest; Telegram throttles edits hard.
	if display == channels.SplitMessage(last, messageLimit)[0] || !c.throttle.Allow(msg.ChatID) {
		return nil
	}

	_, err = c.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(chatID),
		MessageID: msgID,
		Text:      display,
	})
	if err != nil {
		slog.Debug("telegram stream edit failed", "chat_id", msg.ChatID, "error", err)
	}
	return nil
}

// finalizeStream re-renders the preview message with formatting and
// sends overflow chunks that did not fit in it.
func (c *Channel) finalizeStream(ctx context.Context, chatIDStr string) error {
	c.streamMu.Lock()
	msgID, exists := c.streamIDs[chatIDStr]
	full := c.streamText[chatIDStr]
	delete(c.streamIDs, chatIDStr)
	delete(c.streamText, chatIDStr)
	c.streamMu.Unlock()

	c.stopTyping(chatIDStr)
	if !exists || full == "" {
		return nil
	}

	chatID, err := parseChatID(chatIDStr)
	if err != nil {
		return err
	}

	chunks := channels.SplitMessage(full, messageLimit)
	_, err = c.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(chatID),
		MessageID: msgID,
		Text:      markdownToHTML(chunks[0]),
		ParseMode: telego.ModeHTML,
	})
	if err != nil {
		// Formatting rejected; the plain preview is already on screen.
		slog.Debug("telegram final edit failed", "chat_id", chatIDStr, "error", err)
	}

	for _, chunk := range chunks[1:] {
		if err := c.sendText(ctx, chatID, chunk); err != nil {
			return err
		}
	}
	return nil
}
