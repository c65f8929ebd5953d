package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/flowgate/internal/channels"
)

const helpText = `Available commands:
/new — start a new conversation
/help — show this help

Send a message and the agent will reply. Photos, voice notes and
documents are passed through to the agent.`

// handleUpdate processes one incoming Telegram message.
func (c *Channel) handleUpdate(ctx context.Context, msg *telego.Message) {
	if msg.From == nil {
		return
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	senderID := strconv.FormatInt(msg.From.ID, 10)
	if msg.From.Username != "" {
		senderID = senderID + "|" + msg.From.Username
	}

	peerKind := "direct"
	if msg.Chat.Type == "group" || msg.Chat.Type == "supergroup" {
		peerKind = "group"
	}

	content := msg.Text
	if content == "" {
		content = msg.Caption
	}

	// /help is answered locally; /new and /start flow through to the
	// agent loop, which resets the session and acknowledges.
	if content == "/help" {
		_, _ = c.bot.SendMessage(ctx, tu.Message(tu.ID(msg.Chat.ID), helpText))
		return
	}

	media := c.downloadMedia(ctx, msg)
	if content == "" && len(media) == 0 {
		return
	}
	if content == "" {
		content = "[media message]"
	}

	metadata := map[string]string{
		"message_id": strconv.Itoa(msg.MessageID),
	}
	if msg.From.Username != "" {
		metadata["user_name"] = msg.From.Username
	} else if msg.From.FirstName != "" {
		metadata["user_name"] = msg.From.FirstName
	}

	slog.Debug("telegram message received",
		"sender_id", senderID,
		"chat_id", chatID,
		"preview", channels.Truncate(content, 50),
	)

	c.startTyping(ctx, msg.Chat.ID)
	c.HandleMessage(senderID, chatID, content, media, metadata, peerKind)
}

// downloadMedia fetches attached photos, voice notes and documents into
// the local media directory and returns their paths.
func (c *Channel) downloadMedia(ctx context.Context, msg *telego.Message) []string {
	var paths []string

	if len(msg.Photo) > 0 {
		// Highest resolution is last
		photo := msg.Photo[len(msg.Photo)-1]
		if path, err := c.fetchFile(ctx, photo.FileID); err != nil {
			slog.Warn("telegram photo download failed", "error", err)
		} else {
			if scaled, err := channels.PrepareImage(path); err == nil {
				path = scaled
			}
			paths = append(paths, path)
		}
	}

	if msg.Voice != nil {
		if path, err := c.fetchFile(ctx, msg.Voice.FileID); err != nil {
			slog.Warn("telegram voice download failed", "error", err)
		} else {
			paths = append(paths, path)
		}
	}

	if msg.Document != nil {
		if path, err := c.fetchFile(ctx, msg.Document.FileID); err != nil {
			slog.Warn("telegram document download failed", "error", err)
		} else {
			paths = append(paths, path)
		}
	}

	return paths
}

// fetchFile resolves a file_id and downloads it to the media directory.
func (c *Channel) fetchFile(ctx context.Context, fileID string) (string, error) {
	file, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return "", fmt.Errorf("get file info: %w", err)
	}
	if file.FilePath == "" {
		return "", fmt.Errorf("empty file path for file_id %s", fileID)
	}

	dir, err := channels.DownloadDir()
	if err != nil {
		return "", err
	}

	downloadURL := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", c.config.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	dest := filepath.Join(dir, filepath.Base(file.FilePath))
	out, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("save file: %w", err)
	}
	return dest, nil
}
