// Package telegram connects to the Telegram Bot API via long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/flowgate/internal/bus"
	"github.com/nextlevelbuilder/flowgate/internal/channels"
	"github.com/nextlevelbuilder/flowgate/internal/config"
)

// messageLimit is the max characters per Telegram message. The API
// allows 4096; staying under leaves room for HTML entities added by
// formatting.
const messageLimit = 4000

func init() {
	channels.RegisterFactory("telegram", func(cfg *config.Config, msgBus *bus.MessageBus) (channels.Channel, error) {
		return New(cfg.Channels.Telegram, msgBus)
	})
}

// Channel connects to Telegram via the Bot API using long polling.
type Channel struct {
	*channels.BaseChannel
	bot      *telego.Bot
	config   config.TelegramConfig
	throttle *channels.Throttle

	// Streaming edits: one in-flight preview message per chat.
	streamMu   sync.Mutex
	streamIDs  map[string]int    // chatID → message ID being edited
	streamText map[string]string // chatID → last rendered content

	typing sync.Map // chatID → context.CancelFunc for the typing loop

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates a Telegram channel from config.
func New(cfg config.TelegramConfig, msgBus *bus.MessageBus) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}

	var opts []telego.BotOption
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", msgBus, cfg.AllowFrom),
		bot:         bot,
		config:      cfg,
		throttle:    channels.NewThrottle(1, 3), // edits per chat, Bot API tolerance
		streamIDs:   make(map[string]int),
		streamText:  make(map[string]string),
	}, nil
}

// Start begins long polling for updates.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting telegram channel (long polling)")

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram bot connected", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				if update.Message != nil {
					c.handleUpdate(pollCtx, update.Message)
				}
			}
		}
	}()

	return nil
}

// Stop cancels long polling and waits for the poll goroutine, so
// Telegram releases the getUpdates lock before a restart.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping telegram channel")
	c.SetRunning(false)

	c.typing.Range(func(_, v any) bool {
		v.(context.CancelFunc)()
		return true
	})

	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

// startTyping shows the typing indicator until stopTyping is called.
// Telegram clears the action after ~5s, so it is re-sent every 4s.
func (c *Channel) startTyping(ctx context.Context, chatID int64) {
	key := strconv.FormatInt(chatID, 10)
	if prev, loaded := c.typing.LoadAndDelete(key); loaded {
		prev.(context.CancelFunc)()
	}

	typingCtx, cancel := context.WithCancel(ctx)
	c.typing.Store(key, cancel)

	go func() {
		ticker := time.NewTicker(4 * time.Second)
		defer ticker.Stop()
		for {
			_ = c.bot.SendChatAction(typingCtx, &telego.SendChatActionParams{
				ChatID: telego.ChatID{ID: chatID},
				Action: telego.ChatActionTyping,
			})
			select {
			case <-typingCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (c *Channel) stopTyping(chatID string) {
	if cancel, loaded := c.typing.LoadAndDelete(chatID); loaded {
		cancel.(context.CancelFunc)()
	}
}

func parseChatID(chatID string) (int64, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram chat ID %q: %w", chatID, err)
	}
	return id, nil
}
