package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/kirogate/internal/config"
	"github.com/harun/kirogate/internal/tracing"
	"github.com/harun/kirogate/pkg/channels"
	"github.com/rs/zerolog"
)

// Platform is the channel name Telegram conversations are keyed by.
const Platform = "telegram"

const pollTimeout = 60

// Options configures a Bot.
type Options struct {
	Config config.TelegramConfig
	// API overrides the Bot API client. When nil, New authenticates with
	// Config.BotToken.
	API BotAPI
	// Self is the bot's own user when API is set.
	Self   tgbotapi.User
	Logger zerolog.Logger
	// EditInterval is the minimum time between edits of a streamed message.
	EditInterval time.Duration
}

// Bot is the Telegram long-poll channel. It implements channels.Channel.
type Bot struct {
	api            BotAPI
	self           tgbotapi.User
	requireMention bool
	logger         zerolog.Logger
	streaming      *Streaming
	media          *Media

	allowMu   sync.RWMutex
	allowlist map[int64]struct{}

	mu       sync.Mutex
	running  bool
	dispatch channels.DispatchFunc
	cancel   context.CancelFunc
	done     chan struct{}

	toolMu    sync.Mutex
	toolCalls map[int64]map[string]int
}

var _ channels.Channel = (*Bot)(nil)

// New creates a new Telegram bot instance
func New(opts Options) (*Bot, error) {
	logger := opts.Logger.With().Str("component", "telegram").Logger()

	api := opts.API
	self := opts.Self
	if api == nil {
		if opts.Config.BotToken == "" {
			return nil, fmt.Errorf("bot token is required")
		}
		botAPI, err := tgbotapi.NewBotAPI(opts.Config.BotToken)
		if err != nil {
			return nil, fmt.Errorf("failed to create bot API: %w", err)
		}
		api = botAPI
		self = botAPI.Self
	}

	logger.Info().
		Str("username", self.UserName).
		Int64("id", self.ID).
		Msg("Telegram bot authenticated")

	b := &Bot{
		api:            api,
		self:           self,
		requireMention: opts.Config.RequireMentionInGroups,
		logger:         logger,
		streaming:      NewStreaming(api, opts.EditInterval, logger),
		media:          NewMedia(api, logger),
		toolCalls:      make(map[int64]map[string]int),
	}
	b.SetAllowlist(opts.Config.Allowlist)
	return b, nil
}

// Name implements channels.Channel.
func (b *Bot) Name() string {
	return Platform
}

// SetAllowlist replaces the set of user ids allowed to talk to the bot. It is
// safe to call while the bot is running.
func (b *Bot) SetAllowlist(ids []int64) {
	allowlist := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		allowlist[id] = struct{}{}
	}

	b.allowMu.Lock()
	b.allowlist = allowlist
	b.allowMu.Unlock()

	if len(ids) == 0 {
		b.logger.Warn().Msg("Telegram allowlist is empty; all messages will be rejected")
	}
}

// IsAllowed reports whether a user id is on the allowlist.
func (b *Bot) IsAllowed(userID int64) bool {
	b.allowMu.RLock()
	defer b.allowMu.RUnlock()
	_, ok := b.allowlist[userID]
	return ok
}

// Start registers the bot commands and begins long polling.
func (b *Bot) Start(ctx context.Context, dispatch channels.DispatchFunc) error {
	if dispatch == nil {
		return fmt.Errorf("dispatch function is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return fmt.Errorf("bot is already running")
	}

	if err := b.registerCommands(); err != nil {
		b.logger.Warn().Err(err).Msg("Failed to register bot commands")
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeout
	updates := b.api.GetUpdatesChan(u)

	loopCtx, cancel := context.WithCancel(tracing.Detach(ctx))
	b.dispatch = dispatch
	b.cancel = cancel
	b.done = make(chan struct{})
	b.running = true

	go b.processUpdates(loopCtx, updates, b.done)

	b.logger.Info().Msg("Telegram bot started")
	return nil
}

// Stop stops polling and waits for the update loop to exit.
func (b *Bot) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	cancel := b.cancel
	done := b.done
	b.mu.Unlock()

	b.logger.Info().Msg("Stopping Telegram bot")

	b.api.StopReceivingUpdates()
	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("failed to stop telegram bot: %w", ctx.Err())
	}

	b.logger.Info().Msg("Telegram bot stopped")
	return nil
}

// IsRunning returns whether the bot is running
func (b *Bot) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *Bot) processUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if err := b.handleUpdate(ctx, update); err != nil {
				b.logger.Warn().
					Err(err).
					Int("update_id", update.UpdateID).
					Msg("Failed to handle update")
			}
		}
	}
}

// Deliver implements channels.Channel. conversationID is the chat id.
func (b *Bot) Deliver(ctx context.Context, conversationID string, ev channels.OutboundEvent) error {
	chatID, err := strconv.ParseInt(conversationID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", conversationID, err)
	}

	switch ev.Kind {
	case channels.KindTextChunk:
		return b.streaming.Append(chatID, ev.Text)

	case channels.KindTurnComplete:
		err := b.streaming.Finish(chatID)
		b.clearToolCalls(chatID)
		if text := channels.RenderText(ev); text != "" {
			err = errors.Join(err, b.SendMessage(chatID, text))
		}
		return err

	case channels.KindToolCallStatus:
		flushErr := b.streaming.Finish(chatID)
		return errors.Join(flushErr, b.sendToolCall(chatID, ev))

	case channels.KindPermissionPrompt:
		flushErr := b.streaming.Finish(chatID)
		msg := tgbotapi.NewMessage(chatID, channels.RenderText(ev))
		msg.ReplyMarkup = permissionKeyboard()
		_, err := b.api.Send(msg)
		if err != nil {
			err = fmt.Errorf("failed to send permission prompt: %w", err)
		}
		return errors.Join(flushErr, err)

	default:
		flushErr := b.streaming.Finish(chatID)
		text := channels.RenderText(ev)
		if text == "" {
			return flushErr
		}
		return errors.Join(flushErr, b.SendMessage(chatID, text))
	}
}

// sendToolCall sends the first status of a tool call and edits that message
// for later statuses.
func (b *Bot) sendToolCall(chatID int64, ev channels.OutboundEvent) error {
	text := channels.RenderText(ev)
	if text == "" || ev.ToolCall == nil {
		return nil
	}
	id := ev.ToolCall.ToolCallID

	b.toolMu.Lock()
	messageID, ok := b.toolCalls[chatID][id]
	b.toolMu.Unlock()

	if ok {
		_, err := b.api.Send(tgbotapi.NewEditMessageText(chatID, messageID, text))
		if err != nil && !isNotModified(err) {
			return fmt.Errorf("failed to update tool call message: %w", err)
		}
		return nil
	}

	sent, err := b.api.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		return fmt.Errorf("failed to send tool call message: %w", err)
	}
	if id == "" {
		return nil
	}

	b.toolMu.Lock()
	if b.toolCalls[chatID] == nil {
		b.toolCalls[chatID] = make(map[string]int)
	}
	b.toolCalls[chatID][id] = sent.MessageID
	b.toolMu.Unlock()
	return nil
}

func (b *Bot) clearToolCalls(chatID int64) {
	b.toolMu.Lock()
	delete(b.toolCalls, chatID)
	b.toolMu.Unlock()
}

// SendMessage sends a text message, split to Telegram's length limit.
func (b *Bot) SendMessage(chatID int64, text string) error {
	for _, part := range splitMessage(text, maxMessageLength) {
		if _, err := b.api.Send(tgbotapi.NewMessage(chatID, part)); err != nil {
			return fmt.Errorf("failed to send message: %w", err)
		}
	}

	b.logger.Debug().
		Int64("chat_id", chatID).
		Msg("Message sent")
	return nil
}

// SendTyping sends typing action
func (b *Bot) SendTyping(chatID int64) error {
	if _, err := b.api.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		return fmt.Errorf("failed to send typing action: %w", err)
	}
	return nil
}

func permissionKeyboard() tgbotapi.ReplyKeyboardMarkup {
	keyboard := tgbotapi.NewOneTimeReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton("y"),
			tgbotapi.NewKeyboardButton("n"),
			tgbotapi.NewKeyboardButton("t"),
		),
	)
	keyboard.Selective = true
	return keyboard
}

func isNotModified(err error) bool {
	return err != nil && strings.Contains(err.Error(), "message is not modified")
}
