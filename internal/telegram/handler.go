package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/kirogate/internal/observability"
	"github.com/harun/kirogate/pkg/channels"
)

// MessageContext contains message metadata
type MessageContext struct {
	ChatID    int64
	MessageID int
	UserID    int64
	Username  string
	Text      string
	Timestamp time.Time
	IsGroup   bool
	// IsMention is set when the message addresses the bot: an @mention, a
	// reply to one of its messages, or a command aimed at it.
	IsMention bool
	// ForOtherBot is set for commands addressed to a different bot.
	ForOtherBot bool
}

// parseMessage extracts the metadata and the text to forward. Captions stand
// in for text on media messages.
func (b *Bot) parseMessage(msg *tgbotapi.Message) MessageContext {
	mc := MessageContext{
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
		UserID:    msg.From.ID,
		Username:  msg.From.UserName,
		Timestamp: msg.Time(),
		IsGroup:   msg.Chat.IsGroup() || msg.Chat.IsSuperGroup(),
	}

	if msg.IsCommand() {
		text, target := commandText(msg)
		mc.Text = text
		switch {
		case target == "":
			mc.IsMention = true
		case strings.EqualFold(target, b.self.UserName):
			mc.IsMention = true
		default:
			mc.ForOtherBot = true
		}
		return mc
	}

	text := msg.Text
	entities := msg.Entities
	if text == "" {
		text = msg.Caption
		entities = msg.CaptionEntities
	}

	mentions := b.mentions(text, entities)
	mc.IsMention = len(mentions) > 0 || b.isReplyToSelf(msg)
	for _, mention := range mentions {
		text = strings.ReplaceAll(text, mention, "")
	}
	mc.Text = strings.TrimSpace(text)
	return mc
}

// mentions returns the entity texts that address the bot.
func (b *Bot) mentions(text string, entities []tgbotapi.MessageEntity) []string {
	var found []string
	for _, entity := range entities {
		switch entity.Type {
		case "mention":
			mention := entityText(text, entity)
			if b.self.UserName != "" && strings.EqualFold(mention, "@"+b.self.UserName) {
				found = append(found, mention)
			}
		case "text_mention":
			if entity.User != nil && entity.User.ID == b.self.ID {
				found = append(found, entityText(text, entity))
			}
		}
	}
	return found
}

func (b *Bot) isReplyToSelf(msg *tgbotapi.Message) bool {
	reply := msg.ReplyToMessage
	return reply != nil && reply.From != nil && reply.From.ID == b.self.ID
}

// entityText slices text by an entity's UTF-16 offsets.
func entityText(text string, entity tgbotapi.MessageEntity) string {
	units := utf16.Encode([]rune(text))
	end := entity.Offset + entity.Length
	if entity.Offset < 0 || entity.Length <= 0 || end > len(units) {
		return ""
	}
	return string(utf16.Decode(units[entity.Offset:end]))
}

// handleUpdate gates an update and dispatches it as an inbound message.
func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) error {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil || msg.From.IsBot {
		return nil
	}

	mc := b.parseMessage(msg)
	logger := b.logger.With().
		Int64("chat_id", mc.ChatID).
		Int64("user_id", mc.UserID).
		Bool("is_group", mc.IsGroup).
		Logger()

	if mc.ForOtherBot {
		return nil
	}

	if !b.IsAllowed(mc.UserID) {
		observability.RecordChannelReject(Platform, "not_allowed")
		logger.Warn().Str("username", mc.Username).Msg("Rejected message from user not on allowlist")
		if mc.IsGroup {
			return nil
		}
		return b.SendMessage(mc.ChatID, fmt.Sprintf("⚠️ You are not allowed to use this bot. Your user id is %d.", mc.UserID))
	}

	if mc.IsGroup && b.requireMention && !mc.IsMention {
		observability.RecordChannelReject(Platform, "no_mention")
		logger.Debug().Msg("Ignoring group message without mention")
		return nil
	}

	var images []channels.Image
	if hasImage(msg) {
		img, err := b.media.DownloadImage(ctx, msg)
		if err != nil {
			observability.RecordChannelReject(Platform, "media_failed")
			logger.Warn().Err(err).Msg("Failed to download image")
			if errors.Is(err, ErrMediaTooLarge) {
				return b.SendMessage(mc.ChatID, "❌ The image is larger than 5 MB.")
			}
			return b.SendMessage(mc.ChatID, "❌ Could not download the image.")
		}
		images = append(images, img)
	}

	if mc.Text == "" && len(images) == 0 {
		observability.RecordChannelReject(Platform, "unsupported")
		if mc.IsGroup {
			return nil
		}
		return b.SendMessage(mc.ChatID, "Only text and image messages are supported.")
	}

	dispatch := b.dispatchFunc()
	if dispatch == nil {
		return fmt.Errorf("bot is not running")
	}

	if err := b.SendTyping(mc.ChatID); err != nil {
		logger.Debug().Err(err).Msg("Failed to send typing action")
	}

	logger.Debug().Msg("Message received")

	err := dispatch(ctx, channels.InboundMessage{
		Platform:       Platform,
		ConversationID: strconv.FormatInt(mc.ChatID, 10),
		SenderID:       strconv.FormatInt(mc.UserID, 10),
		Text:           mc.Text,
		Images:         images,
	})
	if err != nil {
		// The session has already told the chat why.
		logger.Debug().Err(err).Msg("Inbound message rejected")
	}
	return nil
}

func (b *Bot) dispatchFunc() channels.DispatchFunc {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dispatch
}
