package telegram

import (
	"context"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/kirogate/internal/config"
	"github.com/harun/kirogate/pkg/channels"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startedBot(t *testing.T, cfg config.TelegramConfig) (*Bot, *fakeAPI, *recordingDispatch) {
	t.Helper()

	bot, api := newTestBot(t, cfg)
	d := &recordingDispatch{}
	bot.mu.Lock()
	bot.dispatch = d.dispatch
	bot.mu.Unlock()
	return bot, api, d
}

func TestHandleUpdateAllowedPrivateMessage(t *testing.T) {
	bot, api, d := startedBot(t, config.TelegramConfig{Allowlist: []int64{42}})

	require.NoError(t, bot.handleUpdate(context.Background(), tgbotapi.Update{Message: privateMessage(42, "  what changed?  ")}))

	msgs := d.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "what changed?", msgs[0].Text)
	assert.Equal(t, "42", msgs[0].ConversationID)
	assert.Equal(t, 1, api.requestCount())
	assert.Empty(t, api.messages())
}

func TestHandleUpdateRejectsUnknownUser(t *testing.T) {
	t.Run("private chat gets a reply", func(t *testing.T) {
		bot, api, d := startedBot(t, config.TelegramConfig{Allowlist: []int64{42}})

		require.NoError(t, bot.handleUpdate(context.Background(), tgbotapi.Update{Message: privateMessage(7, "hi")}))

		assert.Empty(t, d.messages())
		msgs := api.messages()
		require.Len(t, msgs, 1)
		assert.Contains(t, msgs[0].Text, "Your user id is 7")
	})

	t.Run("group stays silent", func(t *testing.T) {
		bot, api, d := startedBot(t, config.TelegramConfig{Allowlist: []int64{42}})

		require.NoError(t, bot.handleUpdate(context.Background(), tgbotapi.Update{Message: groupMessage(7, "hi")}))

		assert.Empty(t, d.messages())
		assert.Empty(t, api.messages())
	})

	t.Run("empty allowlist rejects everyone", func(t *testing.T) {
		bot, _, d := startedBot(t, config.TelegramConfig{})

		require.NoError(t, bot.handleUpdate(context.Background(), tgbotapi.Update{Message: privateMessage(42, "hi")}))
		assert.Empty(t, d.messages())
	})
}

func TestHandleUpdateIgnoresBotsAndEmptyUpdates(t *testing.T) {
	bot, api, d := startedBot(t, config.TelegramConfig{Allowlist: []int64{42}})
	ctx := context.Background()

	require.NoError(t, bot.handleUpdate(ctx, tgbotapi.Update{}))

	msg := privateMessage(42, "hi")
	msg.From.IsBot = true
	require.NoError(t, bot.handleUpdate(ctx, tgbotapi.Update{Message: msg}))

	assert.Empty(t, d.messages())
	assert.Empty(t, api.messages())
}

func TestHandleUpdateGroupMentionGating(t *testing.T) {
	cfg := config.TelegramConfig{Allowlist: []int64{42}, RequireMentionInGroups: true}
	ctx := context.Background()

	t.Run("no mention", func(t *testing.T) {
		bot, _, d := startedBot(t, cfg)
		require.NoError(t, bot.handleUpdate(ctx, tgbotapi.Update{Message: groupMessage(42, "hello all")}))
		assert.Empty(t, d.messages())
	})

	t.Run("mention is stripped", func(t *testing.T) {
		bot, _, d := startedBot(t, cfg)
		msg := groupMessage(42, "@kirobot fix the build", tgbotapi.MessageEntity{Type: "mention", Offset: 0, Length: 8})

		require.NoError(t, bot.handleUpdate(ctx, tgbotapi.Update{Message: msg}))

		msgs := d.messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, "fix the build", msgs[0].Text)
		assert.Equal(t, "-1001", msgs[0].ConversationID)
		assert.Equal(t, "42", msgs[0].SenderID)
	})

	t.Run("mention of another user", func(t *testing.T) {
		bot, _, d := startedBot(t, cfg)
		msg := groupMessage(42, "@someone look", tgbotapi.MessageEntity{Type: "mention", Offset: 0, Length: 8})

		require.NoError(t, bot.handleUpdate(ctx, tgbotapi.Update{Message: msg}))
		assert.Empty(t, d.messages())
	})

	t.Run("reply to the bot", func(t *testing.T) {
		bot, _, d := startedBot(t, cfg)
		msg := groupMessage(42, "and the tests?")
		msg.ReplyToMessage = &tgbotapi.Message{From: &testSelf}

		require.NoError(t, bot.handleUpdate(ctx, tgbotapi.Update{Message: msg}))
		require.Len(t, d.messages(), 1)
	})

	t.Run("mention not required", func(t *testing.T) {
		bot, _, d := startedBot(t, config.TelegramConfig{Allowlist: []int64{42}})
		require.NoError(t, bot.handleUpdate(ctx, tgbotapi.Update{Message: groupMessage(42, "hello all")}))
		require.Len(t, d.messages(), 1)
	})
}

func TestHandleUpdateCommands(t *testing.T) {
	cfg := config.TelegramConfig{Allowlist: []int64{42}, RequireMentionInGroups: true}
	ctx := context.Background()

	tests := []struct {
		name string
		text string
		want []string
	}{
		{name: "addressed to this bot", text: "/agent@kirobot plan", want: []string{"/agent plan"}},
		{name: "bare command", text: "/cancel", want: []string{"/cancel"}},
		{name: "start alias", text: "/start", want: []string{"/help"}},
		{name: "other bot", text: "/help@otherbot", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bot, _, d := startedBot(t, cfg)
			msg := groupMessage(42, tt.text, commandEntity(firstWord(tt.text)))

			require.NoError(t, bot.handleUpdate(ctx, tgbotapi.Update{Message: msg}))

			var got []string
			for _, m := range d.messages() {
				got = append(got, m.Text)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHandleUpdateCaptionAndMedia(t *testing.T) {
	ctx := context.Background()

	t.Run("caption is forwarded", func(t *testing.T) {
		bot, _, d := startedBot(t, config.TelegramConfig{Allowlist: []int64{42}})
		msg := privateMessage(42, "")
		msg.Caption = "what is in this screenshot"

		require.NoError(t, bot.handleUpdate(ctx, tgbotapi.Update{Message: msg}))
		msgs := d.messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, "what is in this screenshot", msgs[0].Text)
	})

	t.Run("unsupported media without text", func(t *testing.T) {
		bot, api, d := startedBot(t, config.TelegramConfig{Allowlist: []int64{42}})
		msg := privateMessage(42, "")
		msg.Voice = &tgbotapi.Voice{FileID: "abc"}

		require.NoError(t, bot.handleUpdate(ctx, tgbotapi.Update{Message: msg}))
		assert.Empty(t, d.messages())
		msgs := api.messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, "Only text and image messages are supported.", msgs[0].Text)
	})
}

func TestSetAllowlistTakesEffect(t *testing.T) {
	bot, _, d := startedBot(t, config.TelegramConfig{Allowlist: []int64{42}})
	ctx := context.Background()

	bot.SetAllowlist([]int64{7})
	require.NoError(t, bot.handleUpdate(ctx, tgbotapi.Update{Message: privateMessage(42, "hi")}))
	require.NoError(t, bot.handleUpdate(ctx, tgbotapi.Update{Message: privateMessage(7, "hi")}))

	msgs := d.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, channels.InboundMessage{Platform: Platform, ConversationID: "7", SenderID: "7", Text: "hi"}, msgs[0])
}

func TestHandleUpdateWithoutDispatch(t *testing.T) {
	bot, _ := newTestBot(t, config.TelegramConfig{Allowlist: []int64{42}})

	err := bot.handleUpdate(context.Background(), tgbotapi.Update{Message: privateMessage(42, "hi")})
	assert.Error(t, err)
}

func TestEntityText(t *testing.T) {
	text := "😀 @kirobot hi"

	// The emoji is two UTF-16 code units.
	assert.Equal(t, "@kirobot", entityText(text, tgbotapi.MessageEntity{Offset: 3, Length: 8}))
	assert.Equal(t, "", entityText(text, tgbotapi.MessageEntity{Offset: 10, Length: 50}))
	assert.Equal(t, "", entityText(text, tgbotapi.MessageEntity{Offset: -1, Length: 2}))
}

func firstWord(s string) string {
	for i, r := range s {
		if r == ' ' {
			return s[:i]
		}
	}
	return s
}
