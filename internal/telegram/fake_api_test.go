package telegram

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/kirogate/internal/config"
	"github.com/harun/kirogate/pkg/channels"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var testSelf = tgbotapi.User{ID: 999, UserName: "kirobot", IsBot: true}

type fakeAPI struct {
	mu       sync.Mutex
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
	nextID   int
	updates  chan tgbotapi.Update
	stopped  bool
	sendErr  error
	// files maps file ids to download URLs.
	files map[string]string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{nextID: 100, updates: make(chan tgbotapi.Update, 16)}
}

func (f *fakeAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeAPI) StopReceivingUpdates() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.stopped {
		f.stopped = true
		close(f.updates)
	}
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return tgbotapi.Message{}, f.sendErr
	}
	f.sent = append(f.sent, c)
	f.nextID++
	return tgbotapi.Message{MessageID: f.nextID}, nil
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) GetFileDirectURL(fileID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	url, ok := f.files[fileID]
	if !ok {
		return "", fmt.Errorf("file %q not found", fileID)
	}
	return url, nil
}

func (f *fakeAPI) addFile(fileID, url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.files == nil {
		f.files = make(map[string]string)
	}
	f.files[fileID] = url
}

// sentMessage is a flattened view of a sent or edited message.
type sentMessage struct {
	ChatID    int64
	MessageID int
	Text      string
	Edit      bool
	Markup    interface{}
}

func (f *fakeAPI) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []sentMessage
	for _, c := range f.sent {
		switch m := c.(type) {
		case tgbotapi.MessageConfig:
			out = append(out, sentMessage{ChatID: m.ChatID, Text: m.Text, Markup: m.ReplyMarkup})
		case tgbotapi.EditMessageTextConfig:
			out = append(out, sentMessage{ChatID: m.ChatID, MessageID: m.MessageID, Text: m.Text, Edit: true})
		}
	}
	return out
}

func (f *fakeAPI) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type recordingDispatch struct {
	mu   sync.Mutex
	msgs []channels.InboundMessage
}

func (d *recordingDispatch) dispatch(_ context.Context, msg channels.InboundMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgs = append(d.msgs, msg)
	return nil
}

func (d *recordingDispatch) messages() []channels.InboundMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]channels.InboundMessage(nil), d.msgs...)
}

func newTestBot(t *testing.T, cfg config.TelegramConfig) (*Bot, *fakeAPI) {
	t.Helper()

	api := newFakeAPI()
	bot, err := New(Options{
		Config:       cfg,
		API:          api,
		Self:         testSelf,
		Logger:       zerolog.Nop(),
		EditInterval: time.Hour,
	})
	require.NoError(t, err)
	return bot, api
}

func privateMessage(userID int64, text string) *tgbotapi.Message {
	return &tgbotapi.Message{
		MessageID: 1,
		From:      &tgbotapi.User{ID: userID, UserName: "alice"},
		Chat:      &tgbotapi.Chat{ID: userID, Type: "private"},
		Text:      text,
	}
}

func groupMessage(userID int64, text string, entities ...tgbotapi.MessageEntity) *tgbotapi.Message {
	return &tgbotapi.Message{
		MessageID: 2,
		From:      &tgbotapi.User{ID: userID, UserName: "alice"},
		Chat:      &tgbotapi.Chat{ID: -1001, Type: "supergroup"},
		Text:      text,
		Entities:  entities,
	}
}

func commandEntity(command string) tgbotapi.MessageEntity {
	return tgbotapi.MessageEntity{Type: "bot_command", Offset: 0, Length: len(command)}
}
