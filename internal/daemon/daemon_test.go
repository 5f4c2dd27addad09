package daemon

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/gorilla/websocket"
	"github.com/harun/kirogate/internal/config"
	"github.com/harun/kirogate/internal/logger"
	"github.com/harun/kirogate/pkg/acp"
	"github.com/harun/kirogate/pkg/acp/acptest"
	"github.com/harun/kirogate/pkg/gateway"
	"github.com/harun/kirogate/pkg/workspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "daemon-test-secret"

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.Workspace.Mode = string(workspace.ModeFixed)
	cfg.Workspace.FixedDir = dir
	cfg.Logging.AuditFile = filepath.Join(dir, "audit.log")
	cfg.Gateway.Enabled = true
	cfg.Gateway.Port = 0
	cfg.Gateway.SharedSecret = testSecret
	return cfg
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(logger.Config{Level: "debug"})
	require.NoError(t, err)
	return log
}

func agentLauncher(agent *acptest.Agent) func(context.Context, workspace.Workspace, acp.LaunchOptions) (*acp.Conn, error) {
	return func(context.Context, workspace.Workspace, acp.LaunchOptions) (*acp.Conn, error) {
		return agent.Conn(), nil
	}
}

func newTestDaemon(t *testing.T, cfg *config.Config, opts Options) *Daemon {
	t.Helper()

	opts.Config = cfg
	if opts.Logger == nil {
		opts.Logger = testLogger(t)
	}
	if opts.Launch == nil {
		opts.Launch = agentLauncher(acptest.New())
	}
	d, err := New(opts)
	require.NoError(t, err)
	return d
}

func stopDaemon(t *testing.T, d *Daemon) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))
}

func TestNewRequiresConfigAndLogger(t *testing.T) {
	_, err := New(Options{Logger: testLogger(t)})
	assert.Error(t, err)

	_, err = New(Options{Config: config.DefaultConfig()})
	assert.Error(t, err)
}

func TestDaemonStartStop(t *testing.T) {
	cfg := testConfig(t)
	d := newTestDaemon(t, cfg, Options{})

	require.NoError(t, d.Start())
	assert.ErrorIs(t, d.Start(), ErrAlreadyRunning)

	status := d.Status()
	assert.True(t, status.Running)
	assert.Equal(t, []string{gateway.Platform}, status.Channels)
	assert.Zero(t, status.Sessions)

	pid, err := ReadPID(PIDFilePath(cfg.DataDir))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	stopDaemon(t, d)
	assert.False(t, d.Status().Running)
	_, err = os.Stat(PIDFilePath(cfg.DataDir))
	assert.True(t, os.IsNotExist(err))

	assert.ErrorIs(t, d.Stop(context.Background()), ErrNotRunning)
}

func TestDaemonGatewayRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	agent := acptest.New()
	d := newTestDaemon(t, cfg, Options{Launch: agentLauncher(agent)})

	require.NoError(t, d.Start())
	defer stopDaemon(t, d)

	addr := d.GetGatewayServer().Addr()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", http.Header{gateway.SecretHeader: []string{testSecret}})
	require.NoError(t, err)
	defer conn.Close()

	auth := readMessage(t, conn)
	require.Equal(t, "auth.success", auth["event"])

	require.NoError(t, conn.WriteJSON(gateway.RPCRequest{
		ID:      "1",
		Method:  "chat.send",
		Params:  map[string]interface{}{"conversation_id": "c1", "text": "hello"},
		JSONRPC: "2.0",
	}))

	var text strings.Builder
	completed := false
	for !completed {
		msg := readMessage(t, conn)
		switch msg["event"] {
		case "chat.text_chunk":
			data := msg["data"].(map[string]interface{})
			text.WriteString(data["text"].(string))
		case "chat.turn_complete":
			completed = true
		}
	}

	assert.Equal(t, "echo: hello", text.String())
	assert.Equal(t, 1, d.GetSessionManager().Len())
	assert.Equal(t, []string{"hello"}, agent.Prompts())
}

func TestDaemonTelegramRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	cfg.Gateway.Enabled = false
	cfg.Telegram.Enabled = true
	cfg.Telegram.BotToken = "123:abc"
	cfg.Telegram.Allowlist = []int64{42}

	api := newFakeBotAPI()
	d := newTestDaemon(t, cfg, Options{
		TelegramAPI:  api,
		TelegramSelf: tgbotapi.User{ID: 999, UserName: "kirobot", IsBot: true},
	})

	require.NoError(t, d.Start())
	defer stopDaemon(t, d)

	api.updates <- tgbotapi.Update{
		UpdateID: 1,
		Message: &tgbotapi.Message{
			MessageID: 1,
			From:      &tgbotapi.User{ID: 42},
			Chat:      &tgbotapi.Chat{ID: 42, Type: "private"},
			Text:      "ping",
		},
	}

	require.Eventually(t, func() bool {
		return api.sentText(42) == "echo: ping"
	}, 5*time.Second, 20*time.Millisecond)
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()

	var msg map[string]interface{}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

type fakeBotAPI struct {
	mu       sync.Mutex
	updates  chan tgbotapi.Update
	stopped  bool
	nextID   int
	messages map[int64]string
}

func newFakeBotAPI() *fakeBotAPI {
	return &fakeBotAPI{
		updates:  make(chan tgbotapi.Update, 8),
		messages: make(map[int64]string),
	}
}

func (f *fakeBotAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeBotAPI) StopReceivingUpdates() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.stopped {
		f.stopped = true
		close(f.updates)
	}
}

// Send keeps the latest text per chat, following edits.
func (f *fakeBotAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch m := c.(type) {
	case tgbotapi.MessageConfig:
		f.messages[m.ChatID] = m.Text
	case tgbotapi.EditMessageTextConfig:
		f.messages[m.ChatID] = m.Text
	}
	f.nextID++
	return tgbotapi.Message{MessageID: f.nextID}, nil
}

func (f *fakeBotAPI) Request(tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeBotAPI) GetFileDirectURL(fileID string) (string, error) {
	return "", errors.New("no files")
}

func (f *fakeBotAPI) sentText(chatID int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages[chatID]
}
