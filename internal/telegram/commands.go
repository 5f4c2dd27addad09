package telegram

import (
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// botCommands is the command menu shown by Telegram clients. Commands are
// forwarded to the session as slash text.
var botCommands = []tgbotapi.BotCommand{
	{Command: "help", Description: "Show available commands"},
	{Command: "agent", Description: "List or switch the agent mode"},
	{Command: "model", Description: "List or switch the model"},
	{Command: "cancel", Description: "Cancel the running request"},
}

// commandAliases maps Telegram-specific commands onto session commands.
var commandAliases = map[string]string{
	"start": "help",
}

func (b *Bot) registerCommands() error {
	if _, err := b.api.Request(tgbotapi.NewSetMyCommands(botCommands...)); err != nil {
		return fmt.Errorf("failed to set commands: %w", err)
	}

	b.logger.Debug().Int("count", len(botCommands)).Msg("Bot commands updated")
	return nil
}

// commandText rebuilds a command message as "/name args" without the
// @botname suffix, and returns that suffix.
func commandText(msg *tgbotapi.Message) (text string, target string) {
	withAt := msg.CommandWithAt()
	name, target, _ := strings.Cut(withAt, "@")
	name = strings.ToLower(name)
	if alias, ok := commandAliases[name]; ok {
		name = alias
	}

	text = "/" + name
	if args := strings.TrimSpace(msg.CommandArguments()); args != "" {
		text += " " + args
	}
	return text, target
}
