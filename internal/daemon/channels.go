package daemon

import (
	"fmt"

	"github.com/harun/kirogate/internal/telegram"
	"github.com/harun/kirogate/pkg/gateway"
)

// initializeChannels creates the enabled chat channels and registers them.
func (d *Daemon) initializeChannels(opts Options) error {
	cfg := d.config
	log := d.logger.GetZerolog()

	if cfg.Gateway.Enabled {
		server, err := gateway.NewServer(gateway.Config{
			Host:         cfg.Gateway.Host,
			Port:         cfg.Gateway.Port,
			SharedSecret: cfg.Gateway.SharedSecret,
			Sessions:     d.sessionMgr,
			Logger:       log,
		})
		if err != nil {
			return fmt.Errorf("failed to create gateway server: %w", err)
		}
		if err := d.registry.Register(server); err != nil {
			return err
		}
		d.gatewayServer = server
		d.logger.Info().
			Str("host", cfg.Gateway.Host).
			Int("port", cfg.Gateway.Port).
			Msg("Gateway channel initialized")
	}

	if cfg.Telegram.Enabled {
		bot, err := telegram.New(telegram.Options{
			Config: cfg.Telegram,
			API:    opts.TelegramAPI,
			Self:   opts.TelegramSelf,
			Logger: log,
		})
		if err != nil {
			return fmt.Errorf("failed to create telegram bot: %w", err)
		}
		if err := d.registry.Register(bot); err != nil {
			return err
		}
		d.telegramBot = bot
		d.logger.Info().
			Int("allowlist", len(cfg.Telegram.Allowlist)).
			Bool("require_mention", cfg.Telegram.RequireMentionInGroups).
			Msg("Telegram channel initialized")
	}

	if len(d.registry.Names()) == 0 {
		d.logger.Warn().Msg("No chat channels are enabled")
	}
	return nil
}
