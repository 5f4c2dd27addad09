package daemon

import (
	"context"
	"reflect"

	"github.com/harun/kirogate/internal/config"
	"github.com/harun/kirogate/internal/observability"
)

// applyConfig takes a reloaded config. The log level and the Telegram
// allowlist change in place; session settings apply to sessions created from
// now on. Listener addresses, tokens and secrets need a restart.
func (d *Daemon) applyConfig(cfg *config.Config) {
	d.mu.Lock()
	old := d.config
	d.config = cfg
	d.mu.Unlock()

	var applied []string

	if cfg.Logging.Level != old.Logging.Level {
		if err := d.logger.SetLevel(cfg.Logging.Level); err != nil {
			d.logger.Warn().Err(err).Str("level", cfg.Logging.Level).Msg("Failed to apply log level")
		} else {
			applied = append(applied, "logging.level")
		}
	}

	if d.telegramBot != nil && !reflect.DeepEqual(cfg.Telegram.Allowlist, old.Telegram.Allowlist) {
		d.telegramBot.SetAllowlist(cfg.Telegram.Allowlist)
		applied = append(applied, "telegram.allowlist")
	}

	if restart := restartRequired(old, cfg); len(restart) > 0 {
		d.logger.Warn().Strs("fields", restart).Msg("Config changes take effect after restart")
	}

	d.logger.Info().Strs("applied", applied).Msg("Config change applied")
	observability.RecordConfigAudit(context.Background(), "reload", "config_file", map[string]interface{}{
		"applied": applied,
	})
}

// restartRequired lists the changed settings that cannot be applied live.
func restartRequired(old, cfg *config.Config) []string {
	var fields []string
	if old.Gateway != cfg.Gateway {
		fields = append(fields, "gateway")
	}
	if old.Telegram.Enabled != cfg.Telegram.Enabled ||
		old.Telegram.BotToken != cfg.Telegram.BotToken ||
		old.Telegram.RequireMentionInGroups != cfg.Telegram.RequireMentionInGroups {
		fields = append(fields, "telegram")
	}
	if old.Metrics != cfg.Metrics {
		fields = append(fields, "metrics")
	}
	if old.Tracing != cfg.Tracing {
		fields = append(fields, "tracing")
	}
	if old.DataDir != cfg.DataDir {
		fields = append(fields, "data_dir")
	}
	return fields
}
