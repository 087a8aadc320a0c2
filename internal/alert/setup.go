package alert

import (
	"go.uber.org/zap"

	"github.com/rcliao/care-companion/internal/config"
	"github.com/rcliao/care-companion/internal/model"
	"github.com/rcliao/care-companion/internal/store"
)

// ChannelsFromConfig builds the enabled channels. Telegram is skipped with
// a warning when no bot token is configured.
func ChannelsFromConfig(cfg *config.Config, inbox store.InboxStore, logger *zap.Logger) []Channel {
	var out []Channel
	for _, name := range cfg.Channels() {
		switch name {
		case model.ChannelTelegram:
			if cfg.Telegram.BotToken == "" {
				logger.Warn("telegram channel enabled but TELEGRAM_BOT_TOKEN is not set; skipping")
				continue
			}
			out = append(out, NewTelegramChannel(cfg.Telegram.APIBase, cfg.Telegram.BotToken))
		case model.ChannelApp:
			out = append(out, NewAppChannel(inbox))
		case model.ChannelLog:
			out = append(out, NewLogChannel(logger))
		}
	}
	return out
}
