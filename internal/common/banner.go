package common

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"
)

// PrintBanner displays the application banner and the resolved endpoints
func PrintBanner(config *Config, logger arbor.ILogger) {
	banner.PrintSimple("GMP Labwork", GetVersion())

	logger.Info().
		Str("version", GetFullVersion()).
		Str("storage", config.Storage.Badger.Path).
		Str("remote", config.Remote.BaseURL).
		Bool("agent_enabled", config.Agent.Enabled).
		Msg("Labwork sync agent")
}
