package bootstrap

import (
	"fmt"

	"github.com/Gainium/paper-trading-sh/pkg/logging"
)

// InitLogger builds the zap logger at the configured level and installs it
// as the process-wide default. Call after telemetry setup so the OTel
// bridge binds the real logger provider.
func InitLogger(cfg *Config) (*logging.ZapLogger, error) {
	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	logging.SetGlobalLogger(logger)
	return logger, nil
}
