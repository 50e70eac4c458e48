package logger

import (
	"strings"

	"go.uber.org/zap"
)

// New builds a zap logger for the given mode: "prod"/"production" emits JSON
// at info level, anything else uses the development console encoder.
func New(mode string) (*zap.Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}
