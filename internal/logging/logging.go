// Package logging sets up the server's structured logger, mirroring the
// shape used throughout sakateka/yanet2's common/go/logging: a zap.Config
// built once at startup, with the level held in a zap.AtomicLevel so
// ReloadSettings can change verbosity without restarting the process.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// Config controls logger construction.
type Config struct {
	Level zapcore.Level `yaml:"level"`
}

// Init builds the logger described by cfg, returning the sugared logger
// handlers use plus the atomic level so it can be adjusted later.
func Init(cfg Config) (*zap.SugaredLogger, zap.AtomicLevel, error) {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	if term.IsTerminal(int(os.Stderr.Fd())) {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	zcfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(cfg.Level),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zcfg.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("logging: build logger: %w", err)
	}
	return logger.Sugar(), zcfg.Level, nil
}
