// Package logger builds the zap loggers used by the diskrank commands.
package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects level, format and destination of the log output.
type Config struct {
	// Level is the minimum level ("debug", "info", "warn", "error"); invalid
	// or empty means info.
	Level string
	// Format is "json" or "console".
	Format string
	// OutputFile is a path, or "stdout"/"stderr" (empty means stderr so that
	// command output on stdout stays clean).
	OutputFile string
	// Service is added to every entry as the "service" field when set.
	Service string
}

// New creates a logger from cfg.
func New(cfg Config) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil || cfg.Level == "" {
		level.SetLevel(zap.InfoLevel)
	}

	ws, err := writeSyncer(cfg.OutputFile)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(encoder(cfg.Format), ws, level)
	l := zap.New(core, zap.AddCaller())
	if cfg.Service != "" {
		l = l.With(zap.String("service", cfg.Service))
	}
	return l, nil
}

func encoder(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeLevel = zapcore.CapitalLevelEncoder
	if strings.EqualFold(format, "console") {
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}

func writeSyncer(out string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(out) {
	case "stderr", "":
		return zapcore.Lock(os.Stderr), nil
	case "stdout":
		return zapcore.Lock(os.Stdout), nil
	}
	f, err := os.OpenFile(out, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logger: open %s: %w", out, err)
	}
	return zapcore.AddSync(f), nil
}
