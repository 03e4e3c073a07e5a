// Package logger builds the process-wide zap logger for gojotx.
package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const defaultService = "gojotx"

// Config selects level, encoding and destination of log output.
type Config struct {
	// debug, info, warn or error; anything else logs at info
	Level string `yaml:"level"`
	// json or console
	Format string `yaml:"format"`
	// A file path, or stdout / stderr.
	OutputFile string `yaml:"output_file"`
	// Service is attached to every entry, "gojotx" when empty.
	Service string `yaml:"service"`
}

// New creates the logger. It is called once at startup and the result is
// handed to every component, which derives its own with Named.
func New(cfg Config) (*zap.Logger, error) {
	sink, err := openSink(cfg.OutputFile)
	if err != nil {
		return nil, err
	}
	service := cfg.Service
	if service == "" {
		service = defaultService
	}

	core := zapcore.NewCore(newEncoder(cfg.Format), sink, parseLevel(cfg.Level))
	return zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zap.DPanicLevel),
		zap.Fields(zap.String("service", service)),
	), nil
}

func parseLevel(level string) zap.AtomicLevel {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	return zap.NewAtomicLevelAt(lvl)
}

func newEncoder(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeLevel = zapcore.CapitalLevelEncoder
	if strings.EqualFold(format, "console") {
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}

// openSink appends to a file, creating it if needed.
func openSink(output string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(output) {
	case "", "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}
	f, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", output, err)
	}
	return zapcore.AddSync(f), nil
}
