package logger

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process-wide logger. level is one of debug/info/warn/error
// (unknown values fall back to info), format is "json" or "console", and
// outputPath is "stdout", "stderr", or a file path opened for append. The
// file handle lives for the process; Sync on shutdown is the flush point.
func New(level, format, outputPath string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	sink, err := openSink(outputPath)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(newEncoder(format), sink, lvl)

	opts := []zap.Option{
		zap.ErrorOutput(zapcore.Lock(os.Stderr)),
	}
	if format == "console" {
		opts = append(opts, zap.Development())
	}

	return zap.New(core, opts...), nil
}

// newEncoder picks the console encoder for interactive use and a JSON
// encoder with ISO-8601 timestamps for everything else.
func newEncoder(format string) zapcore.Encoder {
	if format == "console" {
		return zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	}
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "timestamp"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapcore.NewJSONEncoder(cfg)
}

// openSink resolves the output destination to a locked WriteSyncer.
func openSink(path string) (zapcore.WriteSyncer, error) {
	switch path {
	case "", "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	default:
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log output %s: %w", path, err)
		}
		return zapcore.Lock(f), nil
	}
}
