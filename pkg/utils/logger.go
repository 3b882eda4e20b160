package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"anti_vpn/pkg/config"
)

// NewLogger builds the node logger. Entries go to stderr and, when an output
// path is configured, to a rotated JSON file.
func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	level := cfg.GetLogLevel()

	if cfg.Debug {
		level.SetLevel(zapcore.DebugLevel)
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	consoleConfig := encoderConfig
	consoleConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleConfig), zapcore.Lock(os.Stderr), level),
	}

	if cfg.Log.OutputPath != "" {
		// Create logs directory if it doesn't exist
		if err := os.MkdirAll(filepath.Dir(cfg.Log.OutputPath), 0755); err != nil {
			return nil, fmt.Errorf("creating log directory: %w", err)
		}

		rotator := &lumberjack.Logger{
			Filename:   cfg.Log.OutputPath,
			MaxSize:    cfg.Log.MaxSize,
			MaxAge:     cfg.Log.MaxAge,
			MaxBackups: cfg.Log.MaxBackups,
			Compress:   cfg.Log.Compress,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(rotator), level))
	}

	options := []zap.Option{
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	}
	if cfg.Debug || cfg.IsDevelopment() {
		options = append(options, zap.Development())
	}

	return zap.New(zapcore.NewTee(cores...), options...), nil
}

// VerboseLevel returns the level used for step-by-step resolution logging:
// Info when the node runs with debug enabled, Debug otherwise.
func VerboseLevel(debug bool) zapcore.Level {
	if debug {
		return zapcore.InfoLevel
	}
	return zapcore.DebugLevel
}

// LogWriter adapts a zap logger to io.Writer for libraries that only accept
// a writer, such as the embedded postgres runner.
type LogWriter struct {
	logger *zap.Logger
	level  zapcore.Level
}

// NewLogWriter creates a writer that logs every line at debug level
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{
		logger: logger,
		level:  zapcore.DebugLevel,
	}
}

func (w *LogWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line == "" {
			continue
		}
		if ce := w.logger.Check(w.level, line); ce != nil {
			ce.Write()
		}
	}
	return len(p), nil
}
