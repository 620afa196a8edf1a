// Package logging builds the process logger.
//
// Every package logs through an injected *slog.Logger. This package picks
// the handler behind it: a text handler in dev, zap JSON with sampling in
// stage and prod. An optional file output is rotated by lumberjack.
package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	slogzap "github.com/samber/slog-zap/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/bidloop/realtime/internal/config"
)

// Options carries process attributes added to every record.
type Options struct {
	Service    string
	Version    string
	InstanceID string // Generated when empty
	Debug      bool   // Forces debug level

	// Output replaces stdout. Used by tests.
	Output io.Writer
}

// Logger is the configured logger plus its file sink, if any.
type Logger struct {
	*slog.Logger
	InstanceID string

	file *lumberjack.Logger
}

// Close flushes and closes the rotated file.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// New builds a logger from the logging section.
func New(cfg config.LoggingConfig, opts Options) (*Logger, error) {
	level, err := parseLevel(cfg.Level, opts.Debug)
	if err != nil {
		return nil, err
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	l := &Logger{InstanceID: opts.InstanceID}
	if l.InstanceID == "" {
		l.InstanceID = uuid.NewString()
	}

	if cfg.File != "" {
		l.file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		out = io.MultiWriter(out, l.file)
	}

	var h slog.Handler
	if cfg.Env == "" || cfg.Env == "dev" {
		h = slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	} else {
		h = newZapHandler(out, level)
	}

	attrs := []slog.Attr{
		slog.String("env", envOrDev(cfg.Env)),
		slog.String("instance_id", l.InstanceID),
	}
	if opts.Service != "" {
		attrs = append(attrs, slog.String("service", opts.Service))
	}
	if opts.Version != "" {
		attrs = append(attrs, slog.String("version", opts.Version))
	}
	l.Logger = slog.New(h.WithAttrs(attrs))

	return l, nil
}

// Init builds the logger and installs it as slog's default.
func Init(cfg config.LoggingConfig, opts Options) (*Logger, error) {
	l, err := New(cfg, opts)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(l.Logger)
	return l, nil
}

func parseLevel(s string, debug bool) (slog.Level, error) {
	if debug {
		return slog.LevelDebug, nil
	}
	var lvl slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, err
	}
	return lvl, nil
}

func envOrDev(env string) string {
	if env == "" {
		return "dev"
	}
	return env
}

func newZapHandler(out io.Writer, lvl slog.Level) slog.Handler {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(out), toZapLevel(lvl))
	// Reconnect storms log the same lines repeatedly.
	core = zapcore.NewSamplerWithOptions(core, time.Second, 100, 10)

	z := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	return slogzap.Option{Level: lvl, Logger: z}.NewZapHandler()
}

func toZapLevel(lvl slog.Level) zapcore.Level {
	switch {
	case lvl <= slog.LevelDebug:
		return zapcore.DebugLevel
	case lvl <= slog.LevelInfo:
		return zapcore.InfoLevel
	case lvl <= slog.LevelWarn:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}
