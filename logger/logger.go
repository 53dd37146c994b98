package logger

import (
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options mirrors the logging section of the service config.
type Options struct {
	Env    string
	Level  string
	Format string // json | console
	File   string
}

// New builds a zap logger writing to stdout and, when Options.File is set,
// to that file as well.
func New(opts Options) (*zap.Logger, error) {
	level := parseLevel(strings.ToLower(opts.Level), opts.Env)

	encoderCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stack",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     iso8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var enc zapcore.Encoder
	if opts.Format == "json" {
		enc = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encoderCfg)
	}

	sink := zapcore.Lock(os.Stdout)
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		sink = zapcore.NewMultiWriteSyncer(sink, zapcore.AddSync(f))
	}

	core := zapcore.NewCore(enc, sink, zap.NewAtomicLevelAt(level))

	var zopts []zap.Option
	if opts.Env == "production" {
		zopts = append(zopts, zap.AddStacktrace(zapcore.ErrorLevel))
	} else {
		zopts = append(zopts, zap.AddCaller(), zap.Development())
	}
	return zap.New(core, zopts...), nil
}

// ForService returns a sugared logger tagged with service and env fields.
func ForService(base *zap.Logger, service, env string) *zap.SugaredLogger {
	if env == "" {
		env = "development"
	}
	return base.With(zap.String("service", service), zap.String("env", env)).Sugar()
}

func parseLevel(lvl, env string) zapcore.Level {
	switch lvl {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "":
		if env == "production" {
			return zapcore.InfoLevel
		}
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

func iso8601TimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.UTC().Format("2006-01-02T15:04:05Z07:00"))
}
