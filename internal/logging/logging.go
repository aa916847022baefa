// Package logging provides the structured, correlation-ID-aware logger
// used by the HTTP control plane and the dispatch worker pool.
package logging

import (
	"context"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type correlationIDKey struct{}

// Level mirrors logrus' levels so callers don't need to import logrus directly.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Config controls format, destination, and rotation of log output.
type Config struct {
	Level      Level
	Format     string // "json" or "text"
	Output     string // "stdout", "stderr", or a file path
	Rotate     bool
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func DefaultConfig() Config {
	return Config{
		Level:      LevelInfo,
		Format:     "json",
		Output:     "stdout",
		Rotate:     false,
		MaxSizeMB:  100,
		MaxBackups: 3,
		MaxAgeDays: 28,
		Compress:   true,
	}
}

// Logger wraps logrus with this service's conventions.
type Logger struct {
	*logrus.Logger
	config Config
}

func New(config Config) *Logger {
	l := logrus.New()

	switch config.Level {
	case LevelDebug:
		l.SetLevel(logrus.DebugLevel)
	case LevelWarn:
		l.SetLevel(logrus.WarnLevel)
	case LevelError:
		l.SetLevel(logrus.ErrorLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}

	if config.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
				logrus.FieldKeyFunc:  "function",
				logrus.FieldKeyFile:  "file",
			},
		})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	var out io.Writer
	switch config.Output {
	case "stderr":
		out = os.Stderr
	case "stdout", "":
		out = os.Stdout
	default:
		if config.Rotate {
			out = &lumberjack.Logger{
				Filename:   config.Output,
				MaxSize:    config.MaxSizeMB,
				MaxBackups: config.MaxBackups,
				MaxAge:     config.MaxAgeDays,
				Compress:   config.Compress,
			}
		} else {
			f, err := os.OpenFile(config.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
			if err != nil {
				out = os.Stdout
			} else {
				out = f
			}
		}
	}
	l.SetOutput(out)
	l.SetReportCaller(config.Level == LevelDebug)

	return &Logger{Logger: l, config: config}
}

// ContextualLogger binds a base logger to a set of fields (typically the
// correlation ID and trace identifiers pulled from a request context).
type ContextualLogger struct {
	*Logger
	fields logrus.Fields
}

func (l *Logger) WithContext(ctx context.Context) *ContextualLogger {
	fields := logrus.Fields{}
	if id := GetCorrelationID(ctx); id != "" {
		fields["correlation_id"] = id
	}
	return &ContextualLogger{Logger: l, fields: fields}
}

func (c *ContextualLogger) WithField(key string, value interface{}) *ContextualLogger {
	next := logrus.Fields{}
	for k, v := range c.fields {
		next[k] = v
	}
	next[key] = value
	return &ContextualLogger{Logger: c.Logger, fields: next}
}

func (c *ContextualLogger) WithFields(fields map[string]interface{}) *ContextualLogger {
	next := logrus.Fields{}
	for k, v := range c.fields {
		next[k] = v
	}
	for k, v := range fields {
		next[k] = v
	}
	return &ContextualLogger{Logger: c.Logger, fields: next}
}

func (c *ContextualLogger) entry() *logrus.Entry { return c.Logger.WithFields(c.fields) }

func (c *ContextualLogger) Debug(args ...interface{}) { c.entry().Debug(args...) }
func (c *ContextualLogger) Info(args ...interface{})  { c.entry().Info(args...) }
func (c *ContextualLogger) Warn(args ...interface{})  { c.entry().Warn(args...) }
func (c *ContextualLogger) Error(args ...interface{}) { c.entry().Error(args...) }

func (c *ContextualLogger) Debugf(format string, args ...interface{}) { c.entry().Debugf(format, args...) }
func (c *ContextualLogger) Infof(format string, args ...interface{})  { c.entry().Infof(format, args...) }
func (c *ContextualLogger) Warnf(format string, args ...interface{})  { c.entry().Warnf(format, args...) }
func (c *ContextualLogger) Errorf(format string, args ...interface{}) { c.entry().Errorf(format, args...) }

func (c *ContextualLogger) WithError(err error) *logrus.Entry { return c.entry().WithError(err) }

// WithCorrelationID stores a correlation ID on the context, generating one
// if none is supplied.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = uuid.New().String()
	}
	return context.WithValue(ctx, correlationIDKey{}, id)
}

func NewCorrelationID() string { return uuid.New().String() }

func GetCorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return v
	}
	return ""
}
