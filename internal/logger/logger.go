// Package logger wraps slog with the structured fields the broker's
// components attach on every connection, packet, and QoS transition.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Logger wraps slog.Logger with broker-specific helpers.
type Logger struct {
	*slog.Logger
	level     LogLevel
	component string
}

// Config holds logger configuration, populated from internal/config.
type Config struct {
	Level       LogLevel
	Format      string // "json" or "text"
	Output      io.Writer
	Component   string
	AddSource   bool
	Environment string
	Service     string
	Version     string
}

var (
	globalLogger *Logger
	mu           sync.RWMutex
)

func New(config Config) *Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level:     convertLevel(config.Level),
		AddSource: config.AddSource,
	}

	if config.Output == nil {
		config.Output = os.Stdout
	}

	switch strings.ToLower(config.Format) {
	case "json":
		handler = slog.NewJSONHandler(config.Output, opts)
	default:
		handler = slog.NewTextHandler(config.Output, opts)
	}

	if config.Environment != "" || config.Service != "" || config.Version != "" {
		attrs := make([]slog.Attr, 0, 3)
		if config.Service != "" {
			attrs = append(attrs, slog.String("service", config.Service))
		}
		if config.Version != "" {
			attrs = append(attrs, slog.String("version", config.Version))
		}
		if config.Environment != "" {
			attrs = append(attrs, slog.String("environment", config.Environment))
		}
		handler = handler.WithAttrs(attrs)
	}

	if config.Component != "" {
		handler = handler.WithGroup(config.Component)
	}

	return &Logger{
		Logger:    slog.New(handler),
		level:     config.Level,
		component: config.Component,
	}
}

func InitGlobalLogger(config Config) {
	mu.Lock()
	defer mu.Unlock()
	globalLogger = New(config)
}

func GetGlobalLogger() *Logger {
	mu.RLock()
	defer mu.RUnlock()
	if globalLogger == nil {
		globalLogger = New(DevelopmentConfig())
	}
	return globalLogger
}

// NewComponentLogger creates a logger grouped under component, sharing
// the global logger's handler and level.
func NewComponentLogger(component string) *Logger {
	global := GetGlobalLogger()
	handler := global.Handler().WithGroup(component)
	return &Logger{
		Logger:    slog.New(handler),
		level:     global.level,
		component: component,
	}
}

func DevelopmentConfig() Config {
	return Config{
		Level:       LevelDebug,
		Format:      "text",
		Output:      os.Stdout,
		AddSource:   true,
		Service:     "sablemq",
		Version:     "dev",
		Environment: "development",
	}
}

func ProductionConfig() Config {
	return Config{
		Level:       LevelInfo,
		Format:      "json",
		Output:      os.Stdout,
		AddSource:   false,
		Service:     "sablemq",
		Environment: "production",
	}
}

// LogClientConnection logs client connection lifecycle events.
func (l *Logger) LogClientConnection(clientID, remoteAddr, action string, attrs ...slog.Attr) {
	base := []slog.Attr{
		slog.String("client_id", clientID),
		slog.String("remote_addr", remoteAddr),
		slog.String("action", action),
	}
	l.LogAttrs(context.Background(), slog.LevelInfo, "client connection event", append(base, attrs...)...)
}

// LogPublish logs PUBLISH packet details.
func (l *Logger) LogPublish(clientID, topic string, qos int, retain bool, payloadSize int, attrs ...slog.Attr) {
	base := []slog.Attr{
		slog.String("client_id", clientID),
		slog.String("topic", topic),
		slog.Int("qos", qos),
		slog.Bool("retain", retain),
		slog.Int("payload_size", payloadSize),
	}
	l.LogAttrs(context.Background(), slog.LevelInfo, "message published", append(base, attrs...)...)
}

// LogSubscription logs subscribe/unsubscribe events.
func (l *Logger) LogSubscription(clientID, topic string, qos int, action string, attrs ...slog.Attr) {
	base := []slog.Attr{
		slog.String("client_id", clientID),
		slog.String("topic_filter", topic),
		slog.Int("qos", qos),
		slog.String("action", action),
	}
	l.LogAttrs(context.Background(), slog.LevelInfo, "subscription event", append(base, attrs...)...)
}

// LogQoSFlow logs QoS 1/2 handshake transitions.
func (l *Logger) LogQoSFlow(clientID string, msgID uint16, qos int, step string, attrs ...slog.Attr) {
	base := []slog.Attr{
		slog.String("client_id", clientID),
		slog.Int("msg_id", int(msgID)),
		slog.Int("qos", qos),
		slog.String("step", step),
	}
	l.LogAttrs(context.Background(), slog.LevelDebug, "qos flow control", append(base, attrs...)...)
}

// LogRetainedMessage logs retained store mutations.
func (l *Logger) LogRetainedMessage(topic, action string, payloadSize int, attrs ...slog.Attr) {
	base := []slog.Attr{
		slog.String("topic", topic),
		slog.String("action", action),
		slog.Int("payload_size", payloadSize),
	}
	l.LogAttrs(context.Background(), slog.LevelDebug, "retained message operation", append(base, attrs...)...)
}

// LogAuth logs authentication attempts.
func (l *Logger) LogAuth(clientID, username string, success bool, reason string, attrs ...slog.Attr) {
	base := []slog.Attr{
		slog.String("client_id", clientID),
		slog.String("username", username),
		slog.Bool("success", success),
		slog.String("reason", reason),
	}
	level := slog.LevelInfo
	if !success {
		level = slog.LevelWarn
	}
	l.LogAttrs(context.Background(), level, "authentication attempt", append(base, attrs...)...)
}

func (l *Logger) Debug(msg string, attrs ...slog.Attr) {
	l.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
}

func (l *Logger) Info(msg string, attrs ...slog.Attr) {
	l.LogAttrs(context.Background(), slog.LevelInfo, msg, attrs...)
}

func (l *Logger) Warn(msg string, attrs ...slog.Attr) {
	l.LogAttrs(context.Background(), slog.LevelWarn, msg, attrs...)
}

func (l *Logger) Error(msg string, attrs ...slog.Attr) {
	l.LogAttrs(context.Background(), slog.LevelError, msg, attrs...)
}

func (l *Logger) With(attrs ...slog.Attr) *Logger {
	return &Logger{
		Logger:    l.Logger.With(attrsToAny(attrs)...),
		level:     l.level,
		component: l.component,
	}
}

func convertLevel(level LogLevel) slog.Level {
	switch level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func attrsToAny(attrs []slog.Attr) []any {
	result := make([]any, len(attrs))
	for i, attr := range attrs {
		result[i] = attr
	}
	return result
}

func ErrorAttr(err error) slog.Attr {
	return slog.String("error", err.Error())
}
