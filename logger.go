package apiclient

import (
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured logger used for debug output. Variadic args are
// key/value pairs. Implementations must be safe for concurrent use.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// DebugConfig selects which parts of the pipeline log at debug level.
type DebugConfig struct {
	Enabled     bool
	LogRequests bool
	LogRetries  bool
	LogRefresh  bool
	LogEvents   bool
	// CorrelationIDGen produces the x-correlation-id for requests that do not
	// carry one.
	CorrelationIDGen func() string
}

// DefaultDebugConfig has every category on but the switch itself off.
func DefaultDebugConfig() *DebugConfig {
	return &DebugConfig{
		Enabled:          false,
		LogRequests:      true,
		LogRetries:       true,
		LogRefresh:       true,
		LogEvents:        true,
		CorrelationIDGen: uuid.NewString,
	}
}

// ZapLogger adapts a zap sugared logger to Logger.
type ZapLogger struct {
	l *zap.SugaredLogger
}

// NewZapLogger wraps l. A nil l yields a no-op logger.
func NewZapLogger(l *zap.Logger) *ZapLogger {
	if l == nil {
		l = zap.NewNop()
	}
	return &ZapLogger{l: l.Sugar()}
}

// NewDevelopmentLogger logs to stdout with a colourised console encoder.
func NewDevelopmentLogger(level zapcore.Level) *ZapLogger {
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.AddSync(os.Stdout),
		zap.NewAtomicLevelAt(level),
	)
	return NewZapLogger(zap.New(core))
}

func (z *ZapLogger) Debug(msg string, args ...any) { z.l.Debugw(msg, args...) }
func (z *ZapLogger) Info(msg string, args ...any)  { z.l.Infow(msg, args...) }
func (z *ZapLogger) Warn(msg string, args ...any)  { z.l.Warnw(msg, args...) }
func (z *ZapLogger) Error(msg string, args ...any) { z.l.Errorw(msg, args...) }

// With returns a child logger carrying the given key/value pairs.
func (z *ZapLogger) With(args ...any) *ZapLogger {
	return &ZapLogger{l: z.l.With(args...)}
}

// Sync flushes buffered log entries.
func (z *ZapLogger) Sync() error {
	return z.l.Sync()
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Debug(string, ...any) {}
func (NopLogger) Info(string, ...any)  {}
func (NopLogger) Warn(string, ...any)  {}
func (NopLogger) Error(string, ...any) {}
