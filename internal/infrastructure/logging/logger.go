package logging

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the process logger. Subsystems take a named child through
// Component; the level can be changed while running.
type Logger struct {
	*zap.Logger
	level zap.AtomicLevel
}

// Config selects the level and encoding.
type Config struct {
	Level       string // debug, info, warn or error; empty means info
	Development bool   // console encoding, caller info, stack traces on warn
	// Output receives log lines. Nil means stderr.
	Output io.Writer
}

// New builds a logger for cfg.
func New(cfg Config) (*Logger, error) {
	level := zap.NewAtomicLevel()
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	var (
		encoder zapcore.Encoder
		opts    []zap.Option
	)
	if cfg.Development {
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(ec)
		opts = append(opts, zap.AddCaller(), zap.Development(), zap.AddStacktrace(zapcore.WarnLevel))
	} else {
		ec := zap.NewProductionEncoderConfig()
		ec.TimeKey = "timestamp"
		ec.MessageKey = "message"
		ec.NameKey = "component"
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		ec.EncodeDuration = zapcore.MillisDurationEncoder
		encoder = zapcore.NewJSONEncoder(ec)
		opts = append(opts, zap.AddStacktrace(zapcore.DPanicLevel))
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(out)), level)
	return &Logger{Logger: zap.New(core, opts...).Named("paksync"), level: level}, nil
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop(), level: zap.NewAtomicLevel()}
}

// Component returns a child logger named after a subsystem.
func (l *Logger) Component(name string) *zap.Logger {
	return l.Logger.Named(name)
}

// SetLevel changes the minimum level of this logger and every child.
func (l *Logger) SetLevel(level string) error {
	return l.level.UnmarshalText([]byte(level))
}

// Level returns the current minimum level.
func (l *Logger) Level() zapcore.Level {
	return l.level.Level()
}
