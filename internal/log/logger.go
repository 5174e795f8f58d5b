// Package log provides structured logging for loris using zap.
package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with loris-specific helpers.
type Logger struct {
	*zap.Logger
}

var (
	// L is the global logger instance.
	L    = NewNop()
	once sync.Once
)

// Init initializes the global logger with the given configuration.
// Safe to call multiple times; only the first call takes effect.
func Init(debug bool) {
	once.Do(func() {
		L = New(debug)
	})
}

// New creates a new Logger instance.
func New(debug bool) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}

	// ISO8601 timestamps under "ts" in both modes
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Fallback to no-op if config fails
		logger = zap.NewNop()
	}

	return &Logger{Logger: logger}
}

// NewNop creates a no-op logger for testing.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// Bind logs a symbol binding at debug level with structured fields.
func (l *Logger) Bind(sym, lib string, addr uint64) {
	l.Debug("bind",
		zap.String("sym", sym),
		zap.String("lib", lib),
		Addr(addr),
	)
}

// Reloc logs a relocation pass over a library.
func (l *Logger) Reloc(lib string, count int, lazy bool) {
	l.Debug("relocate",
		zap.String("lib", lib),
		zap.Int("count", count),
		zap.Bool("lazy", lazy),
	)
}

// Adopt logs the adoption of a host-mapped object.
func (l *Logger) Adopt(lib string, base uint64) {
	l.Debug("adopt",
		zap.String("lib", lib),
		Addr(base),
	)
}

// WithLib returns a logger with the library field preset.
func (l *Logger) WithLib(lib string) *Logger {
	return &Logger{Logger: l.Logger.With(zap.String("lib", lib))}
}

// Hex formats a uint64 as hex string for logging.
func Hex(addr uint64) string {
	return "0x" + hexString(addr)
}

func hexString(v uint64) string {
	const digits = "0123456789abcdef"
	if v == 0 {
		return "0"
	}
	buf := make([]byte, 16)
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return string(buf[i:])
}

// Field helpers for common patterns.

// Addr creates an address field.
func Addr(addr uint64) zap.Field {
	return zap.String("addr", Hex(addr))
}

// Size creates a size field.
func Size(size uint64) zap.Field {
	return zap.Uint64("size", size)
}

// Lib creates a library name field.
func Lib(name string) zap.Field {
	return zap.String("lib", name)
}

// Sym creates a symbol name field.
func Sym(name string) zap.Field {
	return zap.String("sym", name)
}
