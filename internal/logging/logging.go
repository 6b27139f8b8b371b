// Package logging builds the zap loggers used by docsync components.
//
// Each client owns one root logger; components take a named child via For so
// that every line carries its component name.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Component names.
const (
	ComponentClient      = "client"
	ComponentLocalStore  = "local_store"
	ComponentSyncEngine  = "sync_engine"
	ComponentPersistence = "persistence"
	ComponentLease       = "lease"
	ComponentLruGC       = "lru_gc"
	ComponentBackfiller  = "backfiller"
	ComponentQueryEngine = "query_engine"
	ComponentSharedState = "shared_state"
	ComponentRemote      = "remote"
	ComponentDashboard   = "dashboard"
	ComponentBundle      = "bundle"
)

// Format selects the encoder.
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

// Config configures the root logger.
type Config struct {
	// Level is one of debug, info, warn, error (default info).
	Level string
	// Format is console or json (default console).
	Format Format
	// File, when set, receives log output instead of stderr and is rotated
	// by size.
	File string
	// MaxSizeMB is the rotation threshold for File (default 10).
	MaxSizeMB int
	// MaxBackups is the number of rotated files to keep (default 3).
	MaxBackups int
}

// DefaultConfig returns console logging at info level to stderr.
func DefaultConfig() Config {
	return Config{Level: "info", Format: FormatConsole, MaxSizeMB: 10, MaxBackups: 3}
}

// ParseLevel converts a level name, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
}

// New builds a root logger from cfg.
func New(cfg Config) *zap.Logger {
	var sink io.Writer = os.Stderr
	if cfg.File != "" {
		sink = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    max(cfg.MaxSizeMB, 1),
			MaxBackups: cfg.MaxBackups,
		}
	}
	return NewWithWriter(cfg, sink)
}

// NewWithWriter builds a root logger that writes to w.
func NewWithWriter(cfg Config, w io.Writer) *zap.Logger {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "component",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if cfg.Format == FormatJSON {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoderConfig.EncodeTime = timeEncoder
		encoderConfig.ConsoleSeparator = " | "
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(w), zap.NewAtomicLevelAt(ParseLevel(cfg.Level)))
	return zap.New(core, zap.AddCaller())
}

// Nop returns a logger that discards everything.
func Nop() *zap.Logger { return zap.NewNop() }

// For returns the sugared child logger for component. A nil root yields a
// no-op logger.
func For(root *zap.Logger, component string) *zap.SugaredLogger {
	if root == nil {
		root = zap.NewNop()
	}
	return root.Named(component).Sugar()
}
