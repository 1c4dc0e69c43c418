package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger is the process logger. Components receive child zerolog.Loggers
// from it rather than the Logger itself.
type Logger struct {
	logger   zerolog.Logger
	file     io.Closer
	redactor *Redactor
}

// Config holds logger configuration
type Config struct {
	Level     string // debug, info, warn, error
	File      string // log file path
	Console   bool   // enable console output
	Pretty    bool   // pretty format for console
	Redaction bool   // enable sensitive data redaction
	MaxSize   int    // max size in MB before rotation, 0 disables rotation
	MaxAge    int    // max age in days
	Compress  bool   // compress rotated logs
	// Secrets are literal values masked when redaction is enabled
	Secrets []string
	// ConsoleOut defaults to stderr; stdout carries answers
	ConsoleOut io.Writer
}

// New builds a logger from cfg and installs it as the zerolog global. An
// unknown level falls back to info.
func New(cfg Config) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	l := &Logger{}
	out, err := l.sink(cfg)
	if err != nil {
		return nil, err
	}

	l.logger = zerolog.New(out).Level(level).With().Timestamp().Logger()
	log.Logger = l.logger
	return l, nil
}

// sink assembles the destination writer and records what Close must release
func (l *Logger) sink(cfg Config) (io.Writer, error) {
	console := cfg.ConsoleOut
	if console == nil {
		console = os.Stderr
	}

	var outs []io.Writer
	if cfg.Console {
		if cfg.Pretty {
			outs = append(outs, zerolog.ConsoleWriter{Out: console, TimeFormat: time.RFC3339})
		} else {
			outs = append(outs, console)
		}
	}
	if cfg.File != "" {
		f, err := openLogFile(cfg)
		if err != nil {
			return nil, err
		}
		l.file = f
		outs = append(outs, f)
	}

	var out io.Writer
	switch len(outs) {
	case 0:
		out = console
	case 1:
		out = outs[0]
	default:
		out = zerolog.MultiLevelWriter(outs...)
	}

	if !cfg.Redaction {
		return out, nil
	}
	l.redactor = NewRedactor()
	for _, secret := range cfg.Secrets {
		l.redactor.AddSecret(secret)
	}
	return l.redactor.Wrap(out), nil
}

func openLogFile(cfg Config) (io.WriteCloser, error) {
	if cfg.MaxSize > 0 {
		return NewRotatingWriter(cfg.File, cfg.MaxSize, cfg.MaxAge, cfg.Compress)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

// Redactor returns the active redactor, nil when redaction is off
func (l *Logger) Redactor() *Redactor {
	return l.redactor
}

// Close flushes and closes the log file, if any
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Component returns a child logger tagged with the component name
func (l *Logger) Component(name string) zerolog.Logger {
	return l.logger.With().Str("component", name).Logger()
}

func (l *Logger) Debug() *zerolog.Event { return l.logger.Debug() }
func (l *Logger) Info() *zerolog.Event  { return l.logger.Info() }
func (l *Logger) Warn() *zerolog.Event  { return l.logger.Warn() }
func (l *Logger) Error() *zerolog.Event { return l.logger.Error() }

// With starts a child logger context
func (l *Logger) With() zerolog.Context {
	return l.logger.With()
}

// GetZerolog returns the underlying zerolog.Logger
func (l *Logger) GetZerolog() zerolog.Logger {
	return l.logger
}

// DefaultConfig returns default logger configuration
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		Console:   true,
		Pretty:    true,
		Redaction: true,
		MaxSize:   100,
		MaxAge:    7,
		Compress:  true,
	}
}
