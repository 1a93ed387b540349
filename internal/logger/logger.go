package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logger configuration
type Config struct {
	Level      string // trace, debug, info, warn, error
	File       string // optional rotated log file
	Console    bool
	Pretty     bool     // human readable console output
	Redaction  bool     // mask secrets before anything is written
	RedactKeys []string // JSON keys masked on top of DefaultSensitiveKeys
	MaxSize    int      // MB per file before rotation
	MaxAge     int      // days to keep rotated files
	MaxBackups int      // rotated files to keep, 0 keeps all
	Compress   bool

	// Output replaces stdout as the console destination.
	Output io.Writer
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

// Logger owns the process zerolog logger and the file behind it.
type Logger struct {
	zerolog.Logger

	file     *RotatingWriter
	redactor *Redactor
}

// New builds a logger from cfg and installs it as the zerolog global, so
// packages logging through zerolog/log share its sinks and redaction.
func New(cfg Config) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	l := &Logger{}
	sinks, err := l.sinks(cfg)
	if err != nil {
		return nil, err
	}

	var w io.Writer
	switch len(sinks) {
	case 0:
		w = io.Discard
	case 1:
		w = sinks[0]
	default:
		w = zerolog.MultiLevelWriter(sinks...)
	}

	if cfg.Redaction {
		l.redactor = NewRedactor()
		for _, key := range cfg.RedactKeys {
			l.redactor.AddKey(key)
		}
		w = l.redactor.Wrap(w)
	}

	l.Logger = zerolog.New(w).Level(level).With().Timestamp().Logger()
	log.Logger = l.Logger

	return l, nil
}

func (l *Logger) sinks(cfg Config) ([]io.Writer, error) {
	var sinks []io.Writer

	if cfg.Console {
		out := cfg.Output
		if out == nil {
			out = os.Stdout
		}
		if cfg.Pretty {
			out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
		}
		sinks = append(sinks, out)
	}

	if cfg.File != "" {
		maxSize := cfg.MaxSize
		if maxSize <= 0 {
			maxSize = DefaultConfig().MaxSize
		}
		file, err := NewRotatingWriter(RotationConfig{
			Path:       cfg.File,
			MaxSizeMB:  maxSize,
			MaxAgeDays: cfg.MaxAge,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		})
		if err != nil {
			return nil, err
		}
		l.file = file
		sinks = append(sinks, file)
	}

	return sinks, nil
}

// Close flushes and closes the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Component returns a child logger tagged with a component name.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// GetZerolog returns the underlying zerolog.Logger
func (l *Logger) GetZerolog() zerolog.Logger {
	return l.Logger
}
