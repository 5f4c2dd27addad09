package logger

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger wraps zerolog.Logger with a level that can change at runtime and a
// redacting, rotating file sink.
type Logger struct {
	logger   zerolog.Logger
	file     io.Closer
	redactor *Redactor
	level    *levelFilter
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

	// Secrets are literal values redacted from every line, such as the bot
	// token and the gateway secret.
	Secrets []string

	// Console output goes here instead of stdout when set.
	ConsoleOut io.Writer
}

// New creates a new logger and installs it as the global logger
func New(cfg Config) (*Logger, error) {
	var writers []io.Writer

	// Console writer
	if cfg.Console {
		var out io.Writer = os.Stdout
		if cfg.ConsoleOut != nil {
			out = cfg.ConsoleOut
		}
		if cfg.Pretty {
			out = zerolog.ConsoleWriter{
				Out:        out,
				TimeFormat: time.RFC3339,
			}
		}
		writers = append(writers, out)
	}

	// File writer
	var file io.WriteCloser
	if cfg.File != "" {
		var err error
		file, err = NewRotatingWriter(cfg.File, cfg.MaxSize, cfg.MaxAge, cfg.Compress)
		if err != nil {
			return nil, err
		}
		writers = append(writers, file)
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = io.Discard
	case 1:
		writer = writers[0]
	default:
		writer = io.MultiWriter(writers...)
	}

	var redactor *Redactor
	if cfg.Redaction {
		redactor = NewRedactor()
		for _, secret := range cfg.Secrets {
			redactor.AddLiteral(secret)
		}
		writer = redactor.Wrap(writer)
	}

	filter := newLevelFilter(writer, parseLevel(cfg.Level))

	logger := zerolog.New(filter).
		With().
		Timestamp().
		Logger()

	// Set global logger
	log.Logger = logger

	l := &Logger{
		logger:   logger,
		redactor: redactor,
		level:    filter,
	}
	if file != nil {
		l.file = file
	}
	return l, nil
}

// SetLevel changes the minimum level of this logger and every logger derived
// from it.
func (l *Logger) SetLevel(level string) error {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		return fmt.Errorf("invalid log level: %q", level)
	}
	l.level.set(parsed)
	return nil
}

// Level returns the current minimum level.
func (l *Logger) Level() zerolog.Level {
	return l.level.get()
}

// Close closes the logger and any open files
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Debug logs a debug message
func (l *Logger) Debug() *zerolog.Event {
	return l.logger.Debug()
}

// Info logs an info message
func (l *Logger) Info() *zerolog.Event {
	return l.logger.Info()
}

// Warn logs a warning message
func (l *Logger) Warn() *zerolog.Event {
	return l.logger.Warn()
}

// Error logs an error message
func (l *Logger) Error() *zerolog.Event {
	return l.logger.Error()
}

// With creates a child logger with additional context
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

func parseLevel(level string) zerolog.Level {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return parsed
}

// levelFilter drops events below a level that can be swapped at runtime.
type levelFilter struct {
	next  io.Writer
	level atomic.Int32
}

func newLevelFilter(next io.Writer, level zerolog.Level) *levelFilter {
	f := &levelFilter{next: next}
	f.set(level)
	return f
}

func (f *levelFilter) set(level zerolog.Level) {
	f.level.Store(int32(level))
}

func (f *levelFilter) get() zerolog.Level {
	return zerolog.Level(f.level.Load())
}

func (f *levelFilter) Write(p []byte) (int, error) {
	return f.next.Write(p)
}

// WriteLevel implements zerolog.LevelWriter.
func (f *levelFilter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level != zerolog.NoLevel && level < f.get() {
		return len(p), nil
	}
	return f.next.Write(p)
}
