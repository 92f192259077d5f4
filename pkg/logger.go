package pkg

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation limits of the log file.
const (
	logFileMaxSizeMB  = 100
	logFileMaxBackups = 5
	asyncBufferSize   = 10000
)

// Fields is a map of fields to add to log entries
type Fields map[string]any

// sync.Once for setting zerolog global state
var timeFormatOnce sync.Once

// Logger wraps zerolog with the simulator's output handling.
type Logger struct {
	*zerolog.Logger
	mu      sync.Mutex
	closers []io.Closer
}

// Config holds logger configuration
type Config struct {
	// Level is the minimum log level (trace, debug, info, warn, error)
	Level string `json:"level" yaml:"level"`

	// Format is the stderr format (json, console)
	Format string `json:"format" yaml:"format"`

	// File adds a rotated JSON log file
	File FileConfig `json:"file" yaml:"file"`

	// AsyncWrite uses a diode writer so simulation hot paths never block on IO
	AsyncWrite bool `json:"async_write" yaml:"async_write"`
}

// FileConfig for rotated file output
type FileConfig struct {
	Enable bool   `json:"enable" yaml:"enable"`
	Path   string `json:"path" yaml:"path"`
}

// DefaultConfig returns default logger configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: "console",
		File:   FileConfig{Path: "overlay.log"},
	}
}

// New creates a logger writing to stderr and, when enabled, to a rotated
// file.
func New(config *Config) (*Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var (
		writers []io.Writer
		closers []io.Closer
	)
	if config.Format == "console" {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"})
	} else {
		writers = append(writers, os.Stderr)
	}

	if config.File.Enable {
		if err := os.MkdirAll(filepath.Dir(config.File.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		fileWriter := &lumberjack.Logger{
			Filename:   config.File.Path,
			MaxSize:    logFileMaxSizeMB,
			MaxBackups: logFileMaxBackups,
		}
		writers = append(writers, fileWriter)
		closers = append(closers, fileWriter)
	}

	var writer io.Writer = zerolog.MultiLevelWriter(writers...)
	if config.AsyncWrite {
		dw := diode.NewWriter(writer, asyncBufferSize, 10*time.Millisecond, func(missed int) {
			fmt.Fprintf(os.Stderr, "Logger dropped %d messages\n", missed)
		})
		writer = dw
		// the diode must flush before the files underneath it close
		closers = append([]io.Closer{dw}, closers...)
	}

	timeFormatOnce.Do(func() {
		zerolog.TimeFieldFormat = time.RFC3339Nano
	})

	zl := zerolog.New(writer).Level(level).With().Timestamp().Logger()
	return &Logger{Logger: &zl, closers: closers}, nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	zl := zerolog.Nop()
	return &Logger{Logger: &zl}
}

// WithFields creates a child logger carrying fields. Closing the child is a
// no-op; the parent owns the outputs.
func (l *Logger) WithFields(fields Fields) *Logger {
	ctx := l.Logger.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	zl := ctx.Logger()
	return &Logger{Logger: &zl}
}

// Close flushes async output and closes rotated files.
func (l *Logger) Close() error {
	l.mu.Lock()
	closers := l.closers
	l.closers = nil
	l.mu.Unlock()

	var firstErr error
	for _, c := range closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
