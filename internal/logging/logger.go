package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Level names accepted in configuration.
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// FileName is the name of the log file created inside Options.Dir.
const FileName = "hybridhost.log"

// Options configures NewLogger.
type Options struct {
	// Dir is the directory that receives FileName. Empty means stderr.
	Dir string
	// Level is one of the Level* constants; unknown values mean INFO.
	Level string
	// Rotation controls size-based rotation of the log file.
	Rotation RotationConfig
}

// Logger is a JSON slog logger whose children share one output. It is safe
// for concurrent use.
type Logger struct {
	logger *slog.Logger
	closer *closeOnce
}

// closeOnce is shared by a logger and all of its children so that any of
// them can close the underlying writer exactly once.
type closeOnce struct {
	mu     sync.Mutex
	writer *RotatingWriter
}

// NewLogger creates a Logger writing JSON lines according to opts.
func NewLogger(opts Options) (*Logger, error) {
	if opts.Dir == "" {
		return NewWithWriter(os.Stderr, opts.Level), nil
	}

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	rw, err := NewRotatingWriter(filepath.Join(opts.Dir, FileName), opts.Rotation)
	if err != nil {
		return nil, err
	}

	l := NewWithWriter(rw, opts.Level)
	l.closer.writer = rw
	return l, nil
}

// NewWithWriter creates a Logger writing to w. The returned logger does not
// own w; Close is a no-op.
func NewWithWriter(w io.Writer, level string) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(level)})
	return &Logger{logger: slog.New(handler), closer: &closeOnce{}}
}

func parseLevel(level string) slog.Level {
	switch ParseLevel(level) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// WithRuntime tags every entry with runtime_id.
func (l *Logger) WithRuntime(runtimeID string) *Logger {
	return l.With("runtime_id", runtimeID)
}

// WithComponent tags every entry with component ("supervisor", "bus",
// "bridge", "engine", "watch", ...).
func (l *Logger) WithComponent(component string) *Logger {
	return l.With("component", component)
}

// With returns a child carrying args as alternating keys and values.
// Pairs whose key is not a string are dropped.
func (l *Logger) With(args ...any) *Logger {
	attrs := make([]any, 0, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		if key, ok := args[i].(string); ok {
			attrs = append(attrs, slog.Any(key, args[i+1]))
		}
	}
	if len(attrs) == 0 {
		return l
	}
	return &Logger{logger: l.logger.With(attrs...), closer: l.closer}
}

func (l *Logger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }

func (l *Logger) Info(msg string, args ...any) { l.logger.Info(msg, args...) }

func (l *Logger) Warn(msg string, args ...any) { l.logger.Warn(msg, args...) }

func (l *Logger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }

// Close flushes and closes the log file if the logger owns one.
// Calling Close on any child closes the shared file.
func (l *Logger) Close() error {
	l.closer.mu.Lock()
	defer l.closer.mu.Unlock()

	if l.closer.writer == nil {
		return nil
	}
	err := l.closer.writer.Close()
	l.closer.writer = nil
	return err
}

// NopLogger discards everything.
func NopLogger() *Logger {
	return NewWithWriter(io.Discard, LevelError)
}

// ParseLevel maps level, in any case, to a Level* constant. Unknown values
// become LevelInfo.
func ParseLevel(level string) string {
	switch strings.ToUpper(level) {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return strings.ToUpper(level)
	default:
		return LevelInfo
	}
}

// ValidLevels lists the accepted level names.
func ValidLevels() []string {
	return []string{LevelDebug, LevelInfo, LevelWarn, LevelError}
}
