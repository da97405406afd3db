package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/rexliu/drvlink/pkg/config"
)

// Level orders log severities.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	}
	return fmt.Sprintf("Level(%d)", int32(l))
}

// ParseLevel accepts debug, info, warn and error in any case. Empty is info.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Logger wraps the standard log.Logger with a level filter. Printf always
// writes; the leveled helpers are dropped below the configured level.
type Logger struct {
	*log.Logger
	level   atomic.Int32
	session string
	file    *rollingFile
}

// New returns a logger writing to stderr. Every line carries prefix and a
// short session id so interleaved runs can be told apart.
func New(prefix string) *Logger {
	return newLogger(os.Stderr, prefix, uuid.NewString())
}

// Discard returns a logger that writes nothing.
func Discard() *Logger {
	l := newLogger(io.Discard, "", "")
	l.SetFlags(0)
	return l
}

func newLogger(w io.Writer, prefix, session string) *Logger {
	l := &Logger{session: session}
	p := prefix
	if session != "" {
		p = strings.TrimSpace(prefix + " " + session[:8])
	}
	if p != "" {
		p += " "
	}
	l.Logger = log.New(w, p, log.LstdFlags|log.Lshortfile)
	l.level.Store(int32(LevelInfo))
	return l
}

// SessionID is the full id whose first eight characters appear in the prefix.
func (l *Logger) SessionID() string {
	return l.session
}

// SetLevel changes the minimum level for Debugf through Errorf.
func (l *Logger) SetLevel(level Level) {
	l.level.Store(int32(level))
}

// Level reports the current minimum level.
func (l *Logger) Level() Level {
	return Level(l.level.Load())
}

// Enabled reports whether a message at level would be written.
func (l *Logger) Enabled(level Level) bool {
	return level >= l.Level()
}

func (l *Logger) Debugf(format string, args ...any) { l.logf(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.logf(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.logf(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.logf(LevelError, format, args...) }

func (l *Logger) logf(level Level, format string, args ...any) {
	if l == nil || l.Logger == nil || !l.Enabled(level) {
		return
	}
	_ = l.Output(3, level.String()+" "+fmt.Sprintf(format, args...))
}

// Configure applies logging settings from config.
func (l *Logger) Configure(cfg config.LoggingConfig) error {
	if l == nil || l.Logger == nil {
		return nil
	}
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	l.SetLevel(level)
	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o700); err != nil {
			return err
		}
		writer, err := newRollingFile(cfg.FilePath, int64(cfg.FileMaxSize)<<20, cfg.FileBackups)
		if err != nil {
			return err
		}
		if l.file != nil {
			_ = l.file.Close()
		}
		l.file = writer
		l.SetOutput(io.MultiWriter(os.Stderr, writer))
	}
	return nil
}

// Close releases the log file, if any. Later writes go to stderr only.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	l.SetOutput(os.Stderr)
	err := l.file.Close()
	l.file = nil
	return err
}

type rollingFile struct {
	mu      sync.Mutex
	path    string
	max     int64
	backups int
	file    *os.File
}

func newRollingFile(path string, maxBytes int64, backups int) (*rollingFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	if backups < 1 {
		backups = 1
	}
	return &rollingFile{path: path, max: maxBytes, backups: backups, file: f}, nil
}

func (r *rollingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return 0, os.ErrClosed
	}
	if r.max > 0 {
		if info, err := r.file.Stat(); err == nil && info.Size() > 0 && info.Size()+int64(len(p)) > r.max {
			if err := r.rotate(); err != nil {
				return 0, err
			}
		}
	}
	return r.file.Write(p)
}

// rotate shifts path.N-1 to path.N down to path -> path.1.
func (r *rollingFile) rotate() error {
	r.file.Close()
	for i := r.backups; i > 1; i-- {
		os.Rename(fmt.Sprintf("%s.%d", r.path, i-1), fmt.Sprintf("%s.%d", r.path, i))
	}
	os.Rename(r.path, r.path+".1")
	newFile, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		r.file = nil
		return err
	}
	r.file = newFile
	return nil
}

func (r *rollingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
