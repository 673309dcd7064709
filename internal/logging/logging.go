// Package logging is a thin structured-logging facade over go-kit/log,
// giving every component a named, leveled logger in the style of
// logging.GetLogger("module").With("key", value).
package logging

import (
	"os"
	"sync"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

var (
	mu      sync.Mutex
	base    = kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))
	minimum = level.InfoValue()
)

// SetLevel sets the process-wide minimum log level ("debug", "info", "warn", "error").
func SetLevel(lvl string) {
	mu.Lock()
	defer mu.Unlock()
	switch lvl {
	case "debug":
		minimum = level.DebugValue()
	case "warn":
		minimum = level.WarnValue()
	case "error":
		minimum = level.ErrorValue()
	default:
		minimum = level.InfoValue()
	}
}

// Logger wraps a go-kit logger bound to a module name and a chain of
// key/value pairs.
type Logger struct {
	kl kitlog.Logger
}

// GetLogger returns a Logger for the named module. Its level filter reads
// the SetLevel minimum on every log call.
func GetLogger(module string) *Logger {
	kl := kitlog.With(base, "ts", kitlog.DefaultTimestampUTC, "module", module)
	return &Logger{kl: kitlog.LoggerFunc(func(keyvals ...interface{}) error {
		mu.Lock()
		allowed := minimum
		mu.Unlock()
		return level.NewFilter(kl, level.Allowed(allowed)).Log(keyvals...)
	})}
}

// With returns a derived Logger with additional key/value pairs appended to
// every subsequent log line.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{kl: kitlog.With(l.kl, keyvals...)}
}

func (l *Logger) Debug(msg string, keyvals ...interface{}) {
	_ = level.Debug(l.kl).Log(append([]interface{}{"msg", msg}, keyvals...)...)
}

func (l *Logger) Info(msg string, keyvals ...interface{}) {
	_ = level.Info(l.kl).Log(append([]interface{}{"msg", msg}, keyvals...)...)
}

func (l *Logger) Warn(msg string, keyvals ...interface{}) {
	_ = level.Warn(l.kl).Log(append([]interface{}{"msg", msg}, keyvals...)...)
}

func (l *Logger) Error(msg string, keyvals ...interface{}) {
	_ = level.Error(l.kl).Log(append([]interface{}{"msg", msg}, keyvals...)...)
}
