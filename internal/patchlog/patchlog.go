// Package patchlog is the engine's logging facade. Every component logs
// through here instead of calling fmt.Println or OutputDebugString
// directly, so install-time diagnostics carry consistent fields.
package patchlog

import (
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	once sync.Once
	base *logrus.Logger
)

func logger() *logrus.Logger {
	once.Do(func() {
		base = logrus.New()
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	})
	return base
}

// SetOutput lets Lifecycle attach the logger to a file or the debug
// console once the module's own directory is known.
func SetOutput(w interface{ Write([]byte) (int, error) }) {
	logger().SetOutput(w)
}

// Entry scopes a set of fields to one hook's install attempt.
type Entry struct {
	e *logrus.Entry
}

// WithHook returns a logger scoped to a single hook for the remainder
// of its install attempt.
func WithHook(id string, site uint32) *Entry {
	return &Entry{e: logger().WithFields(logrus.Fields{
		"hook_id": id,
		"site":    site,
	})}
}

func (en *Entry) Info(args ...interface{})  { en.e.Info(args...) }
func (en *Entry) Warn(args ...interface{})  { en.e.Warn(args...) }
func (en *Entry) Error(args ...interface{}) { en.e.Error(args...) }

func Info(args ...interface{})  { logger().Info(args...) }
func Warn(args ...interface{})  { logger().Warn(args...) }
func Error(args ...interface{}) { logger().Error(args...) }
func Fatal(args ...interface{}) { logger().Fatal(args...) }
