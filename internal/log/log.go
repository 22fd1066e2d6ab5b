// Package log is a thin wrapper around log15, giving every component in
// the transport a shared, structured logger the way the teacher's own
// "log" package wraps the same library.
package log

import (
	"os"

	l15 "github.com/inconshreveable/log15"
)

var root = l15.New()

// baseHandler is the unfiltered stderr handler; SetLevel wraps it in an
// LvlFilterHandler.
var baseHandler = l15.StreamHandler(os.Stderr, l15.TerminalFormat())

func init() {
	root.SetHandler(l15.LvlFilterHandler(l15.LvlInfo, baseHandler))
}

// SetHandler swaps the root handler, e.g. to redirect into a file.
// Callers that also want level filtering should wrap h themselves (see
// SetLevel) before passing it here.
func SetHandler(h l15.Handler) { root.SetHandler(h) }

// SetLevel installs an LvlFilterHandler at lvl over the stderr
// baseHandler, the mechanism by which a config's hot-reloadable log_level
// (§4.K) is actually applied at startup and on every reload. It replaces
// any handler installed through SetHandler.
func SetLevel(lvl l15.Lvl) { root.SetHandler(l15.LvlFilterHandler(lvl, baseHandler)) }

// New returns a child logger with the given static context fields,
// e.g. log.New("component", "pool").
func New(ctx ...interface{}) l15.Logger { return root.New(ctx...) }

func Debug(msg string, ctx ...interface{}) { root.Debug(msg, ctx...) }
func Info(msg string, ctx ...interface{})  { root.Info(msg, ctx...) }
func Warn(msg string, ctx ...interface{})  { root.Warn(msg, ctx...) }
func Error(msg string, ctx ...interface{}) { root.Error(msg, ctx...) }
func Crit(msg string, ctx ...interface{})  { root.Crit(msg, ctx...) }

// LevelFromString maps a config log_level string to a log15 Lvl, falling
// back to LvlInfo for unrecognized values.
func LevelFromString(s string) l15.Lvl {
	lvl, err := l15.LvlFromString(s)
	if err != nil {
		return l15.LvlInfo
	}
	return lvl
}
