// Package log provides the leveled, per-object logging convention used
// throughout the LFSCK core: every message is prefixed with the
// stringified object it concerns, the way rclone's fs.Debugf/Infof/Errorf
// do for remotes and objects.
package log

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"
)

// Level selects which messages reach the output.
type Level int32

// Levels, lowest verbosity first.
const (
	Error Level = iota
	Info
	Debug
)

var (
	current = int32(Info)
	out     = log.New(os.Stderr, "", log.LstdFlags)
)

// SetLevel changes the minimum level that will be printed. Safe for
// concurrent use. The cmd/lfsck CLI does not call it, so it logs at
// the default Info level.
func SetLevel(l Level) {
	atomic.StoreInt32(&current, int32(l))
}

func enabled(l Level) bool {
	return int32(l) <= atomic.LoadInt32(&current)
}

func prefix(o any) string {
	if o == nil {
		return ""
	}
	if s, ok := o.(fmt.Stringer); ok {
		return s.String() + ": "
	}
	return fmt.Sprintf("%v: ", o)
}

// Debugf logs a debug-level message about o.
func Debugf(o any, format string, args ...any) {
	if !enabled(Debug) {
		return
	}
	out.Printf("DEBUG : "+prefix(o)+format, args...)
}

// Infof logs an info-level message about o.
func Infof(o any, format string, args ...any) {
	if !enabled(Info) {
		return
	}
	out.Printf("INFO  : "+prefix(o)+format, args...)
}

// Errorf logs an error-level message about o. Error-level messages are
// never suppressed.
func Errorf(o any, format string, args ...any) {
	out.Printf("ERROR : "+prefix(o)+format, args...)
}
