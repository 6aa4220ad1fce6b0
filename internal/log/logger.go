// Package log provides the process-wide leveled logger used by the bridge daemon and the command
// line tools.

package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	LevelNone    Level = iota // Disables logging.
	LevelError                // Logs failures that make a device unavailable.
	LevelWarning              // Logs recoverable failures, such as forced reconnects.
	LevelInfo                 // Logs major events (logins, startup, shutdown).
	LevelDebug                // Logs detailed IO
)

var (
	globalLogLevel Level     = LevelWarning
	output         io.Writer = os.Stderr
	logMutex       sync.Mutex
)

var labels = map[Level]string{
	LevelDebug:   "[debug]",
	LevelInfo:    "[info ]",
	LevelWarning: "[warn ]",
	LevelError:   "[error]",
}

var levelsByName = map[string]Level{
	"none":    LevelNone,
	"error":   LevelError,
	"warn":    LevelWarning,
	"warning": LevelWarning,
	"info":    LevelInfo,
	"debug":   LevelDebug,
}

func SetLevel(level Level) {
	logMutex.Lock()
	defer logMutex.Unlock()
	globalLogLevel = level
}

// SetOutput redirects log output, returning the previous writer.
func SetOutput(w io.Writer) io.Writer {
	logMutex.Lock()
	defer logMutex.Unlock()
	previous := output
	output = w
	return previous
}

// ParseLevel converts a level name ("debug", "info", "warn", "error", "none") to a Level.
func ParseLevel(name string) (Level, error) {
	level, ok := levelsByName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return LevelNone, fmt.Errorf("unknown log level '%s'", name)
	}
	return level, nil
}

func (l Level) String() string {
	for name, level := range levelsByName {
		if level == l && name != "warning" {
			return name
		}
	}
	return fmt.Sprintf("level(%d)", int(l))
}

func log(level Level, format string, a ...interface{}) {
	logMutex.Lock()
	defer logMutex.Unlock()
	if level > globalLogLevel {
		return
	}
	msg := fmt.Sprintf("%s %s ", time.Now().Format(time.RFC3339), labels[level])
	msg += fmt.Sprintf(format, a...)
	fmt.Fprintln(output, msg)
}

func Debug(format string, a ...interface{}) {
	log(LevelDebug, format, a...)
}
func Info(format string, a ...interface{}) {
	log(LevelInfo, format, a...)
}
func Warning(format string, a ...interface{}) {
	log(LevelWarning, format, a...)
}
func Error(format string, a ...interface{}) {
	log(LevelError, format, a...)
}
