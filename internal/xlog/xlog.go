// Package xlog provides the package-wide structured logger for objheap.
package xlog

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// Log is the store-wide logger. It defaults to an info-level logger writing
// to stderr; callers that embed objheap in a larger service should replace
// it with Configure before calling objheap.Open.
var Log *logrus.Logger

func init() {
	Log = newLogger("info")
}

// Configure installs a new logger at the given level ("debug", "info",
// "warn", "error"). Unknown levels fall back to info.
func Configure(level string) {
	Log = newLogger(level)
}

func newLogger(level string) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&callerFormatter{})
	l.SetLevel(parseLevel(level))
	l.SetOutput(os.Stderr)
	return l
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// callerFormatter renders "[HH:MM:SS] [LEVL] (file:func:line) message",
// matching the house format used elsewhere in the codebase's ambient
// logging.
type callerFormatter struct{}

func (f *callerFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	timestamp := entry.Time.Format("15:04:05")
	level := strings.ToUpper(entry.Level.String())
	if len(level) > 4 {
		level = level[:4]
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] [%s] (%s) %s", timestamp, level, caller(), entry.Message)
	for k, v := range entry.Data {
		fmt.Fprintf(&sb, " %s=%v", k, v)
	}
	sb.WriteByte('\n')
	return []byte(sb.String()), nil
}

func caller() string {
	for i := 2; i < 20; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		if strings.Contains(file, "/logrus/") || strings.Contains(file, "xlog/xlog.go") {
			continue
		}
		fn := runtime.FuncForPC(pc).Name()
		return fmt.Sprintf("%s:%s:%d", filepath.Base(file), fn, line)
	}
	return "unknown:unknown:0"
}
