package obs

import (
	"fmt"
	"io"
	"os"

	mozlog "github.com/mozilla-services/go-mozlogrus"
	"github.com/sirupsen/logrus"
)

var base = newLogger()

// Fields are attached to every event as structured key/value pairs.
type Fields = logrus.Fields

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.JSONFormatter{})
	return l
}

// Logger exposes the shared logger for callers that need an io.Writer or an Entry.
func Logger() *logrus.Logger { return base }

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	if v {
		base.SetLevel(logrus.DebugLevel)
		return
	}
	base.SetLevel(logrus.InfoLevel)
}

// DebugEnabled reports whether debug events are emitted.
func DebugEnabled() bool { return base.IsLevelEnabled(logrus.DebugLevel) }

// Configure selects the output format ("json", "text" or "mozlog") and destination.
// A nil out keeps the current destination.
func Configure(format string, out io.Writer) error {
	switch format {
	case "", "json":
		base.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "mozlog":
		base.SetFormatter(&mozlog.MozLogFormatter{LoggerName: "websockify"})
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	if out != nil {
		base.SetOutput(out)
	}
	return nil
}

func Info(msg string, f Fields)  { base.WithFields(f).Info(msg) }
func Warn(msg string, f Fields)  { base.WithFields(f).Warn(msg) }
func Error(msg string, f Fields) { base.WithFields(f).Error(msg) }
func Debug(msg string, f Fields) {
	if DebugEnabled() {
		base.WithFields(f).Debug(msg)
	}
}

// With returns a copy of f with k set to v.
func With(f Fields, k string, v any) Fields {
	out := make(Fields, len(f)+1)
	for key, val := range f {
		out[key] = val
	}
	out[k] = v
	return out
}
