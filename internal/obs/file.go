package obs

import (
	"context"
	"io"
	"os"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogFile is a size-capped log file that RotateDaily also rolls over at local midnight.
type LogFile struct {
	*lumberjack.Logger
}

func NewLogFile(path string) *LogFile {
	return &LogFile{Logger: &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100, // megabytes
		MaxBackups: 14,
		MaxAge:     30, // days
		LocalTime:  true,
	}}
}

// RotateDaily rolls the file over at every local midnight until ctx ends.
func (f *LogFile) RotateDaily(ctx context.Context) {
	for {
		t := time.NewTimer(time.Until(nextMidnight(time.Now())))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if err := f.Rotate(); err != nil {
			Warn("log.rotate", Fields{"file": f.Filename, "err": err.Error()})
		}
	}
}

func nextMidnight(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
}

// Setup applies format and, when path is set, copies every event to stdout and a LogFile at
// path that is rolled daily until ctx ends. The returned func closes the file.
func Setup(ctx context.Context, format, path string) (func(), error) {
	if path == "" {
		return func() {}, Configure(format, nil)
	}
	f := NewLogFile(path)
	if err := Configure(format, io.MultiWriter(os.Stdout, f)); err != nil {
		return func() {}, err
	}
	go f.RotateDaily(ctx)
	return func() {
		base.SetOutput(os.Stdout)
		_ = f.Close()
	}, nil
}
