// Package logging initializes the process-wide zerolog logger and the
// dedicated attack/suspicious sinks under the log directory.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	once       sync.Once
	zLogger    zerolog.Logger
	attackLog  zerolog.Logger
	suspectLog zerolog.Logger
)

// levelWriter routes events at or above min to w.
type levelWriter struct {
	io.Writer
	min zerolog.Level
}

func (lw levelWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < lw.min {
		return len(p), nil
	}
	return lw.Writer.Write(p)
}

// Setup initializes all sinks. Safe to call more than once; only the first
// call takes effect. File sinks that cannot be opened are skipped; the
// console writer always works.
func Setup(logDir string, debug bool) {
	once.Do(func() {
		zerolog.TimeFieldFormat = time.RFC3339

		level := zerolog.InfoLevel
		if debug {
			level = zerolog.DebugLevel
		}

		console := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}

		writers := []io.Writer{console}
		if f := openSink(logDir, "general.log"); f != nil {
			writers = append(writers, f)
		}
		if f := openSink(logDir, "error.log"); f != nil {
			writers = append(writers, levelWriter{Writer: f, min: zerolog.ErrorLevel})
		}

		zLogger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
			Level(level).With().Timestamp().Logger()

		attackLog = fileLogger(logDir, "attack.log")
		suspectLog = fileLogger(logDir, "suspicious.log")
	})
}

// Logger returns the general process logger.
func Logger() zerolog.Logger {
	Setup("logs", false)
	return zLogger
}

// Attack returns the sink for classified attack records.
func Attack() zerolog.Logger {
	Setup("logs", false)
	return attackLog
}

// Suspicious returns the sink for raw observation events.
func Suspicious() zerolog.Logger {
	Setup("logs", false)
	return suspectLog
}

func fileLogger(dir, name string) zerolog.Logger {
	f := openSink(dir, name)
	if f == nil {
		return zerolog.New(io.Discard)
	}
	return zerolog.New(f).With().Timestamp().Logger()
}

func openSink(dir, name string) *os.File {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil
	}
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil
	}
	return f
}
