// Package rlog wires up rssbot's three logging destinations (spec.md §7):
// DEBUG to a rotating file, ERROR additionally to a separate error log,
// INFO and above to stderr. All lines carry a UTC timestamp and level.
package rlog

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New builds a *logrus.Logger configured per spec.md §7. dir is created if
// missing. level is one of "debug", "info", "warn", "error" (default info).
func New(dir, level string) (*logrus.Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetFormatter(&utcFormatter{&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	}})
	logger.SetOutput(io.Discard) // destinations are attached as hooks below

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(logrus.DebugLevel) // hooks do their own filtering

	debugFile := &lumberjack.Logger{
		Filename:   filepath.Join(dir, "rssbot.debug.log"),
		MaxSize:    50, // megabytes
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}
	errorFile := &lumberjack.Logger{
		Filename:   filepath.Join(dir, "rssbot.error.log"),
		MaxSize:    50,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}

	logger.AddHook(&writerHook{writer: debugFile, minLevel: logrus.DebugLevel, formatter: logger.Formatter})
	logger.AddHook(&writerHook{writer: errorFile, minLevel: logrus.ErrorLevel, formatter: logger.Formatter})
	logger.AddHook(&writerHook{writer: os.Stderr, minLevel: parsed, formatter: logger.Formatter})

	return logger, nil
}

// utcFormatter converts each entry's timestamp to UTC before delegating.
type utcFormatter struct {
	logrus.Formatter
}

func (f *utcFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	entry.Time = entry.Time.UTC()
	return f.Formatter.Format(entry)
}

// writerHook sends entries at or more severe than minLevel to writer.
// logrus levels are ordered Panic < Fatal < Error < Warn < Info < Debug <
// Trace, i.e. "more severe" is numerically smaller.
type writerHook struct {
	writer    io.Writer
	minLevel  logrus.Level
	formatter logrus.Formatter
}

func (h *writerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *writerHook) Fire(entry *logrus.Entry) error {
	if entry.Level > h.minLevel {
		return nil
	}
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.writer.Write(line)
	return err
}
