package types

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/journald"
)

func isJournaldAvailable() bool {
	conn, err := net.Dial("unixgram", "/run/systemd/journal/socket")
	if err != nil {
		return false
	}
	defer conn.Close()
	return true
}

// NewForgeLogger creates a new logger with the given name and level.
// The level is used to set the log level, defaulting to info
// The log level can be overridden by setting the environment variable $NAME_DEBUG to any parseable value.
// If quiet is true, the logger will not log to the console.
func NewForgeLogger(name, level string, quiet bool) ForgeLogger {
	var loggers []io.Writer
	var l zerolog.Level
	var fileLock *flock.Flock
	var logfile *os.File
	var err error

	if isJournaldAvailable() {
		loggers = append(loggers, journald.NewJournalDWriter())
	} else {
		// Default to file logging
		logName := fmt.Sprintf("%s.log", name)
		_ = os.MkdirAll("/var/log/bootforge/", os.ModeDir|os.ModePerm)
		logFileName := filepath.Join("/var/log/bootforge/", logName)

		logfile, err = os.OpenFile(logFileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err == nil {
			loggers = append(loggers, zerolog.ConsoleWriter{Out: logfile, TimeFormat: time.RFC3339, NoColor: true})
		}

		fileLock = flock.New(logFileName + ".lock")
	}

	if !quiet {
		loggers = append(loggers, zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
			w.TimeFormat = time.RFC3339
		}))
	}

	// Parse the level, default to info
	l, err = zerolog.ParseLevel(level)
	if err != nil {
		l = zerolog.InfoLevel
	}

	multi := zerolog.MultiLevelWriter(loggers...)

	// Set debug level if set on ENV
	if os.Getenv(fmt.Sprintf("%s_DEBUG", strings.ToUpper(name))) != "" {
		l = zerolog.DebugLevel
	}
	// Set trace level if set on ENV
	if os.Getenv(fmt.Sprintf("%s_TRACE", strings.ToUpper(name))) != "" {
		l = zerolog.TraceLevel
	}
	k := ForgeLogger{
		zerolog.New(multi).With().Timestamp().Logger().Level(l),
		fileLock,
		logfile,
	}

	// Set the finalizer to call the cleanup method
	runtime.SetFinalizer(&k, func(k *ForgeLogger) {
		k.Cleanup()
	})

	return k
}

func (m *ForgeLogger) Cleanup() {
	if m.fileLock != nil {
		m.fileLock.Lock()
		defer m.fileLock.Unlock()
	}

	if m.logFile != nil {
		m.logFile.Close()
		m.logFile = nil
	}
	if m.fileLock != nil {
		m.fileLock.Unlock()
		m.fileLock = nil
	}
}

func NewBufferLogger(b *bytes.Buffer) ForgeLogger {
	return ForgeLogger{
		zerolog.New(b).With().Timestamp().Logger(),
		nil,
		nil,
	}
}

func NewNullLogger() ForgeLogger {
	return ForgeLogger{
		zerolog.New(io.Discard).With().Timestamp().Logger(),
		nil,
		nil,
	}
}

// ForgeLogger is the project-wide logger, a thin wrapper over zerolog.
type ForgeLogger struct {
	zerolog.Logger
	fileLock *flock.Flock
	logFile  *os.File
}

func (m *ForgeLogger) SetLevel(level string) {
	l, _ := zerolog.ParseLevel(level)
	// This returns a full child logger so we need to overwrite the logger
	m.Logger = m.Logger.Level(l)
}

func (m ForgeLogger) GetLevel() zerolog.Level {
	return m.Logger.GetLevel()
}

func (m ForgeLogger) IsDebug() bool {
	return m.Logger.GetLevel() == zerolog.DebugLevel
}
