package util

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var globalLog = zerolog.Nop()

// sensitiveFields are never written verbatim, even if a caller passes them.
var sensitiveFields = []string{"content", "key", "session", "session_id", "fragment"}

func InitLog(level string, dev bool) {
	InitLogTo(os.Stdout, level, dev)
}

func InitLogTo(w io.Writer, level string, dev bool) {
	out := w
	if dev {
		out = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}
	}
	zerolog.SetGlobalLevel(parseLevel(level))
	globalLog = zerolog.New(out).
		With().
		Timestamp().
		Caller().
		Logger().
		Hook(redactHook{})
	log.Logger = globalLog
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func Debug() *zerolog.Event { return globalLog.Debug() }
func Info() *zerolog.Event  { return globalLog.Info() }
func Warn() *zerolog.Event  { return globalLog.Warn() }
func Error() *zerolog.Event { return globalLog.Error() }
func Fatal() *zerolog.Event { return globalLog.Fatal() }
func GetLogger() zerolog.Logger {
	return globalLog
}

// SafeStr attaches a string field, masking it when the key names something
// that must stay client-side.
func SafeStr(e *zerolog.Event, key, val string) *zerolog.Event {
	lower := strings.ToLower(key)
	for _, f := range sensitiveFields {
		if lower == f {
			return e.Str(key, "[REDACTED]")
		}
	}
	return e.Str(key, RedactSensitive(key, val))
}

type redactHook struct{}

func (h redactHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	if level >= zerolog.ErrorLevel {
		e.Str("log_scope", "server")
	}
}
