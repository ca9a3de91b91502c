package observability

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Log output formats.
const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

var (
	outMu sync.RWMutex
	out   io.Writer = os.Stdout
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.SetGlobalLevel(ParseLogLevel(os.Getenv("PREDICT_LOG_LEVEL")))
}

// Configure sets the process-wide level and output format. Loggers created
// before the call keep their writer but follow the new level.
func Configure(level, format string) {
	zerolog.SetGlobalLevel(ParseLogLevel(level))

	var w io.Writer = os.Stdout
	if strings.EqualFold(format, LogFormatConsole) {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	outMu.Lock()
	out = w
	outMu.Unlock()
}

// NewLogger returns a logger tagged with the component name.
func NewLogger(component string) zerolog.Logger {
	outMu.RLock()
	w := out
	outMu.RUnlock()

	return zerolog.New(w).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// ParseLogLevel maps a level name to zerolog; unknown names give info.
func ParseLogLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
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
