package machine

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// LoggerFn is a logging function for the machine.
type LoggerFn func(level LogLevel, msg string, args ...any)

// LogLevel defines the level of details in the produced log (0-5).
type LogLevel int

const (
	// LogNothing means no logging, including external msgs.
	LogNothing LogLevel = iota
	// LogExternal will show ony external user msgs.
	LogExternal
	// LogChanges means logging state changes and external msgs.
	LogChanges
	// LogOps means LogChanges + logging all the operations.
	LogOps
	// LogDecisions means LogOps + logging all the decisions behind them.
	LogDecisions
	// LogEverything means LogDecisions + all effect names, and more.
	LogEverything
)

func (l LogLevel) String() string {
	switch l {
	case LogNothing:
		fallthrough
	default:
		return "nothing"
	case LogExternal:
		return "external"
	case LogChanges:
		return "changes"
	case LogOps:
		return "ops"
	case LogDecisions:
		return "decisions"
	case LogEverything:
		return "everything"
	}
}

// EnvLogLevel returns a log level from an environment variable, AM_LOG by
// default.
func EnvLogLevel(name string) LogLevel {
	if name == "" {
		name = EnvAmLog
	}
	v, _ := strconv.Atoi(os.Getenv(name))

	return LogLevel(v)
}

// FormatData formats data fields as a sorted list of key=value pairs.
func FormatData(data A) string {
	if len(data) == 0 {
		return "()"
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("(")
	for i, k := range keys {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(k + "=" + fmt.Sprint(data[k]))
	}
	b.WriteString(")")

	return b.String()
}

// Log logs an [external] message with the LogExternal level.
// Optionally redirects to a custom logger from SetLogger.
func (m *Machine) Log(msg string, args ...any) {
	m.log(LogExternal, "[external] "+msg, args...)
}

// log logs a message if the log level is high enough.
// Optionally redirects to a custom logger from SetLogger.
func (m *Machine) log(level LogLevel, msg string, args ...any) {
	if level > m.LogLevel() {
		return
	}
	if m.logId.Load() {
		id := m.id
		if len(id) > 5 {
			id = id[:5]
		}
		msg = "[" + id + "] " + msg
	}

	m.logMx.RLock()
	logger := m.logger
	m.logMx.RUnlock()
	if logger != nil {
		logger(level, msg, args...)
		return
	}
	fmt.Printf(msg+"\n", args...)
}

// SetLogger sets a custom logger function.
func (m *Machine) SetLogger(fn LoggerFn) {
	m.logMx.Lock()
	defer m.logMx.Unlock()

	m.logger = fn
}

// SetLoggerSimple takes log.Printf (or t.Logf) and sets the log level in one
// call.
func (m *Machine) SetLoggerSimple(
	logf func(format string, args ...any), level LogLevel,
) {
	if logf == nil {
		panic("logf cannot be nil")
	}

	m.SetLogger(func(_ LogLevel, msg string, args ...any) {
		logf(msg, args...)
	})
	m.SetLogLevel(level)
}

// SetLogId enables or disables the ID prefix of log messages.
func (m *Machine) SetLogId(val bool) {
	m.logId.Store(val)
}

// SetLogLevel sets the log level of the machine.
func (m *Machine) SetLogLevel(level LogLevel) {
	m.logLevel.Store(int32(level))
}

// LogLevel returns the log level of the machine.
func (m *Machine) LogLevel() LogLevel {
	return LogLevel(m.logLevel.Load())
}
