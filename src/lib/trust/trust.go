package trust

import (
	"fmt"
	"os"
)

type MaskLevel int

const (
	Nothing   MaskLevel = 0x0
	ErrorMask MaskLevel = 0x1
	WarnMask  MaskLevel = 0x2
	InfoMask  MaskLevel = 0x4
	DebugMask MaskLevel = 0x8
	StatsMask MaskLevel = 0x10
	fatalMask MaskLevel = 0x80
)

var level = fatalMask | StatsMask | ErrorMask | WarnMask | InfoMask

var sink Sink = NewConsoleSink(os.Stdout, false)

var exit = os.Exit

// SetLevel lets you set an error mask directly. You can pass in something like
// ErrorMask | DebugMask to control exactly what gets printed.  It returns the
// previous mask.
func SetLevel(mask MaskLevel) MaskLevel {
	if mask&0x1f == 0 {
		sink.Emit(WarnMask, "trust.SetLevel is turning off log messages")
	}
	r := level & 0x1f
	level = (mask & 0x1f) | fatalMask
	return r
}

// SetLevelByName sets the mask to include the named level and everything
// more severe than it.  Unknown names leave the mask alone and return false.
func SetLevelByName(name string) bool {
	var m MaskLevel
	switch name {
	case "error":
		m = ErrorMask
	case "warn":
		m = ErrorMask | WarnMask
	case "info":
		m = ErrorMask | WarnMask | InfoMask
	case "debug":
		m = ErrorMask | WarnMask | InfoMask | DebugMask
	case "stats":
		m = ErrorMask | WarnMask | InfoMask | DebugMask | StatsMask
	case "none":
		m = Nothing
	default:
		return false
	}
	SetLevel(m)
	return true
}

func Level() MaskLevel {
	return level
}

func LevelToString() string {
	result := ""
	if level&ErrorMask > 0 {
		result += "error "
	}
	if level&WarnMask > 0 {
		result += "warn "
	}
	if level&InfoMask > 0 {
		result += "info "
	}
	if level&DebugMask > 0 {
		result += "debug "
	}
	if level&StatsMask > 0 {
		result += "stats"
	}
	return result
}

// SetSink replaces the destination of all log lines and returns the old one.
func SetSink(s Sink) Sink {
	old := sink
	sink = s
	return old
}

// SetExit replaces the function Fatalf calls after emitting its line.
func SetExit(f func(int)) func(int) {
	old := exit
	exit = f
	return old
}

func logf(l MaskLevel, format string, params ...interface{}) {
	if level&l == 0 {
		return
	}
	if l&StatsMask > 0 && l&fatalMask == 0 {
		category := "unknown"
		if len(params) > 0 {
			if s, ok := params[0].(string); ok {
				category = s
			}
			params = params[1:]
		}
		format = "[" + category + "] " + format
	}
	if n := len(format); n > 0 && format[n-1] == '\n' {
		format = format[:n-1]
	}
	sink.Emit(l, fmt.Sprintf(format, params...))
}

//Fatalf prints the given log message (format + params) and then
//exits with the exitCode provided.  Fatalf is not maskable.
func Fatalf(exitCode int, format string, params ...interface{}) {
	logf(fatalMask, format, params...)
	exit(exitCode)
}

//Errorf prints the given log message (format + params) using the ErrorMask level.
func Errorf(format string, params ...interface{}) {
	logf(ErrorMask, format, params...)
}

//Warnf prints the given log message (format + params) using the WarnMask level.
func Warnf(format string, params ...interface{}) {
	logf(WarnMask, format, params...)
}

//Infof prints the given log message (format + params) using the InfoMask level.
func Infof(format string, params ...interface{}) {
	logf(InfoMask, format, params...)
}

//Debugf prints the given log message (format + params) using the DebugMask level.
func Debugf(format string, params ...interface{}) {
	logf(DebugMask, format, params...)
}

//Stats prints the given log message (format + params) using the StatsMask level and
//takes an extra parameter that will be visible in the log message as the category
//of stats that is reported.
func Statsf(category string, format string, params ...interface{}) {
	logf(StatsMask, format, append([]interface{}{category}, params...)...)
}

// Logger prefixes every line with the name of the part of the boot sequence
// that produced it.
type Logger struct {
	prefix string
}

func NewLogger(prefix string) *Logger {
	return &Logger{prefix: prefix}
}

func (l *Logger) Errorf(format string, params ...interface{}) {
	logf(ErrorMask, l.prefix+": "+format, params...)
}
func (l *Logger) Warnf(format string, params ...interface{}) {
	logf(WarnMask, l.prefix+": "+format, params...)
}
func (l *Logger) Infof(format string, params ...interface{}) {
	logf(InfoMask, l.prefix+": "+format, params...)
}
func (l *Logger) Debugf(format string, params ...interface{}) {
	logf(DebugMask, l.prefix+": "+format, params...)
}
