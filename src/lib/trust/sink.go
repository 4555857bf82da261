package trust

import (
	"io"
	"sync"

	"github.com/fatih/color"
	"go.uber.org/zap"
)

// Sink is where finished log lines go.  Lines never carry a trailing newline.
type Sink interface {
	Emit(l MaskLevel, line string)
}

type consoleSink struct {
	mu  sync.Mutex
	w   io.Writer
	tag map[MaskLevel]*color.Color
}

// NewConsoleSink writes one line per message to w, each tagged with its
// level.  If colored is true the tags are colored for a terminal.
func NewConsoleSink(w io.Writer, colored bool) Sink {
	c := &consoleSink{w: w, tag: map[MaskLevel]*color.Color{
		fatalMask: color.New(color.FgHiRed, color.Bold),
		ErrorMask: color.New(color.FgRed),
		WarnMask:  color.New(color.FgYellow),
		InfoMask:  color.New(color.FgGreen),
		DebugMask: color.New(color.FgCyan),
		StatsMask: color.New(color.FgMagenta),
	}}
	for _, t := range c.tag {
		if colored {
			t.EnableColor()
		} else {
			t.DisableColor()
		}
	}
	return c
}

func tagOf(l MaskLevel) (MaskLevel, string) {
	switch {
	case l&fatalMask > 0:
		return fatalMask, "FATAL:"
	case l&ErrorMask > 0:
		return ErrorMask, "ERROR:"
	case l&WarnMask > 0:
		return WarnMask, " WARN:"
	case l&InfoMask > 0:
		return InfoMask, " INFO:"
	case l&DebugMask > 0:
		return DebugMask, "DEBUG:"
	}
	return StatsMask, "STATS:"
}

func (c *consoleSink) Emit(l MaskLevel, line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, t := tagOf(l)
	c.tag[m].Fprint(c.w, t)
	io.WriteString(c.w, line+"\n")
}

type zapSink struct {
	z *zap.Logger
}

// NewZapSink hands every line to a zap logger at the matching zap level.
// Fatal lines are logged at error level; exiting is left to Fatalf.
func NewZapSink(z *zap.Logger) Sink {
	return &zapSink{z: z}
}

func (s *zapSink) Emit(l MaskLevel, line string) {
	switch m, _ := tagOf(l); m {
	case fatalMask:
		s.z.Error(line, zap.Bool("fatal", true))
	case ErrorMask:
		s.z.Error(line)
	case WarnMask:
		s.z.Warn(line)
	case InfoMask:
		s.z.Info(line)
	case DebugMask:
		s.z.Debug(line)
	default:
		s.z.Info(line, zap.String("kind", "stats"))
	}
}
