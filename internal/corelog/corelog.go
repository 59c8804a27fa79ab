// Package corelog is the core's own minimal structured logger. It
// is explicit that the core does not own a logging infrastructure beyond
// structured event hooks, so this stays small: an Event bound to a
// component and operation id, leveled methods that format to an injected
// sink, and an optional hook channel for callers (metrics, audit trails)
// that want to observe every log line without parsing text.
package corelog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Level is a log severity.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "D"
	case Info:
		return "I"
	case Warn:
		return "W"
	case Error:
		return "E"
	default:
		return "?"
	}
}

// Record is one structured log line, delivered to any registered Hook.
type Record struct {
	Time      time.Time
	Level     Level
	Component string
	OpID      string
	Msg       string
}

// Hook observes every record emitted by any Event sharing its Logger.
type Hook func(Record)

// Logger owns the sink and the hook list; Event is the per-component,
// per-operation handle callers actually log through.
type Logger struct {
	mu    sync.Mutex
	out   io.Writer
	hooks []Hook
	min   Level
}

// New returns a Logger writing to w at minimum severity min.
func New(w io.Writer, min Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return &Logger{out: w, min: min}
}

// AddHook registers a structured-event hook.
func (l *Logger) AddHook(h Hook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, h)
}

// Event returns a logging handle scoped to component/opID.
func (l *Logger) Event(component, opID string) *Event {
	return &Event{logger: l, component: component, opID: opID}
}

// Event is the per-call logging handle, bound to one component and op id.
type Event struct {
	logger    *Logger
	component string
	opID      string
}

func (e *Event) emit(lvl Level, format string, args ...interface{}) {
	l := e.logger
	if lvl < l.min {
		return
	}
	rec := Record{
		Time:      time.Now(),
		Level:     lvl,
		Component: e.component,
		OpID:      e.opID,
		Msg:       fmt.Sprintf(format, args...),
	}
	l.mu.Lock()
	fmt.Fprintf(l.out, "%s [%s] %s/%s: %s\n",
		rec.Time.Format(time.RFC3339Nano), rec.Level, rec.Component, rec.OpID, rec.Msg)
	hooks := append([]Hook(nil), l.hooks...)
	l.mu.Unlock()
	for _, h := range hooks {
		h(rec)
	}
}

func (e *Event) Debug(format string, args ...interface{}) { e.emit(Debug, format, args...) }
func (e *Event) Info(format string, args ...interface{})  { e.emit(Info, format, args...) }
func (e *Event) Warn(format string, args ...interface{})  { e.emit(Warn, format, args...) }
func (e *Event) Error(format string, args ...interface{}) { e.emit(Error, format, args...) }

// With returns a child Event under the same component with a distinct
// operation id, e.g. per migration session or per heartbeat target.
func (e *Event) With(opID string) *Event {
	return &Event{logger: e.logger, component: e.component, opID: opID}
}
