// Package zlog backs a logiface.Logger with zerolog.
package zlog

import (
	"io"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"
)

type (
	// Event is a logiface.Event writing into a *zerolog.Event.
	Event struct {
		logiface.UnimplementedEvent
		Z   *zerolog.Event
		lvl logiface.Level
		msg string
	}

	// Logger is the event factory and writer for Event.
	Logger struct {
		Z zerolog.Logger
	}
)

var (
	// compile time assertions

	_ logiface.Event                = (*Event)(nil)
	_ logiface.EventFactory[*Event] = (*Logger)(nil)
	_ logiface.Writer[*Event]       = (*Logger)(nil)
)

func (x *Event) Level() logiface.Level {
	if x != nil {
		return x.lvl
	}
	return logiface.LevelDisabled
}

func (x *Event) AddField(key string, val any) {
	x.Z.Interface(key, val)
}

func (x *Event) AddMessage(msg string) bool {
	x.msg = msg
	return true
}

func (x *Event) AddError(err error) bool {
	x.Z.Err(err)
	return true
}

func (x *Event) AddString(key string, val string) bool {
	x.Z.Str(key, val)
	return true
}

func (x *Event) AddInt(key string, val int) bool {
	x.Z.Int(key, val)
	return true
}

func (x *Event) AddInt64(key string, val int64) bool {
	x.Z.Int64(key, val)
	return true
}

func (x *Event) AddUint64(key string, val uint64) bool {
	x.Z.Uint64(key, val)
	return true
}

func (x *Event) AddBool(key string, val bool) bool {
	x.Z.Bool(key, val)
	return true
}

func (x *Event) AddDuration(key string, val time.Duration) bool {
	x.Z.Dur(key, val)
	return true
}

func (x *Logger) NewEvent(level logiface.Level) *Event {
	if !level.Enabled() {
		return nil
	}
	r := Event{lvl: level}
	switch level {
	case logiface.LevelTrace:
		r.Z = x.Z.Trace()
	case logiface.LevelDebug:
		r.Z = x.Z.Debug()
	case logiface.LevelInformational:
		r.Z = x.Z.Info()
	case logiface.LevelNotice, logiface.LevelWarning:
		r.Z = x.Z.Warn()
	default:
		// Critical and above must not exit or panic the process: this
		// package only logs, it never decides to terminate.
		r.Z = x.Z.Error()
	}
	return &r
}

func (x *Logger) Write(event *Event) error {
	event.Z.Msg(event.msg)
	return nil
}

// New returns a logger writing JSON lines to w, enabled up to level.
func New(w io.Writer, level logiface.Level) *logiface.Logger[logiface.Event] {
	z := &Logger{Z: zerolog.New(w).With().Timestamp().Logger()}
	return logiface.New[*Event](
		logiface.WithEventFactory[*Event](z),
		logiface.WithWriter[*Event](z),
		logiface.WithLevel[*Event](level),
	).Logger()
}

// Console is like New but writes human readable lines.
func Console(w io.Writer, level logiface.Level) *logiface.Logger[logiface.Event] {
	return New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly, NoColor: true}, level)
}
