package evsync

import (
	"sync"

	"github.com/joeycumines/logiface"
)

type testEvent struct {
	logiface.UnimplementedEvent
	level  logiface.Level
	msg    string
	err    error
	fields map[string]any
}

func (e *testEvent) Level() logiface.Level {
	if e == nil {
		return logiface.LevelDisabled
	}
	return e.level
}

func (e *testEvent) AddField(key string, val any) {
	if e.fields == nil {
		e.fields = make(map[string]any)
	}
	e.fields[key] = val
}

func (e *testEvent) AddMessage(msg string) bool {
	e.msg = msg
	return true
}

func (e *testEvent) AddError(err error) bool {
	e.err = err
	return true
}

func (e *testEvent) AddUint64(key string, val uint64) bool {
	e.AddField(key, val)
	return true
}

// testLog records every event written through its logger.
type testLog struct {
	mu     sync.Mutex
	events []*testEvent
}

func newTestLog(level logiface.Level) (*testLog, *logiface.Logger[logiface.Event]) {
	tl := &testLog{}
	l := logiface.New[*testEvent](
		logiface.WithEventFactory[*testEvent](logiface.NewEventFactoryFunc(func(level logiface.Level) *testEvent {
			return &testEvent{level: level}
		})),
		logiface.WithWriter[*testEvent](logiface.NewWriterFunc(func(e *testEvent) error {
			tl.mu.Lock()
			tl.events = append(tl.events, e)
			tl.mu.Unlock()
			return nil
		})),
		logiface.WithLevel[*testEvent](level),
	)
	return tl, l.Logger()
}

func (tl *testLog) messages() []string {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	out := make([]string, len(tl.events))
	for i, e := range tl.events {
		out[i] = e.msg
	}
	return out
}

func (tl *testLog) find(msg string) *testEvent {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	for _, e := range tl.events {
		if e.msg == msg {
			return e
		}
	}
	return nil
}

func (tl *testLog) count(msg string) int {
	var n int
	for _, m := range tl.messages() {
		if m == msg {
			n++
		}
	}
	return n
}
