package ocl

import (
	"fmt"
	"runtime"

	"github.com/fxnlabs/clhost/internal/driver"
	"go.uber.org/multierr"
)

// Status is the execution state of the command behind an Event.
type Status = driver.EventStatus

const (
	StatusPending  = driver.StatusPending
	StatusRunning  = driver.StatusRunning
	StatusComplete = driver.StatusComplete
	StatusError    = driver.StatusError
)

// Event tracks one enqueued command. Copying an Event copies the handle;
// Clone takes an independent reference to the same native event.
type Event struct {
	ctx    *Context
	handle driver.EventHandle
	ref    *ref
}

func newEvent(ctx *Context, h driver.EventHandle) Event {
	return Event{
		ctx:    ctx,
		handle: h,
		ref:    newRef(ctx.drv, driver.KindEvent, uintptr(h), ctx.logger),
	}
}

// Handle returns the native event handle.
func (e Event) Handle() driver.EventHandle { return e.handle }

// Valid reports whether the event refers to a native event and has not
// been released through this reference.
func (e Event) Valid() bool { return !e.ref.released() }

// Status returns the current execution status.
func (e Event) Status() (Status, error) {
	info, err := e.Info()
	return info.Status, err
}

// Info returns the native event snapshot, including profiling timestamps
// when the queue records them.
func (e Event) Info() (driver.EventInfo, error) {
	if err := e.ref.check(); err != nil {
		return driver.EventInfo{}, err
	}
	defer runtime.KeepAlive(e.ref)
	return e.ctx.drv.EventInfo(e.handle)
}

// Wait blocks until the command is terminal. It returns an error when the
// command finished with StatusError. Callbacks may still be running.
func (e Event) Wait() error {
	if err := e.ref.check(); err != nil {
		return err
	}
	defer runtime.KeepAlive(e.ref)
	return e.ctx.drv.WaitForEvents([]driver.EventHandle{e.handle})
}

// Clone returns a new reference to the same native event.
func (e Event) Clone() (Event, error) {
	r, err := e.ref.clone()
	if err != nil {
		return Event{}, err
	}
	return Event{ctx: e.ctx, handle: e.handle, ref: r}, nil
}

// Release drops this reference. It is safe to call more than once.
func (e Event) Release() error {
	return e.ref.release()
}

func eventHandles(evs []Event) []driver.EventHandle {
	if len(evs) == 0 {
		return nil
	}
	hs := make([]driver.EventHandle, len(evs))
	for i, ev := range evs {
		hs[i] = ev.handle
	}
	return hs
}

// EventList is an ordered set of events, typically one wave of work.
// It is not safe for concurrent use.
type EventList struct {
	events []Event
}

// NewEventList returns a list holding evs.
func NewEventList(evs ...Event) *EventList {
	return &EventList{events: append([]Event(nil), evs...)}
}

// Push appends one event.
func (l *EventList) Push(ev Event) {
	l.events = append(l.events, ev)
}

// Append appends events in order.
func (l *EventList) Append(evs ...Event) {
	l.events = append(l.events, evs...)
}

// Events returns the events for use as a wait list.
func (l *EventList) Events() []Event {
	if l == nil {
		return nil
	}
	return append([]Event(nil), l.events...)
}

// Len returns the number of events.
func (l *EventList) Len() int {
	if l == nil {
		return 0
	}
	return len(l.events)
}

// Last returns the most recently added event.
func (l *EventList) Last() (Event, bool) {
	if l.Len() == 0 {
		return Event{}, false
	}
	return l.events[len(l.events)-1], true
}

// Clone returns a list holding new references to every event.
func (l *EventList) Clone() (*EventList, error) {
	out := &EventList{events: make([]Event, 0, l.Len())}
	for _, ev := range l.Events() {
		c, err := ev.Clone()
		if err != nil {
			return nil, multierr.Append(err, out.Release())
		}
		out.events = append(out.events, c)
	}
	return out, nil
}

// Wait blocks until every event is terminal.
func (l *EventList) Wait() error {
	if l.Len() == 0 {
		return nil
	}
	for _, ev := range l.events {
		if err := ev.ref.check(); err != nil {
			return err
		}
	}
	defer runtime.KeepAlive(l.events)
	if err := l.events[0].ctx.drv.WaitForEvents(eventHandles(l.events)); err != nil {
		return fmt.Errorf("ocl: wait: %w", err)
	}
	return nil
}

// Release releases every event and empties the list.
func (l *EventList) Release() error {
	if l == nil {
		return nil
	}
	var err error
	for _, ev := range l.events {
		err = multierr.Append(err, ev.Release())
	}
	l.events = l.events[:0]
	return err
}
