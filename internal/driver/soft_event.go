package driver

import (
	"fmt"
	"sync"
	"time"

	"github.com/fxnlabs/clhost/internal/metrics"
	"go.uber.org/zap"
)

type registration struct {
	fn       CallbackFunc
	userData uintptr
}

type softEvent struct {
	queue   *softQueue
	handle  EventHandle
	command string
	done    chan struct{}

	mu        sync.Mutex
	status    EventStatus
	err       error
	callbacks []registration
	queued    time.Time
	started   time.Time
	ended     time.Time
}

func newSoftEvent(q *softQueue, command string) *softEvent {
	return &softEvent{
		queue:   q,
		command: command,
		done:    make(chan struct{}),
		status:  StatusPending,
		queued:  time.Now(),
	}
}

func (e *softEvent) start() {
	e.mu.Lock()
	e.status = StatusRunning
	e.started = time.Now()
	e.mu.Unlock()
}

func (e *softEvent) result() (EventStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status, e.err
}

// complete moves the event to its terminal status and schedules the
// callbacks registered so far. Registrations that arrive later take the
// late path in SetEventCallback.
func (e *softEvent) complete(err error) {
	e.mu.Lock()
	e.ended = time.Now()
	if e.started.IsZero() {
		e.started = e.ended
	}
	if err != nil {
		e.status, e.err = StatusError, err
	} else {
		e.status = StatusComplete
	}
	status, ended := e.status, e.ended
	regs := e.callbacks
	e.callbacks = nil
	e.mu.Unlock()

	close(e.done)
	e.queue.terminal(e)
	metrics.EventsTerminal.WithLabelValues(status.String()).Inc()

	if len(regs) == 0 {
		e.queue.done()
		return
	}
	e.queue.driver.dispatcher.submit(func() {
		defer e.queue.done()
		for _, r := range regs {
			e.deliver(r, status, ended)
		}
	})
}

func (e *softEvent) deliver(r registration, status EventStatus, ended time.Time) {
	defer func() {
		if p := recover(); p != nil {
			e.queue.driver.logger.Error("completion callback panicked",
				zap.String("command", e.command),
				zap.Any("panic", p))
		}
	}()
	metrics.CallbackLatency.Observe(float64(time.Since(ended).Microseconds()) / 1000)
	r.fn(e.handle, status, r.userData)
}

// EventInfo implements Driver.
func (d *SoftDriver) EventInfo(eh EventHandle) (EventInfo, error) {
	e, err := lookupAs[*softEvent](d, KindEvent, uintptr(eh))
	if err != nil {
		return EventInfo{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	info := EventInfo{Status: e.status, Command: e.command, Err: e.err}
	if e.queue.profiling {
		info.Queued, info.Started, info.Ended = e.queued, e.started, e.ended
	}
	return info, nil
}

// SetEventCallback implements Driver. A callback registered on an event
// that is already terminal fires promptly on a dispatcher goroutine unless
// the driver was configured to reject late registrations.
func (d *SoftDriver) SetEventCallback(eh EventHandle, fn CallbackFunc, userData uintptr) error {
	if fn == nil {
		return fmt.Errorf("%w: nil callback", ErrInvalidValue)
	}
	e, err := lookupAs[*softEvent](d, KindEvent, uintptr(eh))
	if err != nil {
		return err
	}

	r := registration{fn: fn, userData: userData}
	e.mu.Lock()
	if !e.status.Terminal() {
		e.callbacks = append(e.callbacks, r)
		e.mu.Unlock()
		return nil
	}
	status, ended := e.status, e.ended
	e.mu.Unlock()

	if d.rejectLate {
		return fmt.Errorf("%w: %s", ErrEventTerminal, status)
	}
	e.queue.addPending()
	d.dispatcher.submit(func() {
		defer e.queue.done()
		e.deliver(r, status, ended)
	})
	return nil
}

// WaitForEvents implements Driver. It returns once every event is terminal;
// callbacks may still be running.
func (d *SoftDriver) WaitForEvents(ehs []EventHandle) error {
	if len(ehs) == 0 {
		return fmt.Errorf("%w: empty event list", ErrInvalidValue)
	}
	evs := make([]*softEvent, len(ehs))
	for i, eh := range ehs {
		e, err := lookupAs[*softEvent](d, KindEvent, uintptr(eh))
		if err != nil {
			return err
		}
		evs[i] = e
	}

	var failed []string
	for _, e := range evs {
		<-e.done
		if status, _ := e.result(); status == StatusError {
			failed = append(failed, e.command)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%w: %v", ErrWaitListFailed, failed)
	}
	return nil
}

// dispatcher delivers callbacks on a fixed set of goroutines from an
// unbounded FIFO, so a slow callback never blocks command execution.
type dispatcher struct {
	logger *zap.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	jobs   []func()
	closed bool
	wg     sync.WaitGroup
}

func newDispatcher(workers int, logger *zap.Logger) *dispatcher {
	d := &dispatcher{logger: logger}
	d.cond = sync.NewCond(&d.mu)
	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.worker()
	}
	return d
}

func (d *dispatcher) submit(job func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		go job()
		return
	}
	d.jobs = append(d.jobs, job)
	d.cond.Signal()
	d.mu.Unlock()
}

func (d *dispatcher) worker() {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		for len(d.jobs) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.jobs) == 0 {
			d.mu.Unlock()
			return
		}
		job := d.jobs[0]
		d.jobs[0] = nil
		d.jobs = d.jobs[1:]
		d.mu.Unlock()

		job()
	}
}

// close drains queued jobs and stops the workers.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
	d.wg.Wait()
}
