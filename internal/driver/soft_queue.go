package driver

import (
	"fmt"
	"sync"
	"time"

	"github.com/fxnlabs/clhost/internal/metrics"
	"go.uber.org/zap"
)

type command struct {
	name  string
	event *softEvent
	wait  []*softEvent
	run   func() error
}

type softQueue struct {
	driver     *SoftDriver
	ctx        *softContext
	device     *softDevice
	outOfOrder bool
	profiling  bool

	mu       sync.Mutex
	work     *sync.Cond
	idle     *sync.Cond
	backlog  []*command
	inflight map[*softEvent]struct{}
	// pending counts commands that are not terminal plus callback batches
	// that have not returned.
	pending int
	stopped bool
}

// CreateQueue implements Driver.
func (d *SoftDriver) CreateQueue(ctxh ContextHandle, dev DeviceID, props QueueProperties) (QueueHandle, error) {
	ctx, err := lookupAs[*softContext](d, KindContext, uintptr(ctxh))
	if err != nil {
		return 0, err
	}
	device, ok := ctx.hasDevice(dev)
	if !ok {
		return 0, fmt.Errorf("%w: device %#x is not part of the context", ErrInvalidDevice, uintptr(dev))
	}
	if props&^(QueueOutOfOrderExec|QueueProfiling) != 0 {
		return 0, fmt.Errorf("%w: unknown queue properties %#x", ErrInvalidValue, uint64(props))
	}

	q := &softQueue{
		driver:     d,
		ctx:        ctx,
		device:     device,
		outOfOrder: props&QueueOutOfOrderExec != 0,
		profiling:  props&QueueProfiling != 0,
		inflight:   make(map[*softEvent]struct{}),
	}
	q.work = sync.NewCond(&q.mu)
	q.idle = sync.NewCond(&q.mu)

	h, err := d.newObject(KindQueue, q)
	if err != nil {
		return 0, err
	}
	if !q.outOfOrder {
		go q.loop()
	}
	d.logger.Debug("queue created",
		zap.String("device", device.info.Name),
		zap.Bool("out_of_order", q.outOfOrder),
		zap.Bool("profiling", q.profiling))
	return QueueHandle(h), nil
}

// Flush implements Driver. Commands are issued as soon as they are
// enqueued, so only the handle is validated.
func (d *SoftDriver) Flush(qh QueueHandle) error {
	_, err := lookupAs[*softQueue](d, KindQueue, uintptr(qh))
	return err
}

// Finish implements Driver.
func (d *SoftDriver) Finish(qh QueueHandle) error {
	q, err := lookupAs[*softQueue](d, KindQueue, uintptr(qh))
	if err != nil {
		return err
	}
	q.finish()
	return nil
}

// EnqueueMarker implements Driver. With an empty wait list the marker
// completes after every command enqueued before it.
func (d *SoftDriver) EnqueueMarker(qh QueueHandle, wait []EventHandle) (EventHandle, error) {
	q, err := lookupAs[*softQueue](d, KindQueue, uintptr(qh))
	if err != nil {
		return 0, err
	}
	if len(wait) == 0 && q.outOfOrder {
		return d.enqueue(q, "marker", nil, q.snapshotInflight(), func() error { return nil })
	}
	return d.enqueue(q, "marker", wait, nil, func() error { return nil })
}

// enqueue resolves the wait list, creates the command event and hands the
// command to the queue. The returned handle carries one reference owned by
// the caller.
func (d *SoftDriver) enqueue(q *softQueue, name string, wait []EventHandle, implicit []*softEvent, run func() error) (EventHandle, error) {
	deps := implicit
	for _, wh := range wait {
		w, err := lookupAs[*softEvent](d, KindEvent, uintptr(wh))
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrInvalidWaitList, err)
		}
		deps = append(deps, w)
	}

	ev := newSoftEvent(q, name)
	h, err := d.newObject(KindEvent, ev)
	if err != nil {
		return 0, err
	}
	ev.handle = EventHandle(h)

	cmd := &command{name: name, event: ev, wait: deps, run: run}
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		_ = d.Release(KindEvent, h)
		return 0, fmt.Errorf("%w: queue released", ErrInvalidCommandQueue)
	}
	q.pending++
	q.inflight[ev] = struct{}{}
	if q.outOfOrder {
		go q.execute(cmd)
	} else {
		q.backlog = append(q.backlog, cmd)
		q.work.Signal()
	}
	q.mu.Unlock()

	metrics.CommandsEnqueued.WithLabelValues(name).Inc()
	return ev.handle, nil
}

func (q *softQueue) loop() {
	for {
		q.mu.Lock()
		for len(q.backlog) == 0 && !q.stopped {
			q.work.Wait()
		}
		if len(q.backlog) == 0 {
			q.mu.Unlock()
			return
		}
		cmd := q.backlog[0]
		q.backlog[0] = nil
		q.backlog = q.backlog[1:]
		q.mu.Unlock()

		q.execute(cmd)
	}
}

func (q *softQueue) execute(cmd *command) {
	for _, w := range cmd.wait {
		<-w.done
		if status, _ := w.result(); status == StatusError {
			cmd.event.complete(fmt.Errorf("%w: %s", ErrWaitListFailed, w.command))
			return
		}
	}

	cmd.event.start()
	began := time.Now()
	err := runCommand(cmd)
	metrics.CommandDuration.WithLabelValues(cmd.name).Observe(float64(time.Since(began).Microseconds()) / 1000)
	if err != nil {
		q.driver.logger.Debug("command failed", zap.String("command", cmd.name), zap.Error(err))
	}
	cmd.event.complete(err)
}

func runCommand(cmd *command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s command panicked: %v", cmd.name, r)
		}
	}()
	return cmd.run()
}

// terminal is called once per command after its event became terminal.
func (q *softQueue) terminal(ev *softEvent) {
	q.mu.Lock()
	delete(q.inflight, ev)
	q.mu.Unlock()
}

func (q *softQueue) addPending() {
	q.mu.Lock()
	q.pending++
	q.mu.Unlock()
}

func (q *softQueue) done() {
	q.mu.Lock()
	q.pending--
	if q.pending == 0 {
		q.idle.Broadcast()
	}
	q.mu.Unlock()
}

func (q *softQueue) finish() {
	q.mu.Lock()
	for q.pending > 0 {
		q.idle.Wait()
	}
	q.mu.Unlock()
}

func (q *softQueue) snapshotInflight() []*softEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	evs := make([]*softEvent, 0, len(q.inflight))
	for ev := range q.inflight {
		evs = append(evs, ev)
	}
	return evs
}

// stop rejects new commands. Commands already accepted still run.
func (q *softQueue) stop() {
	q.mu.Lock()
	q.stopped = true
	q.work.Broadcast()
	q.mu.Unlock()
}

// checkContext verifies that mem objects used by a command belong to the
// queue's context.
func (q *softQueue) checkContext(m *softMem) error {
	if m.ctx != q.ctx {
		return fmt.Errorf("%w: mem object belongs to another context", ErrInvalidContext)
	}
	return nil
}
