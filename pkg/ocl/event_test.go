package ocl

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/fxnlabs/clhost/internal/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestEvent_CallbackExactlyOnce(t *testing.T) {
	_, _, q := newTestQueue(t)

	const n = 50_000
	values := make([]int32, n)
	for i := range values {
		values[i] = int32(i * 3)
	}
	buf, err := NewBuffer(q, n, WithHostData(values))
	require.NoError(t, err)
	defer buf.Release()

	type readCtx struct {
		snapshot []int32
		calls    atomic.Int32
		torn     atomic.Bool
	}
	var ctxs []*readCtx
	for i := 0; i < 16; i++ {
		ev, snapshot, err := buf.ReadAsync()
		require.NoError(t, err)
		rc := &readCtx{snapshot: snapshot}
		ctxs = append(ctxs, rc)
		require.NoError(t, SetCallback(ev, func(_ Event, status Status, rc *readCtx) {
			rc.calls.Add(1)
			for i, v := range rc.snapshot {
				if v != int32(i*3) {
					rc.torn.Store(true)
					return
				}
			}
		}, rc))
		require.NoError(t, ev.Release())
	}

	require.NoError(t, q.Finish())
	for i, rc := range ctxs {
		assert.Equal(t, int32(1), rc.calls.Load(), "read %d", i)
		assert.False(t, rc.torn.Load(), "read %d observed a partial copy", i)
	}
	assert.Zero(t, pendingCallbacks())
}

func TestEvent_CallbackRegistrationRace(t *testing.T) {
	testCases := []struct {
		name       string
		rejectLate bool
	}{
		{name: "late registration fires", rejectLate: false},
		{name: "late registration rejected", rejectLate: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			drv := newSoftDriver(t, driver.SoftConfig{RejectLateCallbacks: tc.rejectLate})
			ctx := newTestContext(t, drv)
			q, err := OpenQueue(ctx, 0)
			require.NoError(t, err)
			defer q.Release()

			// Registered before completion: the queue is held by a gate kernel.
			gate := make(chan struct{})
			drv.RegisterKernel("gate", driver.LibraryKernel{Run: func(*driver.Invocation) error {
				<-gate
				return nil
			}})
			prog := buildProgram(t, ctx, "__kernel void gate() {}")
			k, err := prog.KernelBuilder("gate").GlobalWorkSize(1).Build()
			require.NoError(t, err)
			defer k.Release()

			early, err := k.Enqueue(q)
			require.NoError(t, err)
			defer early.Release()
			status, err := early.Status()
			require.NoError(t, err)
			assert.False(t, status.Terminal())

			var earlyCalls atomic.Int32
			require.NoError(t, early.SetCallback(func(ev Event, status Status, userCtx any) {
				assert.Equal(t, early.Handle(), ev.Handle())
				assert.Equal(t, "early", userCtx)
				earlyCalls.Add(1)
			}, "early"))
			close(gate)
			require.NoError(t, q.Finish())
			assert.Equal(t, int32(1), earlyCalls.Load())

			// Registered after completion.
			status, err = early.Status()
			require.NoError(t, err)
			require.Equal(t, StatusComplete, status)

			var lateCalls atomic.Int32
			err = early.SetCallback(func(Event, Status, any) { lateCalls.Add(1) }, nil)
			if tc.rejectLate {
				assert.ErrorIs(t, err, ErrCallbackRegistrationFailed)
				assert.ErrorIs(t, err, driver.ErrEventTerminal)
			} else {
				require.NoError(t, err)
			}
			require.NoError(t, q.Finish())

			want := int32(1)
			if tc.rejectLate {
				want = 0
			}
			assert.Equal(t, want, lateCalls.Load())
			assert.Equal(t, int32(1), earlyCalls.Load())
			assert.Zero(t, pendingCallbacks())
		})
	}
}

func TestEvent_CallbackRegistrationFailed(t *testing.T) {
	soft := newSoftDriver(t, driver.SoftConfig{})
	drv := &faultyDriver{Driver: soft, failSetCallback: true}
	ctx := newTestContext(t, drv)
	q, err := OpenQueue(ctx, 0)
	require.NoError(t, err)
	defer q.Release()

	ev, err := q.EnqueueMarker()
	require.NoError(t, err)
	defer ev.Release()

	err = ev.SetCallback(func(Event, Status, any) {}, nil)
	assert.ErrorIs(t, err, ErrCallbackRegistrationFailed)
	assert.ErrorIs(t, err, errInjected)
	assert.Zero(t, pendingCallbacks())

	// The clone taken for the callback was given back.
	require.NoError(t, q.Finish())
	n, err := ev.ref.count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.ErrorIs(t, ev.SetCallback(nil, nil), ErrCallbackRegistrationFailed)
	assert.ErrorIs(t, SetCallback[int](ev, nil, nil), ErrCallbackRegistrationFailed)
}

func TestEvent_CallbackOnFailedCommand(t *testing.T) {
	drv := newSoftDriver(t, driver.SoftConfig{})
	ctx := newTestContext(t, drv)
	q, err := OpenQueue(ctx, 0)
	require.NoError(t, err)
	defer q.Release()

	drv.RegisterKernel("fault", driver.LibraryKernel{Run: func(*driver.Invocation) error {
		return errors.New("device fault")
	}})
	prog := buildProgram(t, ctx, "__kernel void fault() {}")
	k, err := prog.KernelBuilder("fault").GlobalWorkSize(1).Build()
	require.NoError(t, err)
	defer k.Release()

	ev, err := k.Enqueue(q)
	require.NoError(t, err)
	defer ev.Release()

	var errs CallbackErrors
	require.NoError(t, ev.SetCallback(func(ev Event, status Status, _ any) {
		if status != StatusComplete {
			info, err := ev.Info()
			errs.Record(multierr.Append(err, fmt.Errorf("command failed: %w", info.Err)))
		}
	}, nil))
	require.NoError(t, q.Finish())

	require.Error(t, ev.Wait())
	assert.Equal(t, 1, errs.Len())
	assert.ErrorContains(t, errs.Err(), "device fault")
}

func TestEvent_ReleasedAndZero(t *testing.T) {
	_, _, q := newTestQueue(t)

	ev, err := q.EnqueueMarker()
	require.NoError(t, err)
	assert.True(t, ev.Valid())

	clone, err := ev.Clone()
	require.NoError(t, err)
	require.NoError(t, ev.Release())
	require.NoError(t, ev.Release())
	assert.False(t, ev.Valid())

	_, err = ev.Status()
	assert.ErrorIs(t, err, ErrReleased)
	assert.ErrorIs(t, ev.Wait(), ErrReleased)
	_, err = ev.Clone()
	assert.ErrorIs(t, err, ErrReleased)

	require.NoError(t, clone.Wait())
	require.NoError(t, clone.Release())

	var zero Event
	assert.False(t, zero.Valid())
	assert.NoError(t, zero.Release())
}

func TestEventList(t *testing.T) {
	drv, _, q := newTestQueue(t)

	var list EventList
	assert.Equal(t, 0, list.Len())
	_, ok := list.Last()
	assert.False(t, ok)
	require.NoError(t, list.Wait())

	first, err := q.EnqueueMarker()
	require.NoError(t, err)
	list.Push(first)
	second, err := q.EnqueueMarker(first)
	require.NoError(t, err)
	third, err := q.EnqueueMarker(second)
	require.NoError(t, err)
	list.Append(second, third)

	assert.Equal(t, 3, list.Len())
	last, ok := list.Last()
	require.True(t, ok)
	assert.Equal(t, third.Handle(), last.Handle())
	assert.Len(t, list.Events(), 3)

	clone, err := list.Clone()
	require.NoError(t, err)
	require.NoError(t, list.Wait())
	require.NoError(t, list.Release())
	assert.Equal(t, 0, list.Len())

	assert.Equal(t, 3, drv.LiveObjects(driver.KindEvent))
	require.NoError(t, clone.Wait())
	require.NoError(t, clone.Release())
	assert.Equal(t, 0, drv.LiveObjects(driver.KindEvent))

	var nilList *EventList
	empty, err := nilList.Clone()
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Len())
	assert.NoError(t, nilList.Release())
	assert.NoError(t, nilList.Wait())
}

func TestKeepAlive(t *testing.T) {
	keep := NewKeepAlive[[]float32]()
	for i := 0; i < 5; i++ {
		p := keep.Store(i, []float32{float32(i)})
		got, ok := keep.Load(i)
		require.True(t, ok)
		assert.Same(t, p, got)
	}
	assert.Equal(t, 5, keep.Len())

	assert.Equal(t, 3, keep.ReleaseThrough(2))
	assert.Equal(t, 2, keep.Len())
	_, ok := keep.Load(2)
	assert.False(t, ok)
	got, ok := keep.Load(4)
	require.True(t, ok)
	assert.Equal(t, []float32{4}, *got)

	assert.Equal(t, 0, keep.ReleaseThrough(-1))
	assert.Equal(t, 2, keep.ReleaseThrough(10))
}

func TestCallbackErrors(t *testing.T) {
	var errs CallbackErrors
	require.NoError(t, errs.Err())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs.Record(nil)
			errs.Record(&VerificationError{Iteration: i, Index: i, Expected: 1, Observed: 2})
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, errs.Len())
	err := errs.Reset()
	assert.ErrorIs(t, err, ErrVerificationMismatch)
	var verr *VerificationError
	assert.ErrorAs(t, err, &verr)
	assert.Equal(t, 0, errs.Len())
}

func TestVerificationError(t *testing.T) {
	err := fmt.Errorf("pipeline: %w", &VerificationError{Iteration: 2, Index: 7, Expected: 33, Observed: 22})
	assert.ErrorIs(t, err, ErrVerificationMismatch)
	assert.EqualError(t, err, "pipeline: ocl: verification mismatch at iteration 2 index 7: expected 33, observed 22")
	assert.NotErrorIs(t, err, ErrEnqueueFailed)
}

func TestEnqueue_WaitListSurvivesCollection(t *testing.T) {
	soft := newSoftDriver(t, driver.SoftConfig{})
	ctx := newTestContext(t, &slowDriver{Driver: soft})
	q, err := OpenQueue(ctx, 0)
	require.NoError(t, err)
	defer q.Release()

	// dep returns an event whose only reference is the caller's argument.
	dep := func() Event {
		ev, err := q.EnqueueMarker()
		require.NoError(t, err)
		return ev
	}

	buf, err := NewBuffer(q, 16, WithHostData(make([]float32, 16)))
	require.NoError(t, err)
	defer buf.Release()
	prog := buildProgram(t, ctx, addSource)
	k, err := prog.KernelBuilder("add").
		Arg(Borrow(buf)).
		Arg(Scalar(float32(2))).
		GlobalWorkSize(16).
		Build()
	require.NoError(t, err)
	defer k.Release()

	t.Run("marker", func(t *testing.T) {
		ev, err := q.EnqueueMarker(dep())
		require.NoError(t, err)
		require.NoError(t, ev.Wait())
		require.NoError(t, ev.Release())
	})
	t.Run("write", func(t *testing.T) {
		ev, err := buf.WriteAsync(make([]float32, 16), dep())
		require.NoError(t, err)
		require.NoError(t, ev.Wait())
		require.NoError(t, ev.Release())
	})
	t.Run("kernel", func(t *testing.T) {
		ev, err := k.Enqueue(q, dep())
		require.NoError(t, err)
		require.NoError(t, ev.Wait())
		require.NoError(t, ev.Release())
	})
	t.Run("read", func(t *testing.T) {
		got, err := buf.ReadSync(dep())
		require.NoError(t, err)
		for _, v := range got {
			require.Equal(t, float32(2), v)
		}
	})
	require.NoError(t, q.Finish())
}
