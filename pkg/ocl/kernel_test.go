package ocl

import (
	"fmt"
	"math/rand"
	"runtime"
	"testing"

	"github.com/fxnlabs/clhost/internal/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildProgram(t *testing.T) {
	_, ctx, _ := newTestQueue(t)

	prog := buildProgram(t, ctx, addScalarSource)
	assert.Contains(t, prog.BuildLog(), "add_scalar")
	assert.Same(t, ctx, prog.Context())

	_, err := BuildProgram(ctx, "__kernel void unknown_entry(__global float* a) {}", "")
	assert.ErrorIs(t, err, ErrBuildFailed)

	_, err = prog.KernelBuilder("missing").Build()
	assert.ErrorIs(t, err, ErrBuildFailed)
}

func TestKernelBuilder(t *testing.T) {
	_, ctx, q := newTestQueue(t)
	prog := buildProgram(t, ctx, addScalarSource)

	src, err := NewBuffer[float32](q, 8)
	require.NoError(t, err)
	defer src.Release()
	ints, err := NewBuffer[int32](q, 8)
	require.NoError(t, err)
	defer ints.Release()

	testCases := []struct {
		name    string
		build   func(b *KernelBuilder) *KernelBuilder
		wantErr error
	}{
		{
			name: "positional",
			build: func(b *KernelBuilder) *KernelBuilder {
				return b.Arg(Borrow(src)).Arg(Scalar(float32(1))).Arg(Borrow(src))
			},
		},
		{
			name: "named then positional fills lowest free slot",
			build: func(b *KernelBuilder) *KernelBuilder {
				return b.ArgNamed("src", Borrow(src)).Arg(Scalar(float32(1))).Arg(Borrow(src))
			},
		},
		{
			name: "unknown name",
			build: func(b *KernelBuilder) *KernelBuilder {
				return b.ArgNamed("source", Borrow(src))
			},
			wantErr: ErrUnknownArgumentName,
		},
		{
			name: "scalar into buffer slot",
			build: func(b *KernelBuilder) *KernelBuilder {
				return b.Arg(Scalar(float32(1)))
			},
			wantErr: ErrArgumentType,
		},
		{
			name: "wrong element type",
			build: func(b *KernelBuilder) *KernelBuilder {
				return b.ArgNamed("res", Borrow(ints))
			},
			wantErr: ErrArgumentType,
		},
		{
			name: "wrong scalar width",
			build: func(b *KernelBuilder) *KernelBuilder {
				return b.ArgNamed("addend", Scalar(float64(1)))
			},
			wantErr: ErrArgumentType,
		},
		{
			name: "too many arguments",
			build: func(b *KernelBuilder) *KernelBuilder {
				return b.Arg(Borrow(src)).Arg(Scalar(float32(1))).Arg(Borrow(src)).Arg(Borrow(src))
			},
			wantErr: ErrArgumentCount,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			k, err := tc.build(prog.KernelBuilder("add_scalar")).GlobalWorkSize(8).Build()
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				assert.Nil(t, k)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "add_scalar", k.Name())
			assert.Len(t, k.Params(), 3)
			require.NoError(t, k.Release())
		})
	}
}

func TestKernel_EnqueueFailures(t *testing.T) {
	_, ctx, q := newTestQueue(t)
	prog := buildProgram(t, ctx, addScalarSource)

	src, err := NewBuffer[float32](q, 8)
	require.NoError(t, err)
	defer src.Release()

	t.Run("unset slot", func(t *testing.T) {
		k, err := prog.KernelBuilder("add_scalar").
			ArgNamed("src", Borrow(src)).
			ArgNamed("addend", Scalar(float32(1))).
			GlobalWorkSize(8).
			Build()
		require.NoError(t, err)
		defer k.Release()

		_, err = k.Enqueue(q)
		assert.ErrorIs(t, err, ErrEnqueueFailed)
		assert.Contains(t, err.Error(), `"res"`)

		require.NoError(t, k.SetArgNamed("res", Borrow(src)))
		ev, err := k.Enqueue(q)
		require.NoError(t, err)
		require.NoError(t, ev.Wait())
		require.NoError(t, ev.Release())

		require.NoError(t, k.SetArgNamed("res", Unset()))
		_, err = k.Enqueue(q)
		assert.ErrorIs(t, err, ErrEnqueueFailed)
	})

	t.Run("missing work size", func(t *testing.T) {
		k, err := prog.KernelBuilder("add_scalar").
			Arg(Borrow(src)).Arg(Scalar(float32(1))).Arg(Borrow(src)).
			Build()
		require.NoError(t, err)
		defer k.Release()

		_, err = k.Enqueue(q)
		assert.ErrorIs(t, err, ErrEnqueueFailed)
		assert.Error(t, k.SetGlobalWorkSize())
	})

	t.Run("released borrowed buffer", func(t *testing.T) {
		res, err := NewBuffer[float32](q, 8)
		require.NoError(t, err)

		k, err := prog.KernelBuilder("add_scalar").
			Arg(Borrow(src)).Arg(Scalar(float32(1))).Arg(Borrow(res)).
			GlobalWorkSize(8).
			Build()
		require.NoError(t, err)
		defer k.Release()

		ev, err := k.Enqueue(q)
		require.NoError(t, err)
		require.NoError(t, ev.Release())
		require.NoError(t, q.Finish())

		require.NoError(t, res.Release())
		_, err = k.Enqueue(q)
		assert.ErrorIs(t, err, ErrEnqueueFailed)
		assert.ErrorIs(t, err, driver.ErrInvalidMemObject)
	})

	t.Run("released queue", func(t *testing.T) {
		k, err := prog.KernelBuilder("add_scalar").
			Arg(Borrow(src)).Arg(Scalar(float32(1))).Arg(Borrow(src)).
			GlobalWorkSize(8).
			Build()
		require.NoError(t, err)
		defer k.Release()

		c, err := q.Clone()
		require.NoError(t, err)
		require.NoError(t, c.Release())
		_, err = k.Enqueue(c)
		assert.ErrorIs(t, err, ErrEnqueueFailed)
		assert.ErrorIs(t, err, ErrReleased)
	})

	t.Run("set arg bounds", func(t *testing.T) {
		k, err := prog.KernelBuilder("add_scalar").Build()
		require.NoError(t, err)
		defer k.Release()

		assert.ErrorIs(t, k.SetArg(3, Scalar(float32(1))), ErrArgumentCount)
		assert.ErrorIs(t, k.SetArg(1, Borrow(src)), ErrArgumentType)
		assert.ErrorIs(t, k.SetArgNamed("nope", Unset()), ErrUnknownArgumentName)
		assert.NoError(t, k.SetArg(1, Scalar(float32(2))))
	})
}

// newOwnedAddKernel creates a buffer that only the returned kernel references.
func newOwnedAddKernel(t *testing.T, prog *Program, q Queue, dataSet, padded int) *Kernel {
	t.Helper()
	buf, err := NewBuffer(q, padded, WithHostData(make([]float32, padded)))
	require.NoError(t, err)

	k, err := prog.KernelBuilder("add").
		Arg(Own(buf)).
		Arg(Scalar(float32(10))).
		GlobalWorkSize(dataSet).
		Build()
	require.NoError(t, err)
	require.NoError(t, buf.Release())
	return k
}

func TestKernel_OwnedArgumentOutlivesScope(t *testing.T) {
	const (
		dataSet = 2048
		padded  = dataSet + 64
	)
	drv, ctx, q := newTestQueue(t)
	prog := buildProgram(t, ctx, addSource)

	k := newOwnedAddKernel(t, prog, q, dataSet, padded)
	assert.Equal(t, 1, drv.LiveObjects(driver.KindMem))

	for i := 0; i < 5; i++ {
		runtime.GC()
		ev, err := k.Enqueue(q)
		require.NoError(t, err)
		require.NoError(t, ev.Release())
		require.NoError(t, q.Finish())
	}
	assert.Equal(t, 1, drv.LiveObjects(driver.KindMem), "owned buffer survives garbage collection")

	// Read back through the reference the kernel holds.
	out := readOwned(t, k)
	for i := 0; i < dataSet; i++ {
		require.Equal(t, float32(50), out[i], "index %d", i)
	}
	for i := dataSet; i < padded; i++ {
		require.Equal(t, float32(0), out[i], "padding index %d", i)
	}

	require.NoError(t, k.Release())
	assert.Equal(t, 0, drv.LiveObjects(driver.KindMem))
}

// readOwned copies the owned buffer bound to slot 0 of k.
func readOwned(t *testing.T, k *Kernel) []float32 {
	t.Helper()
	k.mu.Lock()
	owned := k.slots[0].owned.(*Buffer[float32])
	k.mu.Unlock()
	out, err := owned.ReadSync()
	require.NoError(t, err)
	return out
}

func TestKernel_BorrowedArgumentFromInnerScope(t *testing.T) {
	const dataSet = 1000
	_, ctx, q := newTestQueue(t)
	prog := buildProgram(t, ctx, addScalarSource)

	src, err := NewBuffer(q, dataSet, WithHostData(make([]float32, dataSet)))
	require.NoError(t, err)
	defer src.Release()

	res := make([]float32, dataSet+100)
	for i := range res {
		res[i] = 1000
	}
	resBuf, err := NewBuffer(q, len(res), WithHostData(res))
	require.NoError(t, err)
	defer resBuf.Release()

	k, err := prog.KernelBuilder("add_scalar").
		Arg(Borrow(src)).
		Arg(Scalar(float32(10))).
		Arg(Unset()).
		GlobalWorkSize(dataSet).
		Build()
	require.NoError(t, err)
	defer k.Release()

	func() {
		require.NoError(t, k.SetArgNamed("res", Borrow(resBuf)))
	}()

	ev, err := k.Enqueue(q)
	require.NoError(t, err)
	out, err := resBuf.ReadSync(ev)
	require.NoError(t, err)
	require.NoError(t, ev.Release())

	for i := 0; i < dataSet; i++ {
		require.Equal(t, float32(10), out[i])
	}
	for i := dataSet; i < len(out); i++ {
		require.Equal(t, float32(1000), out[i])
	}
}

func TestKernel_RebindOwnedReleasesPrevious(t *testing.T) {
	drv, ctx, q := newTestQueue(t)
	prog := buildProgram(t, ctx, addSource)

	k := newOwnedAddKernel(t, prog, q, 16, 16)
	defer k.Release()
	require.Equal(t, 1, drv.LiveObjects(driver.KindMem))

	other, err := NewBuffer[float32](q, 16)
	require.NoError(t, err)
	require.NoError(t, k.SetArgNamed("buffer", Own(other)))
	require.NoError(t, other.Release())
	assert.Equal(t, 1, drv.LiveObjects(driver.KindMem))

	require.NoError(t, k.SetArgNamed("buffer", Borrow(other)))
	assert.Equal(t, 0, drv.LiveObjects(driver.KindMem))
	_, err = k.Enqueue(q)
	assert.ErrorIs(t, err, ErrEnqueueFailed)
}

// runPipeline enqueues n dependent add_scalar invocations with ping-pong
// rebinding and verifies each iteration from a completion callback.
func runPipeline(t *testing.T, n int) {
	t.Helper()
	const (
		dataSet = 4096
		addend  = float32(11)
	)
	_, ctx, q := newTestQueue(t)
	prog := buildProgram(t, ctx, addScalarSource)

	rng := rand.New(rand.NewSource(int64(n)))
	seed := make([]float32, dataSet)
	for i := range seed {
		seed[i] = float32(rng.Intn(500))
	}
	src, err := NewBuffer(q, dataSet, WithHostData(seed))
	require.NoError(t, err)
	defer src.Release()
	res, err := NewBuffer[float32](q, dataSet)
	require.NoError(t, err)
	defer res.Release()

	k, err := prog.KernelBuilder("add_scalar").
		ArgNamed("src", Borrow(src)).
		Arg(Scalar(addend)).
		Arg(Borrow(res)).
		GlobalWorkSize(dataSet).
		Build()
	require.NoError(t, err)
	defer k.Release()

	type check struct {
		iteration int
		snapshot  []float32
	}
	var (
		errs  CallbackErrors
		calls = make([]int, n)
		keep  = NewKeepAlive[check]()
	)
	for itr := 0; itr < n; itr++ {
		if itr == 1 {
			require.NoError(t, k.SetArgNamed("src", Borrow(res)))
		}
		kev, err := k.Enqueue(q)
		require.NoError(t, err)
		rev, snapshot, err := res.ReadAsync(kev)
		require.NoError(t, err)

		c := keep.Store(itr, check{iteration: itr, snapshot: snapshot})
		err = SetCallback(rev, func(_ Event, status Status, c *check) {
			calls[c.iteration]++
			if status != StatusComplete {
				errs.Record(fmt.Errorf("iteration %d: status %s", c.iteration, status))
				return
			}
			want := addend * float32(c.iteration+1)
			for i, v := range c.snapshot {
				if v != seed[i]+want {
					errs.Record(&VerificationError{Iteration: c.iteration, Index: i, Expected: seed[i] + want, Observed: v})
					return
				}
			}
		}, c)
		require.NoError(t, err)

		require.NoError(t, NewEventList(kev, rev).Release())
	}

	require.NoError(t, q.Finish())
	assert.Equal(t, n, keep.ReleaseThrough(n-1))
	require.NoError(t, errs.Err())
	for itr, c := range calls {
		assert.Equal(t, 1, c, "callback for iteration %d", itr)
	}

	final, err := res.ReadSync()
	require.NoError(t, err)
	for i := range final {
		require.Equal(t, seed[i]+float32(n)*addend, final[i], "index %d", i)
	}
}

func TestKernel_IterativePipeline(t *testing.T) {
	for n := 1; n <= 8; n++ {
		t.Run(fmt.Sprintf("N=%d", n), func(t *testing.T) {
			runPipeline(t, n)
		})
	}
}
