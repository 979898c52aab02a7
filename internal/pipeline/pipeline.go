// Package pipeline runs the iterative add_scalar workload: a seed buffer is
// advanced by a constant on the device once per iteration, every iteration's
// result is read back asynchronously, and a completion callback verifies each
// snapshot while the host keeps enqueueing.
package pipeline

import (
	"context"
	_ "embed"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/fxnlabs/clhost/internal/config"
	"github.com/fxnlabs/clhost/internal/metrics"
	"github.com/fxnlabs/clhost/pkg/ocl"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

//go:embed add_scalar.cl
var Source string

// KernelName is the entry point in Source.
const KernelName = "add_scalar"

// Result describes a finished run.
type Result struct {
	Iterations  int
	DataSetSize int
	Callbacks   int
	Final       []float32
	Stats       Stats
	Elapsed     time.Duration
}

// Runner executes the pipeline on one queue. The queue stays owned by the
// caller.
type Runner struct {
	queue  ocl.Queue
	cfg    config.PipelineConfig
	logger *zap.Logger
}

// NewRunner validates cfg and returns a Runner bound to q.
func NewRunner(q ocl.Queue, cfg config.PipelineConfig, logger *zap.Logger) (*Runner, error) {
	if cfg.Iterations < 1 || cfg.DataSetSize < 1 || cfg.SeedMax < 1 {
		return nil, fmt.Errorf("pipeline: invalid shape: iterations=%d dataSetSize=%d seedMax=%d",
			cfg.Iterations, cfg.DataSetSize, cfg.SeedMax)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{queue: q, cfg: cfg, logger: logger.Named("pipeline")}, nil
}

// Seed returns the scrambled input buffer for cfg: values drawn from
// [0, SeedMax) with a generator seeded by cfg.Seed.
func Seed(cfg config.PipelineConfig) []float32 {
	rng := rand.New(rand.NewSource(cfg.Seed))
	seed := make([]float32, cfg.DataSetSize)
	for i := range seed {
		seed[i] = float32(rng.Intn(cfg.SeedMax))
	}
	return seed
}

type snapshot struct {
	iteration int
	values    []float32
}

// Run executes every iteration and waits for the queue to drain. A cancelled
// ctx stops further submissions; commands already enqueued still complete.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	cfg := r.cfg

	prog, err := ocl.BuildProgram(r.queue.Context(), Source, "")
	if err != nil {
		return nil, err
	}
	defer prog.Release()
	r.logger.Debug("program built", zap.String("log", prog.BuildLog()))

	seed := Seed(cfg)
	src, err := ocl.NewBuffer(r.queue, cfg.DataSetSize, ocl.WithHostData(seed))
	if err != nil {
		return nil, err
	}
	defer src.Release()
	res, err := ocl.NewBuffer[float32](r.queue, cfg.DataSetSize)
	if err != nil {
		return nil, err
	}
	defer res.Release()

	k, err := prog.KernelBuilder(KernelName).
		ArgNamed("src", ocl.Borrow(src)).
		ArgNamed("addend", ocl.Scalar(cfg.Addend)).
		ArgNamed("res", ocl.Borrow(res)).
		GlobalWorkSize(cfg.DataSetSize).
		Build()
	if err != nil {
		return nil, err
	}
	defer k.Release()

	var (
		errs      ocl.CallbackErrors
		callbacks atomic.Int64
		keep      = ocl.NewKeepAlive[snapshot]()
		inflight  = ocl.NewEventList()
		submitted int
	)
	verify := func(_ ocl.Event, status ocl.Status, s *snapshot) {
		callbacks.Add(1)
		if status != ocl.StatusComplete {
			errs.Record(fmt.Errorf("iteration %d: read finished with status %s", s.iteration, status))
			return
		}
		if err := Verify(s.iteration, seed, s.values, cfg.Addend, s.iteration+1); err != nil {
			metrics.VerificationMismatches.Inc()
			errs.Record(err)
		}
	}

	for itr := 0; itr < cfg.Iterations; itr++ {
		if err = ctx.Err(); err != nil {
			break
		}
		if itr == 1 {
			// From here on the previous result feeds the next iteration.
			if err = k.SetArgNamed("src", ocl.Borrow(res)); err != nil {
				break
			}
		}

		// Waiting on the previous kernel and read keeps out-of-order queues
		// from overwriting res while it is still being read.
		var kev, rev ocl.Event
		kev, err = k.Enqueue(r.queue, inflight.Events()...)
		if err != nil {
			break
		}
		var values []float32
		rev, values, err = res.ReadAsync(kev)
		if err != nil {
			err = multierr.Append(err, kev.Release())
			break
		}
		s := keep.Store(itr, snapshot{iteration: itr, values: values})
		if err = ocl.SetCallback(rev, verify, s); err != nil {
			err = multierr.Combine(err, kev.Release(), rev.Release())
			break
		}
		submitted++

		err = inflight.Release()
		inflight.Append(kev, rev)
		if err != nil {
			break
		}
		if err = r.queue.Flush(); err != nil {
			break
		}
		r.logger.Debug("iteration enqueued", zap.Int("iteration", itr))
	}

	// Snapshots must outlive their callbacks whether or not the loop
	// finished.
	err = multierr.Combine(err, r.queue.Finish(), inflight.Release())
	keep.ReleaseThrough(cfg.Iterations - 1)
	if err != nil {
		return nil, err
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}
	if n := int(callbacks.Load()); n != submitted {
		return nil, fmt.Errorf("pipeline: %d callbacks for %d iterations", n, submitted)
	}

	final, err := res.ReadSync()
	if err != nil {
		return nil, err
	}
	if err := Verify(cfg.Iterations, seed, final, cfg.Addend, cfg.Iterations); err != nil {
		metrics.VerificationMismatches.Inc()
		return nil, err
	}

	result := &Result{
		Iterations:  submitted,
		DataSetSize: cfg.DataSetSize,
		Callbacks:   submitted,
		Final:       final,
		Stats:       Summarize(final),
		Elapsed:     time.Since(start),
	}
	r.logger.Info("pipeline finished",
		zap.Int("iterations", result.Iterations),
		zap.Int("dataSetSize", result.DataSetSize),
		zap.Float64("min", result.Stats.Min),
		zap.Float64("max", result.Stats.Max),
		zap.Float64("mean", result.Stats.Mean),
		zap.Duration("elapsed", result.Elapsed))
	return result, nil
}
