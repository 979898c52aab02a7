package main

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/fxnlabs/clhost/internal/config"
	"github.com/fxnlabs/clhost/internal/driver"
	"github.com/fxnlabs/clhost/internal/pipeline"
	"github.com/fxnlabs/clhost/pkg/ocl"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// deviceModule provides the driver manager, a context and one queue, all
// released by lifecycle stop hooks in reverse order.
func deviceModule(cfg *config.Config, log *zap.Logger) fx.Option {
	return fx.Options(
		fx.Supply(cfg, log),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.Provide(
			newManager,
			newContext,
			newQueue,
		),
	)
}

// pipelineModule adds the pipeline runner and, when an address is
// configured, the metrics endpoint.
func pipelineModule(cfg *config.Config, log *zap.Logger) fx.Option {
	return fx.Options(
		deviceModule(cfg, log),
		fx.Provide(newRunner),
		fx.Invoke(serveMetrics),
	)
}

func newManager(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*driver.Manager, error) {
	m, err := driver.NewManager(cfg.Driver, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return m.Cleanup() },
	})
	return m, nil
}

func newContext(lc fx.Lifecycle, cfg *config.Config, m *driver.Manager, log *zap.Logger) (*ocl.Context, error) {
	sel := ocl.DeviceSelector{Platform: cfg.Device.Platform, Type: cfg.Device.Type}
	ctx, err := ocl.NewContext(m.Driver(), sel, ocl.WithLogger(log))
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return ctx.Release() },
	})
	return ctx, nil
}

func newQueue(lc fx.Lifecycle, cfg *config.Config, ctx *ocl.Context) (ocl.Queue, error) {
	var opts []ocl.QueueOption
	if cfg.Queue.OutOfOrder {
		opts = append(opts, ocl.WithOutOfOrder())
	}
	if cfg.Queue.Profiling {
		opts = append(opts, ocl.WithProfiling())
	}
	q, err := ocl.OpenQueue(ctx, cfg.Device.Index, opts...)
	if err != nil {
		return ocl.Queue{}, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			if err := q.Finish(); err != nil {
				return err
			}
			return q.Release()
		},
	})
	return q, nil
}

func newRunner(cfg *config.Config, q ocl.Queue, log *zap.Logger) (*pipeline.Runner, error) {
	return pipeline.NewRunner(q, cfg.Pipeline, log)
}

func serveMetrics(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) {
	addr := cfg.Metrics.ListenAddress
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			log.Info("serving metrics", zap.String("address", ln.Addr().String()))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
