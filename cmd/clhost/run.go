package main

import (
	"fmt"

	"github.com/fxnlabs/clhost/internal/config"
	"github.com/fxnlabs/clhost/internal/pipeline"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func runCommand(st *state) *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run the iterative add_scalar pipeline with verifying completion callbacks",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "iterations", Usage: "Override pipeline.iterations"},
			&cli.IntFlag{Name: "data-set-size", Usage: "Override pipeline.dataSetSize"},
			&cli.StringFlag{Name: "metrics-addr", Usage: "Serve Prometheus metrics on this address while running"},
			&cli.BoolFlag{Name: "out-of-order", Usage: "Use an out-of-order command queue"},
			&cli.BoolFlag{Name: "profiling", Usage: "Record command timestamps"},
		},
		Action: func(c *cli.Context) error {
			cfg := *st.cfg
			applyRunFlags(c, &cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			log := st.logger.Named("run")

			var runner *pipeline.Runner
			app := fx.New(
				pipelineModule(&cfg, log),
				fx.Populate(&runner),
			)
			if err := app.Start(c.Context); err != nil {
				return err
			}

			result, runErr := runner.Run(c.Context)
			if err := app.Stop(c.Context); err != nil {
				log.Error("failed to release device objects", zap.Error(err))
				if runErr == nil {
					runErr = err
				}
			}
			if runErr != nil {
				return runErr
			}

			fmt.Fprintf(c.App.Writer, "iterations: %d\ndata set size: %d\ncallbacks: %d\nmin: %g\nmax: %g\nmean: %g\nelapsed: %s\n",
				result.Iterations, result.DataSetSize, result.Callbacks,
				result.Stats.Min, result.Stats.Max, result.Stats.Mean, result.Elapsed)
			return nil
		},
	}
}

func applyRunFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet("iterations") {
		cfg.Pipeline.Iterations = c.Int("iterations")
	}
	if c.IsSet("data-set-size") {
		cfg.Pipeline.DataSetSize = c.Int("data-set-size")
	}
	if c.IsSet("metrics-addr") {
		cfg.Metrics.ListenAddress = c.String("metrics-addr")
	}
	if c.Bool("out-of-order") {
		cfg.Queue.OutOfOrder = true
	}
	if c.Bool("profiling") {
		cfg.Queue.Profiling = true
	}
}
