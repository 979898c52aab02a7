package main

import (
	"fmt"
	"os"

	"github.com/fxnlabs/clhost/internal/config"
	"github.com/fxnlabs/clhost/internal/logger"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// state is filled by the Before hook and read by command actions.
type state struct {
	configPath string
	cfg        *config.Config
	logger     *zap.Logger
}

func newApp() (*cli.App, *state) {
	st := &state{}
	app := &cli.App{
		Name:  "clhost",
		Usage: "Drive compute devices through the clhost runtime",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Usage:       "Path to the clhost config file (defaults are used when empty)",
				EnvVars:     []string{"CLHOST_CONFIG"},
				Destination: &st.configPath,
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Usage: "Override logger.verbosity from the config file",
			},
		},
		Before: func(c *cli.Context) error {
			var err error
			if st.configPath == "" {
				st.cfg = config.Default()
			} else if st.cfg, err = config.LoadConfig(st.configPath); err != nil {
				return err
			}
			if v := c.String("verbosity"); v != "" {
				st.cfg.Logger.Verbosity = v
			}
			zapLogger, err := logger.New(st.cfg.Logger.Verbosity, st.cfg.Logger.Format)
			if err != nil {
				return err
			}
			st.logger = zapLogger.Named("cli")
			return nil
		},
		After: func(c *cli.Context) error {
			if st.logger != nil {
				_ = st.logger.Sync()
			}
			return nil
		},
		Commands: []*cli.Command{
			initCommand(),
			devicesCommand(st),
			runCommand(st),
			roundTripCommand(st),
		},
	}
	return app, st
}

func main() {
	app, st := newApp()
	if err := app.Run(os.Args); err != nil {
		if st.logger != nil {
			st.logger.Fatal("failed to run app", zap.Error(err))
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
}
