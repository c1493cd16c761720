package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/timzifer/pvcore/config"
	"github.com/timzifer/pvcore/server"
)

type runOptions struct {
	listen   string
	simulate bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load the PV database and serve it until interrupted",
		Long: `Load the PV database and serve it until SIGINT or SIGTERM.

SIGHUP reloads the database. With hot_reload enabled the configuration files
are also polled for changes.`,
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runServer(ctx, rootOpts, opts)
		},
	}
	cmd.Flags().StringVar(&opts.listen, "listen", "", "status API listen address (overrides http.listen)")
	cmd.Flags().BoolVar(&opts.simulate, "simulate", false, "serve PVs without a handler from random values")
	return cmd
}

func runServer(ctx context.Context, rootOpts *RootOptions, opts *runOptions) error {
	cfg, err := config.Load(rootOpts.Config)
	if err != nil {
		return &exitError{code: exitInvalid, err: fmt.Errorf("load configuration: %w", err)}
	}
	if rootOpts.Verbose {
		cfg.Logging.Level = "debug"
	}
	if opts.simulate {
		cfg.Simulation.Enabled = true
	}

	var reload server.ReloadFunc
	srvOpts := []server.Option{
		server.WithConfig(cfg),
		server.WithConfigPath(rootOpts.Config, func(fn server.ReloadFunc) { reload = fn }),
	}
	if opts.listen != "" {
		srvOpts = append(srvOpts, server.WithListen(opts.listen))
	}
	srv, err := server.New(ctx, srvOpts...)
	if err != nil {
		return &exitError{code: exitFailure, err: err}
	}
	defer srv.Close()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if reload == nil {
					continue
				}
				if err := reload(ctx); err != nil {
					log.Error().Err(err).Msg("reload failed")
					continue
				}
				log.Info().Msg("configuration reloaded")
			}
		}
	}()

	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		return &exitError{code: exitFailure, err: err}
	}
	return nil
}
