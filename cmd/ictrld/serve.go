package main

import (
	"context"
	"fmt"

	"github.com/danmuck/ictrl/internal/config"
	"github.com/danmuck/ictrl/internal/eventloop"
	"github.com/danmuck/ictrl/internal/logging"
	"github.com/danmuck/ictrl/internal/server"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type serveOptions struct {
	configPath  string
	socket      string
	exitWait    int
	metricsAddr string
	debug       bool
}

func serveCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Listen on the control socket and answer test requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, opts)
			if err != nil {
				return err
			}
			logger := logging.ConfigureRuntime("ictrld")
			if opts.debug {
				cfg.LogLevel = "debug"
			}
			logging.SetLevel(cfg.LogLevel)
			return serve(cmd.Context(), cfg, logger)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "TOML config file")
	cmd.Flags().StringVarP(&opts.socket, "socket", "s", "", "control socket path")
	cmd.Flags().IntVarP(&opts.exitWait, "exit-wait", "w", 0, "seconds to wait for sessions on shutdown")
	cmd.Flags().StringVarP(&opts.metricsAddr, "metrics", "m", "", "metrics listen address")
	cmd.Flags().BoolVarP(&opts.debug, "debug", "d", false, "debug logging")

	return cmd
}

// resolveConfig layers the config file and then explicit flags over the
// defaults.
func resolveConfig(cmd *cobra.Command, opts serveOptions) (config.Daemon, error) {
	cfg := config.DefaultDaemon()
	if opts.configPath != "" {
		loaded, err := config.LoadDaemon(opts.configPath)
		if err != nil {
			return config.Daemon{}, err
		}
		cfg = loaded
	}
	flags := cmd.Flags()
	if flags.Changed("socket") {
		cfg.Socket = opts.socket
	}
	if flags.Changed("exit-wait") {
		cfg.ExitWait = opts.exitWait
	}
	if flags.Changed("metrics") {
		cfg.MetricsAddr = opts.metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return config.Daemon{}, err
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg config.Daemon, logger zerolog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	loop, err := eventloop.New(logger)
	if err != nil {
		return err
	}
	defer loop.Close()

	ctl := &server.Control{
		Config:  cfg.Session(logger),
		Poller:  loop,
		Handler: testProc(logger),
	}
	host, err := server.New(cfg.Host(logger), loop, ctl)
	if err != nil {
		return err
	}
	logger.Info().Str("socket", cfg.Socket).Msg("control listening")

	runErr := host.Run(ctx)
	if err := host.Fini(); err != nil && runErr == nil {
		runErr = err
	}
	if runErr != nil {
		return fmt.Errorf("serve: %w", runErr)
	}
	return nil
}
