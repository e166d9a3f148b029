package main

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	config "leaderd/configs"
	"leaderd/pkg/api"
	"leaderd/pkg/coordination"
	"leaderd/pkg/coordination/etcd"
	"leaderd/pkg/coordination/memory"
	"leaderd/pkg/coordination/zk"
	"leaderd/pkg/election"
	"leaderd/pkg/logger"
	tracing "leaderd/pkg/observability"
)

const shutdownTimeout = 10 * time.Second

func RunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Join the election and serve its status until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.NewViper(cmd.Flags())
			if err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return errors.Wrap(err, "invalid configuration")
			}
			return run(cmd.Context(), cfg)
		},
	}
	config.BindFlags(cmd.Flags())
	return cmd
}

func run(ctx context.Context, cfg *config.Config) (err error) {
	log, err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		Encoding:   cfg.LogEncoding,
		OutputPath: "stdout",
		Service:    "leaderd",
		PeerID:     cfg.PeerID,
	})
	if err != nil {
		return errors.Wrap(err, "init logger")
	}
	defer func() { _ = logger.Sync() }()

	tcfg := tracing.DefaultConfig("leaderd")
	tcfg.ServiceVersion = Version
	tcfg.PeerID = cfg.PeerID
	tcfg.Enabled = cfg.TracingEnabled
	tcfg.Endpoint = cfg.TracingEndpoint
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		return errors.Wrap(err, "init tracing")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = multierr.Append(err, tp.Shutdown(sctx))
	}()
	if tp.Enabled() {
		log.Info("Exporting traces", zap.String("endpoint", cfg.TracingEndpoint))
	}

	dialer, err := newDialer(cfg, log)
	if err != nil {
		return err
	}

	sup := election.NewSupervisor(cfg.Supervisor(), dialer, logger.Named("election"))

	var server *api.Server
	serverErr := make(chan error, 1)
	if cfg.StatusAddr != "" {
		server = api.NewServer(api.Config{
			Addr:    cfg.StatusAddr,
			Service: "leaderd",
			Source:  sup,
			Logger:  logger.Named("api"),
		})
		go func() { serverErr <- server.Start() }()
	}

	log.Info("Starting leaderd",
		zap.String("version", Version),
		zap.String("backend", cfg.Backend),
		zap.Strings("endpoints", cfg.Endpoints),
		zap.String("namespace", cfg.Namespace))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	supErr := make(chan error, 1)
	go func() { supErr <- sup.Run(runCtx) }()

	select {
	case err = <-supErr:
	case err = <-serverErr:
		cancel()
		err = multierr.Append(err, <-supErr)
	case <-ctx.Done():
		err = <-supErr
	}

	if server != nil {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		err = multierr.Append(err, server.Shutdown(sctx))
	}
	log.Info("leaderd stopped", zap.Error(err))
	return err
}

func newDialer(cfg *config.Config, log *zap.Logger) (coordination.Dialer, error) {
	switch cfg.Backend {
	case config.BackendEtcd:
		return &etcd.Dialer{
			Endpoints:   cfg.Endpoints,
			DialTimeout: cfg.ConnectTimeout,
			SessionTTL:  cfg.SessionTimeout,
			Logger:      log.Named("etcd"),
		}, nil
	case config.BackendZooKeeper:
		return &zk.Dialer{
			Servers:        cfg.Endpoints,
			SessionTimeout: cfg.SessionTimeout,
			Logger:         log.Named("zookeeper"),
		}, nil
	case config.BackendMemory:
		log.Warn("Using the in-process backend; peers in other processes are not seen")
		return memory.NewService(), nil
	}
	return nil, errors.Errorf("unknown backend %q", cfg.Backend)
}
