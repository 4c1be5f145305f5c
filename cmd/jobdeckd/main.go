// jobdeckd is the orchestration server. It owns the submission records and
// serves both the client API and the pull-based agent API.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jobdeck/jobdeck/appstore"
	"github.com/jobdeck/jobdeck/pkg/errors"
	"github.com/jobdeck/jobdeck/pkg/meta"
	"github.com/jobdeck/jobdeck/pkg/meta/etcdkv"
	"github.com/jobdeck/jobdeck/pkg/meta/mock"
	"github.com/jobdeck/jobdeck/pkg/promutil"
	"github.com/jobdeck/jobdeck/registry"
	"github.com/jobdeck/jobdeck/server"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var configFile string
	cfg := server.DefaultConfig()

	cmd := &cobra.Command{
		Use:           "jobdeckd",
		Short:         "jobdeckd serves the job orchestration API",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				loaded, err := server.LoadConfig(configFile)
				if err != nil {
					return err
				}
				// command-line flags win over the config file.
				overrideFromFlags(cmd.Flags(), cfg, loaded)
				cfg = loaded
			}
			return run(cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "path to the TOML config file")
	flags.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	flags.StringVar(&cfg.MetaBackend, "meta", cfg.MetaBackend, `durable store backend, "mem" or "etcd"`)
	flags.StringSliceVar(&cfg.EtcdEndpoints, "etcd-endpoints", cfg.EtcdEndpoints, "etcd endpoints for the etcd backend")
	flags.IntVar(&cfg.LeaseTTLSeconds, "lease-ttl", cfg.LeaseTTLSeconds, "claim lease TTL in seconds")
	flags.IntVar(&cfg.MaxReclaims, "max-reclaims", cfg.MaxReclaims, "reclaim budget before a submission is failed")
	flags.StringVar(&cfg.AgentToken, "agent-token", cfg.AgentToken, "shared bearer token required on the API")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	flags.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "log file path, empty logs to stderr")
	return cmd
}

// overrideFromFlags copies flag-set values over the file-loaded config.
func overrideFromFlags(flags *pflag.FlagSet, flagCfg, fileCfg *server.Config) {
	if flags.Changed("addr") {
		fileCfg.Addr = flagCfg.Addr
	}
	if flags.Changed("meta") {
		fileCfg.MetaBackend = flagCfg.MetaBackend
	}
	if flags.Changed("etcd-endpoints") {
		fileCfg.EtcdEndpoints = flagCfg.EtcdEndpoints
	}
	if flags.Changed("lease-ttl") {
		fileCfg.LeaseTTLSeconds = flagCfg.LeaseTTLSeconds
	}
	if flags.Changed("max-reclaims") {
		fileCfg.MaxReclaims = flagCfg.MaxReclaims
	}
	if flags.Changed("agent-token") {
		fileCfg.AgentToken = flagCfg.AgentToken
	}
	if flags.Changed("log-level") {
		fileCfg.LogLevel = flagCfg.LogLevel
	}
	if flags.Changed("log-file") {
		fileCfg.LogFile = flagCfg.LogFile
	}
}

func run(cfg *server.Config) error {
	if err := initLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		return err
	}

	metaKV, err := openMeta(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := metaKV.Close(); err != nil {
			log.L().Warn("metastore close failed", zap.Error(err))
		}
	}()

	factory := promutil.NewFactory("jobdeck")
	apps := appstore.NewStore(metaKV, clock.New())
	reg := registry.New(metaKV, apps, cfg.RegistryConfig(), registry.WithMetricFactory(factory))
	defer reg.Close()
	srv := server.New(cfg, reg, apps, server.WithMetricFactory(factory))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// the dispatch queue is derived state; rebuild it before serving.
	if err := reg.Rebuild(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return reg.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	log.L().Info("jobdeckd started",
		zap.String("addr", cfg.Addr),
		zap.String("meta-backend", cfg.MetaBackend))
	err = g.Wait()
	log.L().Info("jobdeckd stopped")
	if err != nil && errors.Cause(err) != context.Canceled {
		return err
	}
	return nil
}

func openMeta(cfg *server.Config) (meta.KV, error) {
	switch cfg.MetaBackend {
	case "mem":
		// volatile, for development and single-node trials.
		return mock.NewKV(), nil
	case "etcd":
		return etcdkv.NewKV(etcdkv.Config{Endpoints: cfg.EtcdEndpoints})
	default:
		return nil, errors.ErrBadRequest.GenWithStackByArgs("unknown meta backend " + cfg.MetaBackend)
	}
}

func initLogger(level, file string) error {
	logger, props, err := log.InitLogger(&log.Config{
		Level: level,
		File:  log.FileLogConfig{Filename: file},
	})
	if err != nil {
		return errors.Trace(err)
	}
	log.ReplaceGlobals(logger, props)
	return nil
}
