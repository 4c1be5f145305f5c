// jobdeck-agent is the site-resident worker. It pulls claims from one
// orchestrator and executes them with the local shell.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jobdeck/jobdeck/agent"
	"github.com/jobdeck/jobdeck/client"
	"github.com/jobdeck/jobdeck/pkg/errors"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type agentFlags struct {
	serverURL         string
	token             string
	site              string
	agentID           string
	capacity          int
	pollInterval      time.Duration
	heartbeatInterval time.Duration
	workDir           string
	logLevel          string
	logFile           string
}

func newCommand() *cobra.Command {
	var opts agentFlags
	cmd := &cobra.Command{
		Use:          "jobdeck-agent",
		Short:        "jobdeck-agent executes claimed submissions on this site",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(&opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.serverURL, "server", "http://127.0.0.1:8620", "orchestrator base URL")
	flags.StringVar(&opts.token, "token", "", "bearer token for the orchestrator API")
	flags.StringVar(&opts.site, "site", "", "site this agent serves (required)")
	flags.StringVar(&opts.agentID, "agent-id", "", "agent identity; defaults to hostname plus a random suffix")
	flags.IntVar(&opts.capacity, "capacity", 4, "submissions executed concurrently")
	flags.DurationVar(&opts.pollInterval, "poll-interval", 5*time.Second, "pause between polls when capacity is free")
	flags.DurationVar(&opts.heartbeatInterval, "heartbeat-interval", 15*time.Second, "lease renewal period per claim")
	flags.StringVar(&opts.workDir, "work-dir", filepath.Join(os.TempDir(), "jobdeck-agent"), "root of per-submission work directories")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flags.StringVar(&opts.logFile, "log-file", "", "log file path, empty logs to stderr")
	return cmd
}

func run(opts *agentFlags) error {
	if opts.site == "" {
		return errors.ErrBadRequest.GenWithStackByArgs("--site is required")
	}
	logger, props, err := log.InitLogger(&log.Config{
		Level: opts.logLevel,
		File:  log.FileLogConfig{Filename: opts.logFile},
	})
	if err != nil {
		return errors.Trace(err)
	}
	log.ReplaceGlobals(logger, props)

	agentID := opts.agentID
	if agentID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "agent"
		}
		agentID = hostname + "-" + uuid.New().String()[:8]
	}

	api := client.New(client.Config{BaseURL: opts.serverURL, Token: opts.token})
	defer api.Close()
	runner := agent.NewRunner(agent.Config{
		Site:              opts.site,
		AgentID:           agentID,
		Capacity:          opts.capacity,
		PollInterval:      opts.pollInterval,
		HeartbeatInterval: opts.heartbeatInterval,
	}, api, agent.NewCommandExecutor(opts.workDir))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.L().Info("agent started",
		zap.String("site", opts.site),
		zap.String("agent-id", agentID),
		zap.String("server", opts.serverURL))
	err = runner.Run(ctx)
	log.L().Info("agent stopped")
	return err
}
