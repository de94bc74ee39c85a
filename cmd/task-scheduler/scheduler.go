package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"yqhp/task-scheduler/api/rest"
	"yqhp/task-scheduler/internal/config"
	"yqhp/task-scheduler/internal/dag"
	"yqhp/task-scheduler/internal/executor"
	"yqhp/task-scheduler/internal/metrics"
	"yqhp/task-scheduler/internal/reconciler"
	"yqhp/task-scheduler/internal/router"
	"yqhp/task-scheduler/internal/runner"
	"yqhp/task-scheduler/internal/scheduler"
	"yqhp/task-scheduler/internal/store"
	"yqhp/task-scheduler/pkg/logger"
	"yqhp/task-scheduler/pkg/types"
)

var (
	schedulerAddress string
	schedulerDagsDir string
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Start the scheduler daemon",
	Long: `Start the scheduler daemon: the control loop, the enabled
executors and the REST API.

The daemon registers every DAG definition found in the --dags directory
at startup; further DAGs can be registered through the API.`,
	Example: `  # Start with defaults and a DAG directory
  task-scheduler scheduler --dags ./dags

  # Custom listen address
  task-scheduler scheduler --address :9090

  # With a configuration file
  task-scheduler scheduler --config config.yaml`,
	RunE: runScheduler,
}

func init() {
	rootCmd.AddCommand(schedulerCmd)

	schedulerCmd.Flags().StringVar(&schedulerAddress, "address", ":8080", "REST API listen address")
	schedulerCmd.Flags().StringVar(&schedulerDagsDir, "dags", "", "directory of DAG definition files to register at startup")
}

func runScheduler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if err := config.NewValidator().Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.New(ctx, &cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	execs, err := buildExecutors(cfg)
	if err != nil {
		return err
	}

	rt := router.New(cfg.Routing.Rules, cfg.Routing.DefaultExecutor)
	collector := metrics.NewCollector()
	rec := reconciler.New(st, execs, collector, cfg.Scheduler.HeartbeatTimeout)
	sched := scheduler.New(cfg, st, rt, execs, rec, collector)

	if schedulerDagsDir != "" {
		if err := registerDAGDir(sched, schedulerDagsDir); err != nil {
			return err
		}
	}

	server := rest.NewServer(&cfg.Server, sched, st, execs, rec)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nshutting down...")
		cancel()
	}()

	if !quiet {
		fmt.Printf(Banner, Version)
		fmt.Println()
		fmt.Printf("  scheduler ID: %s\n", sched.ID())
		fmt.Printf("  API address:  %s\n", cfg.Server.Address)
		fmt.Printf("  store:        %s\n", cfg.Store.Type)
		fmt.Printf("  executors:    %v\n", cfg.Executors.Enabled)
		fmt.Println()
	}

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(ctx)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			logger.Error("API server: %v", err)
		}
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := sched.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("stop scheduler: %w", err)
	}
	if !quiet {
		fmt.Println("scheduler stopped.")
	}
	return nil
}

// loadConfig loads the configuration file and applies flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	loader := config.NewLoader()
	if cfgFile != "" {
		loader = loader.WithConfigPath(cfgFile)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	if cmd.Flags().Changed("address") {
		cfg.Server.Address = schedulerAddress
	}
	if !debug && !quiet {
		logger.SetLevelFromString(cfg.Logging.Level)
	}
	return cfg, nil
}

// buildExecutors creates and registers the enabled executor adapters.
func buildExecutors(cfg *config.Config) (*executor.Registry, error) {
	runners := runner.DefaultRegistry()
	registry := executor.NewRegistry()

	for _, name := range cfg.Executors.Enabled {
		switch name {
		case executor.LocalExecutorName:
			registry.MustRegister(executor.NewLocalExecutor(cfg.Executors.Local, runners))
		case executor.BrokerExecutorName:
			queues := brokerQueues(&cfg.Routing)
			registry.MustRegister(executor.NewBrokerExecutor(cfg.Executors.Broker, runners, queues))
		case executor.ProcessExecutorName:
			registry.MustRegister(executor.NewProcessExecutor(cfg.Executors.Process))
		default:
			return nil, fmt.Errorf("unknown executor: %s", name)
		}
	}
	return registry, nil
}

// brokerQueues collects the queues routed to the broker executor.
func brokerQueues(routing *config.RoutingConfig) []string {
	var queues []string
	for _, rule := range routing.Rules {
		if rule.Executor == executor.BrokerExecutorName {
			queues = append(queues, rule.Queue)
		}
	}
	if routing.DefaultExecutor == executor.BrokerExecutorName {
		queues = append(queues, types.DefaultQueue)
	}
	return queues
}

// registerDAGDir parses and registers every YAML file in dir.
func registerDAGDir(sched *scheduler.Scheduler, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read DAG directory: %w", err)
	}

	parser := dag.NewParser()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		d, err := parser.ParseFile(path)
		if err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		sched.RegisterDAG(d)
		logger.Info("registered dag %s from %s", d.ID, path)
	}
	return nil
}
