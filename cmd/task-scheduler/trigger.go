package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"yqhp/task-scheduler/api/rest"
	"yqhp/task-scheduler/api/rest/client"
)

var (
	triggerAddress string
	triggerAPIKey  string
	triggerVars    []string
	triggerWatch   bool
)

var triggerCmd = &cobra.Command{
	Use:   "trigger <dag-id>",
	Short: "Trigger a run of a registered DAG",
	Args:  cobra.ExactArgs(1),
	Example: `  # Trigger a run
  task-scheduler trigger etl-daily

  # Override run variables
  task-scheduler trigger etl-daily --var date=2026-08-29 --var region=eu

  # Trigger and stream state changes until interrupted
  task-scheduler trigger etl-daily --watch`,
	RunE: runTrigger,
}

func init() {
	rootCmd.AddCommand(triggerCmd)

	triggerCmd.Flags().StringVar(&triggerAddress, "address", "http://localhost:8080", "scheduler API address")
	triggerCmd.Flags().StringVar(&triggerAPIKey, "api-key", "", "API key")
	triggerCmd.Flags().StringArrayVar(&triggerVars, "var", nil, "run variable as key=value, repeatable")
	triggerCmd.Flags().BoolVarP(&triggerWatch, "watch", "w", false, "stream task state changes for the run")
}

func runTrigger(cmd *cobra.Command, args []string) error {
	vars, err := parseVars(triggerVars)
	if err != nil {
		return err
	}

	c := newAPIClient(triggerAddress, triggerAPIKey)
	run, err := c.TriggerRun(args[0], vars)
	if err != nil {
		return err
	}

	fmt.Printf("run %s of dag %s started\n", run.ID, run.DagID)
	if !triggerWatch {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	err = c.WatchEvents(ctx, run.ID, func(msg rest.EventMessage) {
		fmt.Printf("%s  %s#%d  %s", msg.Timestamp.Format("15:04:05.000"), msg.TaskID, msg.TryNumber, msg.State)
		if msg.Message != "" {
			fmt.Printf("  %s", msg.Message)
		}
		fmt.Println()
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// parseVars turns repeated key=value flags into a variable map.
func parseVars(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid variable %q, expected key=value", pair)
		}
		vars[k] = v
	}
	return vars, nil
}

func newAPIClient(address, apiKey string) *client.Client {
	cfg := client.DefaultConfig()
	cfg.BaseURL = address
	cfg.APIKey = apiKey
	return client.NewClient(cfg)
}
