package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"yqhp/task-scheduler/pkg/logger"
)

const (
	// Version is the current version number.
	Version = "0.1.0"
	// Banner is the ASCII art shown on startup.
	Banner = `
          /\      |‾‾| Task Scheduler %s
     /\  /  \     |  |
    /  \/    \    |  |
   /          \   |  |
  / __________ \  |__|
`
)

var (
	cfgFile string
	debug   bool
	quiet   bool
)

var rootCmd = &cobra.Command{
	Use:   "task-scheduler",
	Short: "A pluggable multi-executor DAG task scheduler",
	Long: `task-scheduler runs DAGs of tasks across pluggable executor
backends: an in-process worker pool, a broker-backed worker fleet, or
one subprocess per task. A reconciler tracks every dispatched task and
recovers from lost executors via heartbeats.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debug {
			logger.SetLevel(logger.LevelDebug)
		}
		if quiet {
			logger.SetLevel(logger.LevelError)
		}
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "quiet mode, errors only")

	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.SetVersionTemplate(fmt.Sprintf(Banner, Version) + "\n")
}
