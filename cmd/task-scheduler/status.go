package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	statusAddress string
	statusAPIKey  string
)

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show the state of a run and its task instances",
	Args:  cobra.ExactArgs(1),
	Example: `  task-scheduler status 2f4c9a1e-...
  task-scheduler status 2f4c9a1e-... --address http://scheduler:8080`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVar(&statusAddress, "address", "http://localhost:8080", "scheduler API address")
	statusCmd.Flags().StringVar(&statusAPIKey, "api-key", "", "API key")
}

func runStatus(cmd *cobra.Command, args []string) error {
	c := newAPIClient(statusAddress, statusAPIKey)

	run, err := c.GetRun(args[0])
	if err != nil {
		return err
	}
	instances, err := c.ListInstances(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("run %s\n", run.ID)
	fmt.Printf("  dag:     %s\n", run.DagID)
	fmt.Printf("  state:   %s\n", run.State)
	fmt.Printf("  started: %s\n", run.StartedAt.Format("2006-01-02 15:04:05"))
	if run.EndedAt != nil {
		fmt.Printf("  ended:   %s\n", run.EndedAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tTRY\tSTATE\tQUEUE\tMESSAGE")
	for _, ti := range instances {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", ti.TaskID, ti.TryNumber, ti.State, ti.Queue, ti.Message)
	}
	return w.Flush()
}
