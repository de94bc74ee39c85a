package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"yqhp/task-scheduler/internal/dag"
)

var validateCmd = &cobra.Command{
	Use:   "validate <file>...",
	Short: "Validate DAG definition files",
	Long: `Parse and validate DAG definition files without running them:
unknown fields, missing or cyclic dependencies and unknown action kinds
are reported as errors.`,
	Args: cobra.MinimumNArgs(1),
	Example: `  task-scheduler validate dags/etl-daily.yaml
  task-scheduler validate dags/*.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	parser := dag.NewParser()
	failed := 0

	for _, path := range args {
		d, err := parser.ParseFile(path)
		if err != nil {
			fmt.Printf("FAIL  %s: %v\n", path, err)
			failed++
			continue
		}
		fmt.Printf("OK    %s (dag %s, %d tasks)\n", path, d.ID, len(d.Tasks))
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d file(s) failed validation", failed, len(args))
	}
	return nil
}
