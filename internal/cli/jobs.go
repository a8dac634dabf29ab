package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"scmbridge/internal/app"
	"scmbridge/internal/manage"
)

func newJobsCmd(f *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect stored job definitions",
	}
	cmd.AddCommand(newJobsListCmd(f))
	return cmd
}

func newJobsListCmd(f *rootFlags) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List job definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(f.configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			res := a.Manage().ListJobs(cmd.Context())
			if !res.Success {
				return errors.New(res.Message)
			}
			views, _ := res.Data.([]manage.JobView)
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(views)
			}
			if len(views) == 0 {
				fmt.Println("No jobs found.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tNAME\tSCHEDULE\tENABLED\tRUNS")
			for _, v := range views {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", v.Key, v.TaskName, v.Schedule, v.Enabled, runs(v))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func runs(v manage.JobView) string {
	last := "never"
	if v.LastExecAt != nil {
		last = v.LastExecAt.Format(time.RFC3339)
	}
	if v.Unbounded() {
		return fmt.Sprintf("%d (last %s)", v.CurrentExecCount, last)
	}
	return fmt.Sprintf("%d/%d (last %s)", v.CurrentExecCount, v.MaxExecCount, last)
}
