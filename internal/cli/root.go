package cli

import (
	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X scmbridge/internal/cli.Version=...".
var Version = "dev"

type rootFlags struct {
	configPath string
}

func NewRootCmd() *cobra.Command {
	f := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "scmbridge",
		Short:         "Multi-store router and live job scheduler",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&f.configPath, "config", "c", "./config.yaml", "path to config file (json or yaml)")

	cmd.AddCommand(
		newServeCmd(f),
		newProbeCmd(f),
		newJobsCmd(f),
		newVersionCmd(),
	)
	return cmd
}
