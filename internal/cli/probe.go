package cli

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"scmbridge/internal/app"
	"scmbridge/internal/storage"
)

func newProbeCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Check the availability of every configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(f.configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			res := a.Manage().StoreAvailability(cmd.Context())
			if !res.Success {
				return errors.New(res.Message)
			}
			sts, _ := res.Data.([]storage.Status)

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STORE\tDRIVER\tAVAILABLE\tTOOK\tERROR")
			down := 0
			for _, st := range sts {
				if !st.Available {
					down++
				}
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n", st.Name, st.Driver, st.Available, st.Took, st.Error)
			}
			_ = w.Flush()
			if down > 0 {
				return fmt.Errorf("%d of %d stores unavailable", down, len(sts))
			}
			return nil
		},
	}
}
