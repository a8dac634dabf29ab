package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"scmbridge/internal/app"
)

const stopTimeout = 10 * time.Second

func newServeCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and management API until signalled",
		Long:  "Run the scheduler and management API. SIGHUP rereads the config file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(f.configPath)
			if err != nil {
				return err
			}

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
			defer signal.Stop(sigs)

			if err := a.Start(cmd.Context()); err != nil {
				_ = a.Close()
				return fmt.Errorf("start: %w", err)
			}

			reason := app.StopUnknown
		wait:
			for {
				select {
				case sig := <-sigs:
					switch sig {
					case syscall.SIGHUP:
						if _, err := a.Reload(cmd.Context()); err != nil {
							fmt.Fprintf(cmd.ErrOrStderr(), "reload: %v\n", err)
						}
						continue
					case syscall.SIGTERM:
						reason = app.StopSIGTERM
					default:
						reason = app.StopSIGINT
					}
				case <-a.Done():
					reason = app.StopFatalError
				}
				break wait
			}

			ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			if err := a.Stop(ctx, reason); err != nil {
				return err
			}
			if reason == app.StopFatalError {
				return a.Err()
			}
			return nil
		},
	}
}
