package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"boxd"
	"boxd/controller"

	"github.com/spf13/cobra"
)

func statusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the machine's state and fail-safe budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.resolve()
			if err != nil {
				return err
			}
			machines, err := opts.machineClient(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			ctrl := controller.New(machines, nil, boxd.RealClock{}, controller.Config{
				InstanceID:     cfg.InstanceID,
				StopAfterHours: cfg.StopAfterHours,
			})
			status, err := ctrl.Status(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "Instance:\t%s\n", status.InstanceID)
			fmt.Fprintf(w, "State:\t%s\n", status.State)
			fmt.Fprintf(w, "Launched:\t%s\n", status.LaunchedAt.Local().Format(time.RFC1123))
			if status.State == "running" {
				fmt.Fprintf(w, "Running since:\t%s\n", status.StartedAt.Local().Format(time.RFC1123))
				fmt.Fprintf(w, "Elapsed:\t%.1fh of %.1fh allowed\n", status.ElapsedHours, status.ThresholdHours)
				if status.DeferHours > 0 {
					fmt.Fprintf(w, "Deferred:\t+%.1fh this period\n", status.DeferHours)
				}
			}
			return w.Flush()
		},
	}
}
