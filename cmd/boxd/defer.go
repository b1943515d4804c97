package main

import (
	"fmt"
	"strconv"

	"boxd"

	"github.com/spf13/cobra"
)

func deferCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "defer <hours>",
		Short: "Extend the fail-safe threshold for the current running period",
		Long: `Defer writes the AutoStopDeferHours tag on the machine. The extension
applies only until the machine next stops or starts; both reset it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hours, err := strconv.ParseFloat(args[0], 64)
			if err != nil || hours < 0 {
				return fmt.Errorf("hours must be a non-negative number, got %q", args[0])
			}

			cfg, err := opts.resolve()
			if err != nil {
				return err
			}
			machines, err := opts.machineClient(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			value := strconv.FormatFloat(hours, 'f', -1, 64)
			tags := map[string]string{boxd.TagAutoStopDeferHours: value}
			if err := machines.MergeTags(cmd.Context(), cfg.InstanceID, tags); err != nil {
				return err
			}
			fmt.Printf("Fail-safe deferred by %sh for the current running period.\n", value)
			return nil
		},
	}
}
