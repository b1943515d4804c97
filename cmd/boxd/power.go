package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func startCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.resolve()
			if err != nil {
				return err
			}
			machines, err := opts.machineClient(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if err := machines.Start(cmd.Context(), cfg.InstanceID); err != nil {
				return err
			}
			fmt.Printf("Start issued for %s.\n", cfg.InstanceID)
			return nil
		},
	}
}

func stopCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.resolve()
			if err != nil {
				return err
			}
			machines, err := opts.machineClient(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if err := machines.Stop(cmd.Context(), cfg.InstanceID); err != nil {
				return err
			}
			fmt.Printf("Stop issued for %s.\n", cfg.InstanceID)
			return nil
		},
	}
}
