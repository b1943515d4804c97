// Command boxd is the operator CLI for the dev-machine lifecycle
// daemon. Machine commands (status, start, stop, defer) talk directly
// to the cloud API; history reads from the local daemon.
package main

import (
	"context"
	"fmt"
	"os"

	"boxd/config"
	"boxd/infra/ec2"
	"boxd/internal/buildinfo"
	"boxd/internal/logging"

	"github.com/spf13/cobra"
)

type options struct {
	configPath string
	instance   string
	region     string
	addr       string
}

// resolve merges flags over the config file. The file is optional when
// --instance and --region are both given.
func (o *options) resolve() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		if o.instance == "" || o.region == "" {
			return nil, fmt.Errorf("no usable config (%w); pass --instance and --region to run without one", err)
		}
		cfg = &config.Config{InstanceID: o.instance, Region: o.region, StopAfterHours: 8, Listen: "127.0.0.1:7077"}
	}
	if o.instance != "" {
		cfg.InstanceID = o.instance
	}
	if o.region != "" {
		cfg.Region = o.region
	}
	if o.addr == "" {
		o.addr = cfg.Listen
	}
	return cfg, nil
}

func (o *options) machineClient(ctx context.Context, cfg *config.Config) (*ec2.Client, error) {
	return ec2.New(ctx, cfg.Region)
}

func main() {
	var debug bool
	opts := &options{}

	if err := logging.Configure(logging.LevelWarn); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:           "boxd",
		Short:         "Manage the remote dev machine",
		Version:       buildinfo.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelWarn
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level)
		},
	}

	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&opts.configPath, "config", config.DefaultPath, "Config file path")
	root.PersistentFlags().StringVar(&opts.instance, "instance", "", "Managed instance id (overrides config)")
	root.PersistentFlags().StringVar(&opts.region, "region", "", "Cloud region (overrides config)")
	root.PersistentFlags().StringVar(&opts.addr, "addr", "", "Daemon API address (for history)")

	root.AddCommand(statusCmd(opts))
	root.AddCommand(startCmd(opts))
	root.AddCommand(stopCmd(opts))
	root.AddCommand(deferCmd(opts))
	root.AddCommand(historyCmd(opts))

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
