package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/ganeshk79/Disease-Detection/internal/config"
	"github.com/ganeshk79/Disease-Detection/internal/worker"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	flags      *config.Flags
}

func newRootCmd() *cobra.Command {
	o := &options{}

	root := &cobra.Command{
		Use:           "server",
		Short:         "Pre-fork HTTP server for the skin disease detection app",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), o, cmd.Flags().Changed("config"))
		},
	}

	root.PersistentFlags().StringVarP(&o.configPath, "config", "c", config.DefaultPath, "YAML configuration file")
	o.flags = config.BindFlags(root.PersistentFlags())

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Start the arbiter and its workers (default)",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServer(cmd.Context(), o, cmd.Flags().Changed("config"))
			},
		},
		&cobra.Command{
			Use:   "check",
			Short: "Validate the configuration and print the effective settings",
			RunE: func(cmd *cobra.Command, args []string) error {
				return checkConfig(cmd.OutOrStdout(), o, cmd.Flags().Changed("config"))
			},
		},
		&cobra.Command{
			Use:    "worker",
			Short:  "Run one worker process (started by the arbiter)",
			Hidden: true,
			// worker flags come from the arbiter's environment
			DisableFlagParsing: true,
			Run: func(cmd *cobra.Command, args []string) {
				os.Exit(worker.Main())
			},
		},
	)
	return root
}

// loadConfig reads the file, applies flag overrides and validates. A
// missing default file is not an error; an explicit --config is.
func loadConfig(o *options, explicit bool) (config.ServerConfiguration, error) {
	cfg := config.Default()

	loaded, err := config.Load(o.configPath)
	switch {
	case err == nil:
		cfg = *loaded
	case !explicit && errors.Is(err, fs.ErrNotExist):
	default:
		return cfg, err
	}

	o.flags.Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
