package main

import (
	"fmt"

	"github.com/bitrise-io/go-blobstore/auth"
	"github.com/bitrise-io/go-blobstore/blob"
	"github.com/bitrise-io/go-blobstore/config"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/spf13/cobra"
)

// app is the state shared by the commands, filled before any of them runs.
type app struct {
	envRepo env.Repository
	cfg     config.Config
	cred    auth.Credential
	logger  log.Logger
	opts    blob.PipelineOptions
}

func (a *app) client(rawURL string) (*blob.Client, error) {
	return blob.NewClient(rawURL, a.cred, a.cfg, a.logger, a.opts)
}

func newRootCmd(a *app) *cobra.Command {
	var debug bool

	rootCmd := &cobra.Command{
		Use:           "blobctl",
		Short:         "Inspect, download and upload single blobs.",
		Long:          `blobctl talks to a blob storage service with the same signing, retry and resumable download logic the go-blobstore library uses. Credentials and tuning come from BLOB_* environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.envRepo)
			if err != nil {
				return err
			}
			if debug {
				cfg.Debug = true
			}
			a.cfg = cfg
			if a.logger == nil {
				a.logger = cfg.NewLogger()
			} else {
				a.logger.EnableDebugLog(cfg.Debug)
			}

			cred, err := cfg.Credential()
			if err != nil {
				return fmt.Errorf("invalid credentials: %w", err)
			}
			a.cred = cred
			return nil
		},
	}

	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (same as BLOB_DEBUG=true)")

	rootCmd.AddCommand(
		newStatCmd(a),
		newGetCmd(a),
		newPutCmd(a),
		newConfigCmd(a),
	)
	return rootCmd
}

func newConfigCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration, secrets redacted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config.Print(a.cfg, a.logger)
			return nil
		},
	}
}
