package main

import (
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/withObsrvr/obsrvr-injections/internal/cluster"
	"github.com/withObsrvr/obsrvr-injections/internal/metadata"
)

func newEngineCmd() *cobra.Command {
	var engineID int

	cmd := &cobra.Command{
		Use:   "engine",
		Short: "Run a cluster engine that executes queries received over NATS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			log := setupLogging(cfg)

			profile, err := cluster.LoadProfile(cfg.Run.ProfileDir)
			if err != nil {
				return err
			}
			if profile.Transport != cluster.TransportNATS {
				return errors.New("engine requires a profile with transport: nats")
			}

			ctx := cmd.Context()
			m := startMetrics(ctx, cfg)

			catalog, err := metadata.NewWriter(ctx, cfg.Catalog)
			if err != nil {
				return fmt.Errorf("open metadata catalog: %w", err)
			}
			defer catalog.Close()

			eng, err := newEngine(ctx, cfg, catalog, m)
			if err != nil {
				return err
			}
			defer eng.Close()

			conn, err := nats.Connect(profile.NATS.URL,
				nats.Name(fmt.Sprintf("injections-engine-%d", engineID)),
				nats.MaxReconnects(-1),
			)
			if err != nil {
				return fmt.Errorf("connect to %s: %w", profile.NATS.URL, err)
			}
			defer conn.Drain()

			log.Info("starting engine",
				"engine_id", engineID,
				"subject", profile.NATS.Subject,
				"version", Version,
			)
			return cluster.Serve(ctx, conn, profile.NATS.Subject, engineID, eng.handler)
		},
	}

	cmd.Flags().IntVar(&engineID, "engine-id", 0, "engine number; selects the direct subject this engine listens on")
	return cmd
}
