package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/obsrvr-injections/internal/audit"
	"github.com/withObsrvr/obsrvr-injections/internal/catalog"
	"github.com/withObsrvr/obsrvr-injections/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-injections/internal/cluster"
	"github.com/withObsrvr/obsrvr-injections/internal/config"
	"github.com/withObsrvr/obsrvr-injections/internal/dispatch"
	"github.com/withObsrvr/obsrvr-injections/internal/injection"
	"github.com/withObsrvr/obsrvr-injections/internal/metadata"
)

type driverFlags struct {
	iterations int
	seed       int64
	view       string
	resume     bool
}

func runDriver(cmd *cobra.Command, d *driverFlags, args []string) error {
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("N must be an integer: %w", err)
	}
	if d.iterations < 0 {
		return fmt.Errorf("iterations must not be negative, got %d", d.iterations)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("view") {
		cfg.Run.View = d.view
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log := setupLogging(cfg)

	var seed *int64
	if cmd.Flags().Changed("seed") {
		seed = &d.seed
	}
	seedAttr := any("unset")
	if seed != nil {
		seedAttr = *seed
	}
	log.Info("running with arguments",
		"version", Version,
		"n", n,
		"iterations", d.iterations,
		"profile_dir", cfg.Run.ProfileDir,
		"seed", seedAttr,
		"gp", cfg.Pipeline.GP,
		"recover", cfg.Run.Recover,
		"view", cfg.Run.View,
		"resume", d.resume,
	)

	ctx := cmd.Context()
	m := startMetrics(ctx, cfg)

	stars, err := catalog.Load(ctx, cfg.Stars)
	if err != nil {
		return err
	}
	log.Info("loaded star catalog", "name", stars.Name(), "stars", stars.Len())

	builder := injection.NewBuilder(stars, injection.NewRand(seed),
		injection.WithSearch(cfg.Search),
		injection.WithPlanetMean(cfg.Planets.Mean),
	)

	runCatalog, err := metadata.NewWriter(ctx, cfg.Catalog)
	if err != nil {
		return fmt.Errorf("open metadata catalog: %w", err)
	}
	defer runCatalog.Close()

	profile, err := cluster.LoadProfile(cfg.Run.ProfileDir)
	if err != nil {
		return err
	}
	opts := []cluster.Option{cluster.WithProfile(profile)}
	if profile.Transport == cluster.TransportLocal {
		eng, err := newEngine(ctx, cfg, runCatalog, m)
		if err != nil {
			return err
		}
		defer eng.Close()
		opts = append(opts, cluster.WithHandler(eng.handler))
	}

	client, err := cluster.Connect(ctx, cfg.Run.ProfileDir, opts...)
	if err != nil {
		return fmt.Errorf("connect to cluster: %w", err)
	}
	defer client.Close()

	pool := client.LoadBalancedView()
	if cfg.Run.View == config.ViewDirect {
		pool = client.DirectView()
	}

	checkpoints, err := checkpoint.NewManager(cfg.Checkpoint)
	if err != nil {
		return err
	}
	var progress *checkpoint.Checkpoint
	if d.resume {
		if progress, err = loadProgress(ctx, checkpoints, cfg, n); err != nil {
			return err
		}
	}

	emitter, err := audit.NewEmitter(cfg.Audit)
	if err != nil {
		return fmt.Errorf("create audit emitter: %w", err)
	}
	defer emitter.Close()

	disp := dispatch.New(builder, pool,
		dispatch.WithRunName(cfg.Run.Name),
		dispatch.WithCatalog(runCatalog),
		dispatch.WithMetrics(m),
		dispatch.WithProducerVersion(Version),
		dispatch.WithCheckpoint(checkpoints, progress),
		dispatch.WithAudit(emitter),
	)

	summaries, err := disp.Run(ctx, n, d.iterations)
	if err != nil {
		return err
	}

	var succeeded, recovered int
	for _, s := range summaries {
		succeeded += s.Succeeded
		recovered += s.Recovered
	}
	log.Info("all iterations complete",
		"iterations", len(summaries),
		"succeeded", succeeded,
		"recovered", recovered,
	)
	return nil
}

// loadProgress returns the checkpoint to resume from, or nil to start from
// the first iteration.
func loadProgress(ctx context.Context, m checkpoint.Manager, cfg config.Config, n int) (*checkpoint.Checkpoint, error) {
	if !cfg.Checkpoint.Enabled {
		return nil, errors.New("--resume requires checkpoint.enabled")
	}

	cp, err := m.Load(ctx, cfg.Run.Name)
	if errors.Is(err, checkpoint.ErrNoCheckpoint) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if cp.N != n {
		return nil, fmt.Errorf("checkpoint for run %q was written with N=%d, not %d", cfg.Run.Name, cp.N, n)
	}
	return cp, nil
}
