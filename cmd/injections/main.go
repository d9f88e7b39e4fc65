package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Set at build time with -ldflags "-X main.Version=... -X main.GitSHA=...".
var (
	Version = "dev"
	GitSHA  = ""
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	d := &driverFlags{}

	root := &cobra.Command{
		Use:   "injections N",
		Short: "Inject synthetic planets into Kepler light curves and search for them",
		Long: `Builds N injection-and-search queries per iteration from random catalog
stars and runs them on a cluster of engines. Each query's outputs are written
under <kicid>/<key>/.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDriver(cmd, d, args)
		},
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "YAML configuration file")
	pf.StringP("profile-dir", "p", "", "cluster profile directory containing cluster.yaml")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-format", "", "log format: text or json")
	pf.Bool("gp", true, "use the Gaussian-process likelihood instead of detrending")
	pf.Bool("recover", true, "write error.txt for failed queries instead of failing the run")

	f := root.Flags()
	f.IntVarP(&d.iterations, "iterations", "i", 1, "number of iterations to run")
	f.Int64VarP(&d.seed, "seed", "s", 0, "random number seed (unset: non-deterministic)")
	f.StringVar(&d.view, "view", "", "task distribution: load-balanced or direct")
	f.BoolVar(&d.resume, "resume", false, "skip iterations the run's checkpoint records as completed")

	root.AddCommand(newEngineCmd())
	return root
}
