// Command weavesim runs the adaptive control loop: a single light-seeking
// robot or a swarm of lab experts with a safety override.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/talgya/weavelang/internal/config"
)

type flags struct {
	configPath string
	seed       int64
	ticks      uint64
	dbPath     string
	port       int
	program    string
	resume     bool
	logLevel   string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("weavesim failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}

	root := &cobra.Command{
		Use:           "weavesim",
		Short:         "Run the sense, tension, drift, resolve, act loop",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&f.configPath, "config", "weavesim.yaml", "path to YAML config (missing file uses defaults)")
	pf.Int64Var(&f.seed, "seed", 0, "random seed; 0 keeps the configured seed")
	pf.Uint64Var(&f.ticks, "ticks", 0, "run this many ticks as fast as possible, then exit")
	pf.StringVar(&f.dbPath, "db", "", "SQLite path (overrides config; \"none\" disables persistence)")
	pf.IntVar(&f.port, "port", -1, "HTTP API port (overrides config; 0 disables the API)")
	pf.StringVar(&f.program, "program", "", "Starlark program run at the start of every tick")
	pf.BoolVar(&f.resume, "resume", false, "restore the latest saved run of the scenario")
	pf.StringVar(&f.logLevel, "log-level", "", "debug|info|warn|error (overrides config)")

	root.AddCommand(
		scenarioCmd(f, config.ScenarioLight, "Run the single light-seeking robot"),
		scenarioCmd(f, config.ScenarioSwarm, "Run the six-expert lab swarm with the safety override"),
	)
	return root
}

func scenarioCmd(f *flags, scenario, short string) *cobra.Command {
	return &cobra.Command{
		Use:   scenario,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(f, scenario)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
}

// loadConfig reads the config file and applies command-line overrides.
func loadConfig(f *flags, scenario string) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(f.configPath)
	if err != nil {
		return nil, err
	}
	cfg.Scenario = scenario
	if f.seed != 0 {
		cfg.Seed = f.seed
	}
	if f.ticks > 0 {
		cfg.Tick.MaxTicks = f.ticks
		cfg.Tick.Interval = 0
	}
	switch f.dbPath {
	case "":
	case "none":
		cfg.Storage.Path = ""
	default:
		cfg.Storage.Path = f.dbPath
	}
	if f.port >= 0 {
		cfg.API.Port = f.port
	}
	if f.program != "" {
		cfg.Program.Path = f.program
	}
	if f.resume {
		cfg.Storage.Resume = true
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
