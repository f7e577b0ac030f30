package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/talgya/weavelang/internal/api"
	"github.com/talgya/weavelang/internal/config"
	"github.com/talgya/weavelang/internal/engine"
	"github.com/talgya/weavelang/internal/entropy"
	"github.com/talgya/weavelang/internal/logging"
	"github.com/talgya/weavelang/internal/persistence"
	"github.com/talgya/weavelang/internal/script"
	"github.com/talgya/weavelang/internal/swarm"
	"github.com/talgya/weavelang/internal/world"
)

func run(ctx context.Context, cfg *config.Config) error {
	logger, closer, err := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.File)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	slog.Info("weavesim starting", "scenario", cfg.Scenario, "seed", cfg.Seed,
		"threshold", cfg.Agents.Threshold, "spread", cfg.Agents.Spread)

	// ── Scenario ─────────────────────────────────────────────────────
	sc, err := buildScenario(cfg)
	if err != nil {
		return err
	}
	coord := sc.coord
	coord.SetRunner(script.Starlark{MaxSteps: cfg.Program.MaxSteps})
	if cfg.Program.Path != "" {
		src, err := os.ReadFile(cfg.Program.Path)
		if err != nil {
			return fmt.Errorf("read program: %w", err)
		}
		coord.SetProgram(string(src))
		slog.Info("tick program loaded", "path", cfg.Program.Path, "bytes", len(src))
	}

	sim := engine.NewSimulation(cfg.Scenario, coord, cfg.Tick.DeltaTime)
	sim.ReportEvery = cfg.Tick.ReportEvery

	// ── Database ─────────────────────────────────────────────────────
	var db *persistence.DB
	var runID string
	if cfg.Storage.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		db, err = persistence.Open(cfg.Storage.Path)
		if err != nil {
			return err
		}
		defer db.Close()
		slog.Info("database opened", "path", cfg.Storage.Path)

		runID, err = openRun(db, cfg, sim, sc)
		if err != nil {
			return err
		}
	}

	// ── Engine ───────────────────────────────────────────────────────
	eng := engine.NewEngine()
	eng.Interval = cfg.Tick.Interval
	eng.SetSpeed(cfg.Tick.Speed)
	eng.SetTick(sim.CurrentTick())
	if cfg.Tick.MaxTicks > 0 {
		eng.MaxTicks = sim.CurrentTick() + cfg.Tick.MaxTicks
	}
	eng.OnTick = sim.Step
	if db != nil {
		eng.SnapshotEvery = cfg.Tick.SnapshotEvery
		eng.OnSnapshot = func(tick uint64) {
			if err := sc.persist(db, runID, sim); err != nil {
				slog.Error("periodic save failed", "tick", tick, "error", err)
			}
		}
	}

	// ── Run ──────────────────────────────────────────────────────────
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		eng.Run(gctx)
		// A bounded run ends the API with it.
		cancel()
		return nil
	})

	if cfg.API.Port > 0 {
		srv := &api.Server{
			Sim:      sim,
			Eng:      eng,
			DB:       db,
			RunID:    runID,
			Port:     cfg.API.Port,
			AdminKey: cfg.API.AdminKey,
		}
		g.Go(func() error { return srv.Serve(gctx) })
	}

	runErr := g.Wait()

	// ── Final save ───────────────────────────────────────────────────
	if db != nil {
		if err := sc.persist(db, runID, sim); err != nil {
			slog.Error("final save failed", "error", err)
		}
	}
	summarize(sim)
	if sc.summarize != nil {
		sc.summarize()
	}
	return runErr
}

// scenario is a built coordinator plus hooks for host state that lives
// outside the agents' models.
type scenario struct {
	coord *swarm.Coordinator
	// restore re-syncs host state after agents are restored from storage.
	restore func(db *persistence.DB, runID string) error
	// save stores host state next to an agent snapshot.
	save      func(db *persistence.DB, runID string) error
	summarize func()
}

// persist saves the simulation and then the host state.
func (sc *scenario) persist(db *persistence.DB, runID string, sim *engine.Simulation) error {
	if err := db.SaveState(runID, sim); err != nil {
		return err
	}
	if sc.save == nil {
		return nil
	}
	return sc.save(db, runID)
}

func labTimeKey(runID string) string { return "lab_time:" + runID }

// buildScenario assembles the coordinator and host hooks for cfg.Scenario.
func buildScenario(cfg *config.Config) (*scenario, error) {
	params := swarm.Params{
		Threshold:  cfg.Agents.Threshold,
		Spread:     cfg.Agents.Spread,
		StepGain:   cfg.Agents.StepGain,
		TimeScaled: cfg.Agents.TimeScaled,
		Adaptive:   cfg.Agents.Adaptive,
	}
	drift := entropy.Derive(cfg.Seed, "drift")

	switch cfg.Scenario {
	case config.ScenarioLight:
		w := world.NewLightWorld(cfg.LightPosition(), cfg.RobotStart())
		c, err := swarm.NewLightSeeker(w, drift, cfg.Agents.ExpectedLight, params)
		if err != nil {
			return nil, err
		}
		slog.Info("light world ready", "light", w.Light, "robot", w.Robot, "intensity", w.SenseLight())
		return &scenario{
			coord: c,
			restore: func(*persistence.DB, string) error {
				pos, err := c.Position("robot")
				if err != nil {
					return err
				}
				w.Robot = pos
				return nil
			},
		}, nil

	case config.ScenarioSwarm:
		params.Safety = &swarm.Options{
			SafetySensor:  cfg.Safety.Sensor,
			RiskThreshold: cfg.Safety.Threshold,
			HaltAction:    cfg.Safety.HaltAction,
		}
		lab := world.NewLab(cfg.Seed)
		c, err := swarm.NewLabSwarm(lab, drift, params)
		if err != nil {
			return nil, err
		}
		sensors, actions := c.Capabilities()
		slog.Info("lab ready", "experts", len(world.Experts), "sensors", sensors, "actions", actions)
		return &scenario{
			coord: c,
			restore: func(db *persistence.DB, runID string) error {
				v, err := db.GetMeta(labTimeKey(runID))
				if errors.Is(err, sql.ErrNoRows) {
					slog.Warn("no saved lab clock, instruments restart at zero", "run", runID)
					return nil
				}
				if err != nil {
					return fmt.Errorf("load lab clock: %w", err)
				}
				t, err := strconv.ParseFloat(v, 64)
				if err != nil {
					return fmt.Errorf("parse lab clock %q: %w", v, err)
				}
				lab.SetTime(t)
				slog.Info("lab clock restored", "time", t)
				return nil
			},
			save: func(db *persistence.DB, runID string) error {
				return db.SaveMeta(labTimeKey(runID), strconv.FormatFloat(lab.Time(), 'g', -1, 64))
			},
			summarize: func() {
				designs := lab.Designs()
				slog.Info("lab", "time", lab.Time(), "designs", len(designs))
				for _, d := range designs {
					slog.Info("experiment design", "agent", d.Agent, "priority", d.Priority, "time", d.Time)
				}
			},
		}, nil
	}
	return nil, fmt.Errorf("unknown scenario %q", cfg.Scenario)
}

// openRun resumes the latest run when asked and one exists, otherwise it
// starts a new one.
func openRun(db *persistence.DB, cfg *config.Config, sim *engine.Simulation, sc *scenario) (string, error) {
	if cfg.Storage.Resume {
		run, err := db.Resume(cfg.Scenario, sim)
		switch {
		case err == nil:
			if sc.restore != nil {
				if err := sc.restore(db, run.ID); err != nil {
					return "", fmt.Errorf("restore host: %w", err)
				}
			}
			return run.ID, nil
		case errors.Is(err, persistence.ErrNoRun):
			slog.Info("no saved run to resume, starting fresh", "scenario", cfg.Scenario)
		default:
			return "", fmt.Errorf("resume: %w", err)
		}
	}

	run, err := db.StartRun(cfg.Scenario, cfg.Seed)
	if err != nil {
		return "", err
	}
	if err := db.SaveMeta("seed", strconv.FormatInt(cfg.Seed, 10)); err != nil {
		return "", fmt.Errorf("save meta: %w", err)
	}
	slog.Info("run started", "run", run.ID)
	return run.ID, nil
}

func summarize(sim *engine.Simulation) {
	snap := sim.Snapshot()
	slog.Info("run finished",
		"tick", snap.Tick,
		"resolutions", snap.Stats.Resolutions,
		"rejections", snap.Stats.Rejections,
		"safety_halts", snap.Stats.SafetyHalts,
		"errors", snap.Stats.Errors,
	)
	for _, a := range snap.Agents {
		slog.Info("agent",
			"id", a.ID,
			"position", a.Position,
			"coherence", fmt.Sprintf("%.4f", a.Coherence),
			"resolved", a.Resolved,
			"mean_tension", fmt.Sprintf("%.4f", a.MeanTension),
		)
	}
}
