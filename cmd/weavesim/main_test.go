package main

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/weavelang/internal/config"
	"github.com/talgya/weavelang/internal/persistence"
)

func TestLoadConfigOverrides(t *testing.T) {
	f := &flags{
		configPath: filepath.Join(t.TempDir(), "missing.yaml"),
		seed:       9,
		ticks:      30,
		dbPath:     "none",
		port:       0,
		logLevel:   "warn",
		resume:     true,
	}
	cfg, err := loadConfig(f, config.ScenarioLight)
	require.NoError(t, err)
	assert.Equal(t, config.ScenarioLight, cfg.Scenario)
	assert.Equal(t, int64(9), cfg.Seed)
	assert.Equal(t, uint64(30), cfg.Tick.MaxTicks)
	assert.Zero(t, cfg.Tick.Interval)
	assert.Empty(t, cfg.Storage.Path)
	assert.Zero(t, cfg.API.Port)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.True(t, cfg.Storage.Resume)
}

func TestBoundedRunsPersistAndResume(t *testing.T) {
	for _, scenario := range []string{config.ScenarioLight, config.ScenarioSwarm} {
		t.Run(scenario, func(t *testing.T) {
			db := filepath.Join(t.TempDir(), "run.db")
			f := &flags{configPath: "", seed: 4, ticks: 20, dbPath: db, port: 0, logLevel: "error"}

			cfg, err := loadConfig(f, scenario)
			require.NoError(t, err)
			require.NoError(t, run(context.Background(), cfg))

			f.resume = true
			cfg, err = loadConfig(f, scenario)
			require.NoError(t, err)
			require.NoError(t, run(context.Background(), cfg))

			store, err := persistence.Open(db)
			require.NoError(t, err)
			defer store.Close()

			latest, err := store.LatestRun(scenario)
			require.NoError(t, err)
			assert.Equal(t, uint64(40), latest.LastTick)

			if scenario == config.ScenarioSwarm {
				// The lab clock continues across the resume instead of
				// replaying the first run's instrument readings.
				v, err := store.GetMeta(labTimeKey(latest.ID))
				require.NoError(t, err)
				labTime, err := strconv.ParseFloat(v, 64)
				require.NoError(t, err)
				assert.InDelta(t, 40*cfg.Tick.DeltaTime, labTime, 1e-9)
			}
		})
	}
}

func TestRootCommandHasScenarios(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"light", "swarm"}, names)
}
