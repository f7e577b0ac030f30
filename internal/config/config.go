// Package config handles weavesim configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/talgya/weavelang/internal/weave"
)

// Scenarios.
const (
	ScenarioLight = "light"
	ScenarioSwarm = "swarm"
)

// Config is the root configuration structure.
type Config struct {
	Scenario string        `yaml:"scenario"`
	Seed     int64         `yaml:"seed"` // 0 picks a fresh random seed
	Tick     TickConfig    `yaml:"tick"`
	Agents   AgentConfig   `yaml:"agents"`
	Safety   SafetyConfig  `yaml:"safety"`
	Light    LightConfig   `yaml:"light"`
	Storage  StorageConfig `yaml:"storage"`
	API      APIConfig     `yaml:"api"`
	Log      LogConfig     `yaml:"log"`
	Program  ProgramConfig `yaml:"program"`
}

// TickConfig holds engine pacing.
type TickConfig struct {
	Interval      time.Duration `yaml:"interval"`
	Speed         float64       `yaml:"speed"`
	DeltaTime     float64       `yaml:"delta_time"` // simulated seconds per tick
	MaxTicks      uint64        `yaml:"max_ticks"`
	SnapshotEvery uint64        `yaml:"snapshot_every"`
	ReportEvery   uint64        `yaml:"report_every"`
}

// AgentConfig holds settings shared by every agent.
type AgentConfig struct {
	Threshold     float64 `yaml:"threshold"`
	Spread        float64 `yaml:"spread"`
	StepGain      float64 `yaml:"step_gain"`
	TimeScaled    bool    `yaml:"time_scaled"`
	Adaptive      bool    `yaml:"adaptive"` // spread follows recent tension
	ExpectedLight float64 `yaml:"expected_light"`
}

// SafetyConfig holds the swarm's safety override.
type SafetyConfig struct {
	Sensor     string  `yaml:"sensor"`
	Threshold  float64 `yaml:"threshold"`
	HaltAction string  `yaml:"halt_action"`
}

// LightConfig places the light and the robot.
type LightConfig struct {
	Light [3]float64 `yaml:"light"`
	Start [3]float64 `yaml:"start"`
}

// StorageConfig holds database settings.
type StorageConfig struct {
	Path   string `yaml:"path"` // empty disables persistence
	Resume bool   `yaml:"resume"`
}

// APIConfig holds HTTP settings. The admin key comes from the environment.
type APIConfig struct {
	Port     int    `yaml:"port"` // 0 disables the API
	AdminKey string `yaml:"-"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// ProgramConfig points at a Starlark program run every tick.
type ProgramConfig struct {
	Path     string `yaml:"path"`
	MaxSteps uint64 `yaml:"max_steps"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Scenario: ScenarioSwarm,
		Seed:     42,
		Tick: TickConfig{
			Interval:      time.Second,
			Speed:         1,
			DeltaTime:     1.0 / 60,
			SnapshotEvery: 600,
			ReportEvery:   60,
		},
		Agents: AgentConfig{
			Threshold:     weave.DefaultThreshold,
			Spread:        weave.DefaultSpread,
			StepGain:      weave.StepGain,
			ExpectedLight: 5.0,
		},
		Safety: SafetyConfig{
			Sensor:     "safety_violation",
			Threshold:  weave.SafetyRiskThreshold,
			HaltAction: "halt_experiment",
		},
		Light: LightConfig{
			Light: [3]float64{10, 10, 0},
		},
		Storage: StorageConfig{Path: "data/weavesim.db"},
		API:     APIConfig{Port: 8080},
		Log:     LogConfig{Level: "info"},
	}
}

// Load loads configuration from a file on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads config from path, or returns default if not found.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		cfg.applyEnv()
		return cfg, nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		cfg.applyEnv()
		return cfg, nil
	}

	return Load(path)
}

// Save writes configuration to a file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if key := os.Getenv("WEAVESIM_ADMIN_KEY"); key != "" {
		c.API.AdminKey = key
	}
}

// Validate rejects settings the agents or engine cannot run with.
func (c *Config) Validate() error {
	switch c.Scenario {
	case ScenarioLight, ScenarioSwarm:
	default:
		return fmt.Errorf("scenario %q: %w", c.Scenario, weave.ErrInvalidArgument)
	}
	if c.Agents.Threshold <= 0 {
		return fmt.Errorf("agents.threshold %v must be positive: %w", c.Agents.Threshold, weave.ErrInvalidArgument)
	}
	if c.Agents.Spread < 0 {
		return fmt.Errorf("agents.spread %v must not be negative: %w", c.Agents.Spread, weave.ErrInvalidArgument)
	}
	if c.Agents.StepGain < 0 {
		return fmt.Errorf("agents.step_gain %v must not be negative: %w", c.Agents.StepGain, weave.ErrInvalidArgument)
	}
	if c.Tick.Interval < 0 || c.Tick.Speed < 0 || c.Tick.DeltaTime < 0 {
		return fmt.Errorf("tick settings must not be negative: %w", weave.ErrInvalidArgument)
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port %d: %w", c.API.Port, weave.ErrInvalidArgument)
	}
	return nil
}

// LightPosition returns the configured light position.
func (c *Config) LightPosition() weave.Vec3 { return weave.VecFrom(c.Light.Light[:]) }

// RobotStart returns the configured robot start position.
func (c *Config) RobotStart() weave.Vec3 { return weave.VecFrom(c.Light.Start[:]) }
