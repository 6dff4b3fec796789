package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	DefaultCellSize          = 0.1
	DefaultParticles         = 4096
	DefaultSteps             = 100
	DefaultDt                = 0.005
	DefaultBounds            = 2.0
	DefaultParallelThreshold = 4096
)

// keyWidths is the significant bit count of each key encoding.
var keyWidths = map[string]int{
	"packed": 30,
	"hashed": 32,
}

type Config struct {
	Device DeviceConfig `yaml:"device"`
	Grid   GridConfig   `yaml:"grid"`
	Scene  SceneConfig  `yaml:"scene"`
}

type DeviceConfig struct {
	Backend       string `yaml:"backend"`
	Workers       int    `yaml:"workers"`
	WorkGroupSize int    `yaml:"work_group_size"`
	MemoryLimit   int64  `yaml:"memory_limit"`
}

type GridConfig struct {
	CellSize          float64 `yaml:"cell_size"`
	Compaction        string  `yaml:"compaction"`
	ParallelThreshold int     `yaml:"parallel_threshold"`
	KeyEncoding       string  `yaml:"key_encoding"`
	KeyBits           int     `yaml:"key_bits"`
	Validate          bool    `yaml:"validate"`
}

type SceneConfig struct {
	Layout    string  `yaml:"layout"`
	Particles int     `yaml:"particles"`
	Steps     int     `yaml:"steps"`
	Dt        float64 `yaml:"dt"`
	Seed      int64   `yaml:"seed"`
	Bounds    float64 `yaml:"bounds"`
	// SPH enables pressure and viscosity forces between rebuilds.
	SPH       bool    `yaml:"sph"`
}

func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Backend: "auto",
		},
		Grid: GridConfig{
			CellSize:          DefaultCellSize,
			Compaction:        "parallel",
			ParallelThreshold: DefaultParallelThreshold,
			KeyEncoding:       "packed",
		},
		Scene: SceneConfig{
			Layout:    "dam_break",
			Particles: DefaultParticles,
			Steps:     DefaultSteps,
			Dt:        DefaultDt,
			Bounds:    DefaultBounds,
		},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate rejects values no run could use.
func (c *Config) Validate() error {
	switch c.Device.Backend {
	case "", "auto", "cpu", "opencl":
	default:
		return fmt.Errorf("config: unknown device backend %q", c.Device.Backend)
	}
	if c.Device.Workers < 0 || c.Device.WorkGroupSize < 0 || c.Device.MemoryLimit < 0 {
		return fmt.Errorf("config: device sizes must not be negative")
	}
	if c.Grid.CellSize <= 0 {
		return fmt.Errorf("config: grid cell size must be positive, got %g", c.Grid.CellSize)
	}
	switch c.Grid.Compaction {
	case "serial", "parallel", "auto":
	default:
		return fmt.Errorf("config: unknown compaction %q", c.Grid.Compaction)
	}
	width, ok := keyWidths[c.Grid.KeyEncoding]
	if !ok {
		return fmt.Errorf("config: unknown key encoding %q", c.Grid.KeyEncoding)
	}
	if c.Grid.KeyBits != 0 && (c.Grid.KeyBits < width || c.Grid.KeyBits > 32) {
		return fmt.Errorf("config: key bits %d outside [%d, 32] for %s keys (0 uses the full width)",
			c.Grid.KeyBits, width, c.Grid.KeyEncoding)
	}
	if c.Scene.Particles < 0 || c.Scene.Steps < 0 {
		return fmt.Errorf("config: particle and step counts must not be negative")
	}
	if c.Scene.Dt <= 0 || c.Scene.Bounds <= 0 {
		return fmt.Errorf("config: dt and bounds must be positive")
	}
	return nil
}
