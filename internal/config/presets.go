package config

var Presets = map[string]*Config{
	"small": {
		Device: DeviceConfig{Backend: "cpu"},
		Grid:   GridConfig{CellSize: 0.1, Compaction: "serial", KeyEncoding: "packed", Validate: true},
		Scene:  SceneConfig{Layout: "cube", Particles: 512, Steps: 50, Dt: 0.005, Bounds: 1.0, SPH: true},
	},
	"dam_break": {
		Device: DeviceConfig{Backend: "auto"},
		Grid:   GridConfig{CellSize: 0.05, Compaction: "parallel", KeyEncoding: "packed"},
		Scene:  SceneConfig{Layout: "dam_break", Particles: 32768, Steps: 200, Dt: 0.002, Bounds: 2.0, SPH: true},
	},
	"cloud": {
		Device: DeviceConfig{Backend: "auto"},
		Grid: GridConfig{CellSize: 0.1, Compaction: "auto", ParallelThreshold: DefaultParallelThreshold,
			KeyEncoding: "hashed"},
		Scene: SceneConfig{Layout: "random", Particles: 16384, Steps: 100, Dt: 0.005, Bounds: 4.0},
	},
	"stress": {
		Device: DeviceConfig{Backend: "auto"},
		Grid:   GridConfig{CellSize: 0.02, Compaction: "parallel", KeyEncoding: "packed"},
		Scene:  SceneConfig{Layout: "random", Particles: 262144, Steps: 20, Dt: 0.001, Bounds: 4.0},
	},
}

// GetPreset returns a copy of the named preset, or nil.
func GetPreset(name string) *Config {
	cfg, ok := Presets[name]
	if !ok {
		return nil
	}
	c := *cfg
	return &c
}

func ListPresets() []string {
	names := make([]string, 0, len(Presets))
	for name := range Presets {
		names = append(names, name)
	}
	return names
}
