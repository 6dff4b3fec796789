package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/guptarohit/asciigraph"
	"github.com/san-kum/fluidgrid/internal/compute"
	"github.com/san-kum/fluidgrid/internal/config"
	"github.com/san-kum/fluidgrid/internal/experiment"
	"github.com/san-kum/fluidgrid/internal/grid"
	"github.com/san-kum/fluidgrid/internal/metrics"
	"github.com/san-kum/fluidgrid/internal/scene"
	"github.com/san-kum/fluidgrid/internal/sph"
	"github.com/san-kum/fluidgrid/internal/storage"
	"github.com/spf13/cobra"
)

var (
	dataDir    string
	configFile string
	preset     string
	verbose    bool

	backend     string
	workers     int
	memoryLimit int64
	cellSize    float64
	compaction  string
	encoding    string
	validate    bool
	layout      string
	particles   int
	steps       int
	dt          float64
	seed        int64
	useSPH      bool
	noSave      bool

	sizes    []int
	rebuilds int
	svgOf    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "fluidgrid",
		Short:        "sorting grid builder for particle fluids",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", ".fluidgrid", "data directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "advance a particle scene and rebuild its grid every step",
		RunE:  runScene,
	}
	addSceneFlags(runCmd)
	runCmd.Flags().BoolVar(&noSave, "no-save", false, "do not store the run")

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "cross-check serial and parallel compaction on a scene",
		RunE:  verifyScene,
	}
	addSceneFlags(verifyCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "list runs",
		RunE:  listRuns,
	}

	plotCmd := &cobra.Command{
		Use:   "plot [run_id]",
		Short: "plot per-step grid statistics of a run",
		Args:  cobra.ExactArgs(1),
		RunE:  plotRun,
	}

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "benchmark compaction strategies across particle counts",
		RunE:  sweep,
	}
	addSceneFlags(sweepCmd)
	sweepCmd.Flags().IntSliceVar(&sizes, "sizes", []int{256, 1024, 4096, 16384, 65536}, "particle counts")
	sweepCmd.Flags().IntVar(&rebuilds, "rebuilds", 5, "timed rebuilds per case")

	exportCmd := &cobra.Command{
		Use:   "export [run_id] [path]",
		Short: "export a run as JSON or an SVG chart (path defaults to stdout)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "-"
			if len(args) == 2 {
				path = args[1]
			}
			st := storage.New(dataDir)
			if svgOf != "" {
				return st.ExportSVG(args[0], svgOf, path)
			}
			return st.Export(args[0], path)
		},
	}
	exportCmd.Flags().StringVar(&svgOf, "svg", "", "chart one series instead (active_cells, max_occupancy, rebuild_us)")

	presetsCmd := &cobra.Command{
		Use:   "presets",
		Short: "list configuration presets",
		RunE: func(cmd *cobra.Command, args []string) error {
			names := config.ListPresets()
			sort.Strings(names)
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tLAYOUT\tPARTICLES\tCELL\tCOMPACTION\tKEYS")
			for _, name := range names {
				cfg := config.GetPreset(name)
				fmt.Fprintf(w, "%s\t%s\t%d\t%g\t%s\t%s\n",
					name, cfg.Scene.Layout, cfg.Scene.Particles, cfg.Grid.CellSize,
					cfg.Grid.Compaction, cfg.Grid.KeyEncoding)
			}
			return w.Flush()
		},
	}

	devicesCmd := &cobra.Command{
		Use:   "devices",
		Short: "list compute backends",
		RunE:  listDevices,
	}

	rootCmd.AddCommand(runCmd, verifyCmd, sweepCmd, listCmd, plotCmd, exportCmd, presetsCmd, devicesCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func addSceneFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&configFile, "config", "", "config file path (yaml)")
	cmd.Flags().StringVar(&preset, "preset", "", "use preset configuration")
	cmd.Flags().StringVar(&backend, "backend", "auto", "compute backend (auto, cpu, opencl)")
	cmd.Flags().IntVar(&workers, "workers", 0, "kernel worker goroutines (0 = all CPUs)")
	cmd.Flags().Int64Var(&memoryLimit, "memory-limit", 0, "device memory limit in bytes (0 = unlimited)")
	cmd.Flags().Float64Var(&cellSize, "cell", config.DefaultCellSize, "grid cell size")
	cmd.Flags().StringVar(&compaction, "compaction", "parallel", "compaction strategy (parallel, serial, auto)")
	cmd.Flags().StringVar(&encoding, "keys", "packed", "key encoding (packed, hashed)")
	cmd.Flags().BoolVar(&validate, "validate", false, "check grid invariants after every rebuild")
	cmd.Flags().StringVar(&layout, "layout", "dam_break", "particle layout ("+strings.Join(scene.Layouts(), ", ")+")")
	cmd.Flags().IntVarP(&particles, "particles", "n", config.DefaultParticles, "particle count")
	cmd.Flags().IntVar(&steps, "steps", config.DefaultSteps, "simulation steps")
	cmd.Flags().Float64Var(&dt, "dt", config.DefaultDt, "timestep")
	cmd.Flags().Int64Var(&seed, "seed", 1, "random seed")
	cmd.Flags().BoolVar(&useSPH, "sph", false, "apply SPH pressure and viscosity forces")
}

// resolveConfig layers defaults, preset, config file and explicit flags.
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if preset != "" {
		p := config.GetPreset(preset)
		if p == nil {
			return nil, fmt.Errorf("unknown preset: %s (available: %v)", preset, config.ListPresets())
		}
		cfg = p
	}
	if configFile != "" {
		loaded, err := config.Load(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("backend") {
		cfg.Device.Backend = backend
	}
	if flags.Changed("workers") {
		cfg.Device.Workers = workers
	}
	if flags.Changed("memory-limit") {
		cfg.Device.MemoryLimit = memoryLimit
	}
	if flags.Changed("cell") {
		cfg.Grid.CellSize = cellSize
	}
	if flags.Changed("compaction") {
		cfg.Grid.Compaction = compaction
	}
	if flags.Changed("keys") {
		cfg.Grid.KeyEncoding = encoding
	}
	if flags.Changed("validate") {
		cfg.Grid.Validate = validate
	}
	if flags.Changed("layout") {
		cfg.Scene.Layout = layout
	}
	if flags.Changed("particles") {
		cfg.Scene.Particles = particles
	}
	if flags.Changed("steps") {
		cfg.Scene.Steps = steps
	}
	if flags.Changed("dt") {
		cfg.Scene.Dt = dt
	}
	if flags.Changed("seed") {
		cfg.Scene.Seed = seed
	}
	if flags.Changed("sph") {
		cfg.Scene.SPH = useSPH
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func deviceOptions(cfg *config.Config) compute.Options {
	return compute.Options{
		Workers:       cfg.Device.Workers,
		WorkGroupSize: cfg.Device.WorkGroupSize,
		MemoryLimit:   cfg.Device.MemoryLimit,
	}
}

func pipelineOptions(cfg *config.Config, log *slog.Logger, perf *metrics.PerfCollector) grid.Options {
	return grid.Options{
		Compaction:        cfg.Grid.Compaction,
		ParallelThreshold: cfg.Grid.ParallelThreshold,
		KeyEncoding:       cfg.Grid.KeyEncoding,
		KeyBits:           cfg.Grid.KeyBits,
		Validate:          cfg.Grid.Validate,
		Logger:            log,
		Perf:              perf,
	}
}

func sceneConfig(cfg *config.Config) scene.Config {
	return scene.Config{
		Layout:    cfg.Scene.Layout,
		Particles: cfg.Scene.Particles,
		CellSize:  cfg.Grid.CellSize,
		Bounds:    scene.Cube(cfg.Scene.Bounds),
		Seed:      cfg.Scene.Seed,
	}
}

func runScene(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	log := newLogger()

	dev, err := compute.SelectDevice(cfg.Device.Backend, deviceOptions(cfg))
	if err != nil {
		return err
	}
	defer dev.Cleanup()

	f, err := scene.Build(cfg.Scene.Layout, sceneConfig(cfg))
	if err != nil {
		return err
	}

	perf := metrics.NewPerfCollector(cfg.Scene.Steps)
	p, err := grid.NewPipeline(dev, pipelineOptions(cfg, log, perf))
	if err != nil {
		return err
	}
	defer p.Close()
	g := p.Attach(f)

	log.Info("run started",
		"device", dev.Name(),
		"layout", cfg.Scene.Layout,
		"particles", f.NumParticles(),
		"compaction", p.Compactor().Name(),
		"keys", p.Encoder().Name())

	bounds := scene.Cube(cfg.Scene.Bounds)
	motion := scene.DefaultMotion()
	ms := metrics.Standard()
	records := make([]storage.StepRecord, 0, cfg.Scene.Steps)
	failures := 0

	var solver *sph.Solver
	fresh := false
	if cfg.Scene.SPH {
		solver = sph.New(cfg.Grid.CellSize)
		motion.Mass = solver.Mass
		if err := p.Rebuild(g); err != nil {
			return err
		}
		fresh = true
	}

	for step := 1; step <= cfg.Scene.Steps; step++ {
		if err := cmd.Context().Err(); err != nil {
			return err
		}
		if solver != nil {
			motion.ApplyGravity(&f.Particles)
			// Neighbor indices are only valid right after a successful rebuild.
			if fresh {
				q, err := p.Query(g)
				if err != nil {
					return err
				}
				if err := solver.Apply(cmd.Context(), q, &f.Particles); err != nil {
					return err
				}
			}
			motion.Integrate(f, cfg.Scene.Dt, bounds)
		} else {
			motion.Advance(f, cfg.Scene.Dt, bounds)
		}

		start := time.Now()
		if err := p.Rebuild(g); err != nil {
			// The next step retries from the new positions.
			failures++
			fresh = false
			log.Warn("rebuild failed", "step", step, "error", err)
			continue
		}
		fresh = true
		elapsed := time.Since(start)

		sample, err := p.Sample(g)
		if err != nil {
			return err
		}
		for _, m := range ms {
			m.Observe(sample)
		}
		st, err := g.Store().ReadFromDevice(p.Queue())
		if err != nil {
			return err
		}
		records = append(records, storage.StepRecord{
			Step:         step,
			Time:         float64(step) * cfg.Scene.Dt,
			Particles:    sample.Particles,
			ActiveCells:  sample.ActiveCells,
			MaxOccupancy: sample.MaxOccupancy,
			RebuildUS:    elapsed.Microseconds(),
			Checksum:     fmt.Sprintf("%016x", st.Checksum()),
		})
		log.Debug("step", "sample", sample)
	}

	stats := perf.Stats()
	log.Info("run finished", "perf", stats, "failures", failures)

	results := metrics.Collect(ms)
	rows := [][2]string{
		{"device", dev.Name()},
		{"particles", fmt.Sprintf("%d", f.NumParticles())},
		{"steps", fmt.Sprintf("%d (%d failed)", cfg.Scene.Steps, failures)},
		{"compaction", p.Compactor().Name()},
		{"avg rebuild", stats.AvgRebuild.String()},
		{"median rebuild", perf.Median().String()},
		{"rebuilds/s", fmt.Sprintf("%.1f", stats.RebuildsPerSecond)},
	}
	if solver != nil {
		rows = append(rows, [2]string{"mean density", fmt.Sprintf("%.1f", solver.MeanDensity())})
	}
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rows = append(rows, [2]string{name, fmt.Sprintf("%.3f", results[name])})
	}
	for _, phase := range metrics.Phases {
		if avg, ok := stats.PhaseAvg[phase]; ok {
			rows = append(rows, [2]string{phase, fmt.Sprintf("%v (%.1f%%)", avg, stats.PhasePct[phase])})
		}
	}
	fmt.Println(titleStyle.Render("fluidgrid run"))
	fmt.Println(panelStyle.Render(keyValues(rows)))

	if noSave {
		return nil
	}
	phaseUS := make(map[string]int64, len(stats.PhaseAvg))
	for phase, avg := range stats.PhaseAvg {
		phaseUS[phase] = avg.Microseconds()
	}
	st := storage.New(dataDir)
	if err := st.Init(); err != nil {
		return err
	}
	runID, err := st.Save(storage.RunMetadata{
		Layout:      cfg.Scene.Layout,
		Seed:        cfg.Scene.Seed,
		Dt:          cfg.Scene.Dt,
		Steps:       cfg.Scene.Steps,
		Particles:   f.NumParticles(),
		CellSize:    cfg.Grid.CellSize,
		Device:      dev.Name(),
		Compaction:  p.Compactor().Name(),
		KeyEncoding: p.Encoder().Name(),
		Metrics:     results,
		PhaseAvgUS:  phaseUS,
	}, records)
	if err != nil {
		return err
	}
	fmt.Println(subtleStyle.Render("saved run " + runID))
	return nil
}

func verifyScene(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	log := newLogger()

	dev, err := compute.SelectDevice(cfg.Device.Backend, deviceOptions(cfg))
	if err != nil {
		return err
	}
	defer dev.Cleanup()

	f, err := scene.Build(cfg.Scene.Layout, sceneConfig(cfg))
	if err != nil {
		return err
	}
	enc, err := grid.NewEncoder(cfg.Grid.KeyEncoding)
	if err != nil {
		return err
	}

	keys := make([]grid.SpatialKey, f.NumParticles())
	for i, pos := range f.Particles.Pos {
		keys[i] = enc.Encode(grid.CellOf(pos, f.CellSize))
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	q := compute.NewQueue(dev)
	defer q.Close()
	reference, err := grid.CrossCheck(q, keys)
	if err != nil {
		fmt.Println(failStyle.Render("FAIL") + " compaction cross-check: " + err.Error())
		return err
	}
	fmt.Printf("%s compaction cross-check: %d cells, checksum %016x\n",
		okStyle.Render("OK"), reference.NumActiveCells(), reference.Checksum())

	for _, strategy := range []string{grid.CompactionSerial, grid.CompactionParallel} {
		opts := pipelineOptions(cfg, log, nil)
		opts.Compaction = strategy
		opts.Validate = true
		clone, err := scene.Build(cfg.Scene.Layout, sceneConfig(cfg))
		if err != nil {
			return err
		}
		p, err := grid.NewPipeline(dev, opts)
		if err != nil {
			return err
		}
		g := p.Attach(clone)
		err = p.Rebuild(g)
		var st *grid.State
		if err == nil {
			st, err = g.Store().ReadFromDevice(p.Queue())
		}
		p.Close()
		if err != nil {
			fmt.Println(failStyle.Render("FAIL") + " " + strategy + " rebuild: " + err.Error())
			return err
		}
		if st.Checksum() != reference.Checksum() {
			err := fmt.Errorf("%s rebuild checksum %016x differs from %016x", strategy, st.Checksum(), reference.Checksum())
			fmt.Println(failStyle.Render("FAIL") + " " + err.Error())
			return err
		}
		fmt.Printf("%s %s rebuild matches\n", okStyle.Render("OK"), strategy)
	}
	return nil
}

func listRuns(cmd *cobra.Command, args []string) error {
	st := storage.New(dataDir)
	runs, err := st.List()
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("no runs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLAYOUT\tTIME\tPARTICLES\tSTEPS\tCOMPACTION\tKEYS\tDEVICE")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			run.ID,
			run.Layout,
			run.Timestamp.Format("2006-01-02 15:04:05"),
			run.Particles,
			run.Steps,
			run.Compaction,
			run.KeyEncoding,
			run.Device,
		)
	}
	return w.Flush()
}

func plotRun(cmd *cobra.Command, args []string) error {
	runID := args[0]

	st := storage.New(dataDir)
	meta, err := st.Load(runID)
	if err != nil {
		return err
	}
	records, err := st.LoadSteps(runID)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return fmt.Errorf("no data to plot")
	}

	fmt.Printf("run: %s\n", meta.ID)
	fmt.Printf("layout: %s, %d particles, %s compaction\n", meta.Layout, meta.Particles, meta.Compaction)
	fmt.Printf("samples: %d\n\n", len(records))

	series := []struct {
		caption string
		value   func(storage.StepRecord) float64
	}{
		{"active cells", func(r storage.StepRecord) float64 { return float64(r.ActiveCells) }},
		{"max cell occupancy", func(r storage.StepRecord) float64 { return float64(r.MaxOccupancy) }},
		{"rebuild time (us)", func(r storage.StepRecord) float64 { return float64(r.RebuildUS) }},
	}
	for _, s := range series {
		data := make([]float64, len(records))
		for i, r := range records {
			data[i] = s.value(r)
		}
		graph := asciigraph.Plot(data,
			asciigraph.Height(10),
			asciigraph.Width(80),
			asciigraph.Caption(s.caption),
		)
		fmt.Println(graph)
		fmt.Println()
	}
	return nil
}

func listDevices(cmd *cobra.Command, args []string) error {
	rows := [][2]string{}
	cpu := compute.NewCPUDevice(compute.Options{})
	rows = append(rows, [2]string{"cpu", cpu.Name()})

	cl, err := compute.NewOpenCLDevice(compute.Options{})
	if err != nil {
		rows = append(rows, [2]string{"opencl", err.Error()})
	} else {
		rows = append(rows, [2]string{"opencl", cl.Name()})
		cl.Cleanup()
	}

	auto := compute.AutoSelectDevice(compute.Options{})
	rows = append(rows, [2]string{"auto", auto.Name()})
	auto.Cleanup()

	fmt.Println(titleStyle.Render("compute backends"))
	fmt.Println(panelStyle.Render(keyValues(rows)))
	return nil
}

func sweep(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	log := newLogger()

	dev, err := compute.SelectDevice(cfg.Device.Backend, deviceOptions(cfg))
	if err != nil {
		return err
	}
	defer dev.Cleanup()

	e := experiment.New(dev, experiment.Config{
		Layout:      cfg.Scene.Layout,
		KeyEncoding: cfg.Grid.KeyEncoding,
		CellSize:    cfg.Grid.CellSize,
		Bounds:      cfg.Scene.Bounds,
		Dt:          cfg.Scene.Dt,
		Seed:        cfg.Scene.Seed,
		Rebuilds:    rebuilds,
	}, log)
	results, err := e.Sweep(cmd.Context(), sizes, []string{grid.CompactionSerial, grid.CompactionParallel})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PARTICLES\tCOMPACTION\tMEDIAN\tMEAN\tCELLS")
	for _, r := range results {
		fmt.Fprintf(w, "%d\t%s\t%v\t%v\t%d\n", r.Particles, r.Compaction, r.Median, r.Mean, r.ActiveCells)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if n, ok := experiment.Crossover(results); ok {
		fmt.Printf("\n%s parallel_threshold: %d\n", okStyle.Render("suggested"), n)
	} else {
		fmt.Println("\n" + subtleStyle.Render("parallel compaction never won at the largest size"))
	}
	return nil
}
