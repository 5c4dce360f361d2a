package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/san-kum/jetpool/internal/checkpoint"
	"github.com/san-kum/jetpool/internal/config"
	"github.com/san-kum/jetpool/internal/experiment"
	"github.com/san-kum/jetpool/internal/logging"
	"github.com/san-kum/jetpool/internal/metrics"
	"github.com/san-kum/jetpool/internal/observability"
	"github.com/san-kum/jetpool/internal/storage"
	"github.com/san-kum/jetpool/internal/store"
	"github.com/san-kum/jetpool/internal/viz"
	"github.com/spf13/cobra"
)

var (
	configFile  string
	preset      string
	outDir      string
	workers     int
	tmax        float64
	tsnap       float64
	maxLevel    int
	metricsAddr string
	trace       bool
	// watch
	interval time.Duration
	// export-json
	outFile string
)

// main registers the jetpool commands and exits with status 1 when the
// command fails.
func main() {
	rootCmd := &cobra.Command{
		Use:          "jetpool",
		Short:        "viscoelastic jet impacting a pool",
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "config file path (yaml)")
	pf.StringVar(&preset, "preset", "", "start from a named preset")
	pf.StringVar(&outDir, "dir", ".", "output directory")
	pf.IntVar(&workers, "workers", 1, "number of workers")
	pf.Float64Var(&tmax, "tmax", config.DefaultTMax, "end time")
	pf.Float64Var(&tsnap, "tsnap", config.DefaultTSnap, "snapshot interval")
	pf.IntVar(&maxLevel, "max-level", config.DefaultMaxLevel, "maximum refinement level")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run or resume the simulation in the output directory",
		Args:  cobra.NoArgs,
		RunE:  runSimulation,
	}
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	runCmd.Flags().BoolVar(&trace, "trace", false, "export tracing spans (see JETPOOL_TRACING_*)")

	paramsCmd := &cobra.Command{
		Use:   "params",
		Short: "print the effective parameters and derived coefficients",
		Args:  cobra.NoArgs,
		RunE:  showParams,
	}

	presetsCmd := &cobra.Command{
		Use:   "presets",
		Short: "list available presets",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range config.ListPresets() {
				fmt.Printf("  %s\n", name)
			}
		},
	}

	plotCmd := &cobra.Command{
		Use:   "plot [log]",
		Short: "plot kinetic energy from a log file",
		Args:  cobra.ExactArgs(1),
		RunE:  plotLog,
	}

	watchCmd := &cobra.Command{
		Use:   "watch [log]",
		Short: "follow a running log file",
		Args:  cobra.ExactArgs(1),
		RunE:  watchLog,
	}
	watchCmd.Flags().DurationVar(&interval, "interval", time.Second, "refresh interval")

	snapshotsCmd := &cobra.Command{
		Use:   "snapshots [dir]",
		Short: "list checkpoint snapshots",
		Args:  cobra.MaximumNArgs(1),
		RunE:  listSnapshots,
	}

	exportJSONCmd := &cobra.Command{
		Use:   "export-json [log]",
		Short: "export a log file to JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  exportJSON,
	}
	exportJSONCmd.Flags().StringVarP(&outFile, "out", "o", "", "write to file instead of stdout")

	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "list recorded runs",
		Args:  cobra.NoArgs,
		RunE:  listRuns,
	}

	rootCmd.AddCommand(runCmd, paramsCmd, presetsCmd, plotCmd, watchCmd, snapshotsCmd, exportJSONCmd, runsCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveParams layers the preset, the config file and explicitly set flags,
// in that order.
func resolveParams(cmd *cobra.Command) (config.Params, error) {
	p := config.Default()
	if preset != "" {
		var ok bool
		p, ok = config.Preset(preset)
		if !ok {
			return p, fmt.Errorf("unknown preset: %s (available: %v)", preset, config.ListPresets())
		}
	}

	if configFile != "" {
		cfg, err := config.LoadOver(configFile, p)
		if err != nil {
			return p, fmt.Errorf("failed to load config: %w", err)
		}
		p = cfg
	}

	flags := cmd.Flags()
	if flags.Changed("dir") || p.Output.Dir == "" {
		p.Output.Dir = outDir
	}
	if flags.Changed("workers") {
		p.Workers = workers
	}
	if flags.Changed("tmax") {
		p.TMax = tmax
	}
	if flags.Changed("tsnap") {
		p.TSnap = tsnap
	}
	if flags.Changed("max-level") {
		p.MaxLevel = maxLevel
	}
	return p, p.Validate()
}

func runSimulation(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logging.NewFromEnv()

	p, err := resolveParams(cmd)
	if err != nil {
		return err
	}

	tcfg := observability.TracingConfigFromEnv()
	tcfg.Enabled = tcfg.Enabled || trace
	shutdown, err := observability.InitTracing(ctx, tcfg, log)
	if err != nil {
		return err
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdown, log)

	var collector *observability.RunCollector
	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		collector, err = observability.NewRunCollector(reg)
		if err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error(ctx, "metrics server stopped", logging.Err(err))
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Info(ctx, "serving metrics", logging.String("addr", metricsAddr))
	}

	if err := os.MkdirAll(p.Output.Dir, 0755); err != nil {
		return err
	}
	if err := config.Save(filepath.Join(p.Output.Dir, "params.yaml"), p); err != nil {
		log.Warn(ctx, "could not save params", logging.Err(err))
	}

	exp, err := experiment.New(experiment.Config{
		Params:  p,
		Status:  os.Stderr,
		Logger:  log,
		Metrics: collector,
	})
	if err != nil {
		return err
	}

	start := time.Now()
	out, runErr := exp.Run(ctx)
	elapsed := time.Since(start)

	if out != nil {
		if err := record(p, exp.LogPath(), out, runErr); err != nil {
			log.Warn(ctx, "could not record run", logging.Err(err))
		}
	}
	if runErr != nil {
		return runErr
	}

	fmt.Printf("completed in %v\n", elapsed.Round(time.Millisecond))
	fmt.Printf("run id: %s (%s)\n", out.RunID, out.Start.Source)
	fmt.Printf("steps: %d, t = %g\n", out.Result.Steps, out.Result.Clock.Time)
	fmt.Printf("leaves: %d, levels %d..%d\n", out.Mesh.Leaves, out.Mesh.MinLevel, out.Mesh.MaxLevel)
	if out.Result.Halted {
		fmt.Printf("halted at step %d by %s\n", out.Result.Clock.Step, out.Result.HaltedBy)
	}
	return nil
}

func record(p config.Params, logPath string, out *experiment.Outcome, runErr error) error {
	st := storage.New(filepath.Join(p.Output.Dir, "runs"))
	if err := st.Init(); err != nil {
		return err
	}

	log, err := metrics.ReadLog(logPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	meta := storage.RunMetadata{
		ID:        out.RunID.String(),
		Timestamp: time.Now(),
		Source:    out.Start.Source.String(),
		Params:    p,
		Steps:     out.Result.Steps,
		FinalStep: out.Result.Clock.Step,
		FinalTime: out.Result.Clock.Time,
		Halted:    out.Result.Halted,
		HaltedBy:  out.Result.HaltedBy,
		Leaves:    out.Mesh.Leaves,
	}
	if runErr != nil {
		meta.Error = runErr.Error()
	}
	return st.Save(meta, log.Records)
}

func showParams(cmd *cobra.Command, args []string) error {
	p, err := resolveParams(cmd)
	if err != nil {
		return err
	}
	c := p.Derive()

	rows := [][]string{
		{"L0", fmt.Sprintf("%g", p.DomainSize)},
		{"levels", fmt.Sprintf("%d / %d / %d", p.MinLevel, p.InitLevel, p.MaxLevel)},
		{"We", fmt.Sprintf("%g", p.We)},
		{"Re", fmt.Sprintf("%g", p.Re)},
		{"MuR", fmt.Sprintf("%g", p.MuR)},
		{"Wi", fmt.Sprintf("%g", p.Wi)},
		{"El", fmt.Sprintf("%g", p.El)},
		{"tmax / tsnap", fmt.Sprintf("%g / %g", p.TMax, p.TSnap)},
		{"rho1 / rho2", fmt.Sprintf("%g / %g", c.Rho1, c.Rho2)},
		{"mu1 / mu2", fmt.Sprintf("%g / %g", c.Mu1, c.Mu2)},
		{"lambda1 / lambda2", fmt.Sprintf("%g / %g", c.Lambda1, c.Lambda2)},
		{"G1 / G2", fmt.Sprintf("%g / %g", c.G1, c.G2)},
		{"sigma", fmt.Sprintf("%g", c.Sigma)},
		{"workers", fmt.Sprintf("%d", p.Workers)},
		{"output", p.Output.Dir},
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("241"))).
		Headers("PARAMETER", "VALUE").
		Rows(rows...)

	fmt.Println(lipgloss.NewStyle().Bold(true).Render(p.Header()))
	fmt.Println(t.Render())
	return nil
}

func plotLog(cmd *cobra.Command, args []string) error {
	log, err := metrics.ReadLog(args[0])
	if err != nil {
		return err
	}
	if len(log.Records) == 0 {
		return fmt.Errorf("no data to plot")
	}

	fmt.Println(log.Header)
	fmt.Printf("records: %d\n\n", len(log.Records))
	fmt.Println(viz.Plot(log, 80, 10))
	for _, n := range log.Notes {
		fmt.Println(n)
	}
	return nil
}

func watchLog(cmd *cobra.Command, args []string) error {
	p := tea.NewProgram(viz.NewModel(args[0], tmax, interval), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func listSnapshots(cmd *cobra.Command, args []string) error {
	dir := filepath.Join(outDir, config.Default().Output.SnapshotDir)
	if len(args) > 0 {
		dir = args[0]
	}
	snaps, err := checkpoint.ListSnapshots(dir)
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		fmt.Println("no snapshots found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTIME\tSTEP\tRUN")
	for _, s := range snaps {
		meta, err := checkpoint.ReadMeta(s.Path)
		if err != nil {
			fmt.Fprintf(w, "%s\t%.4f\t-\t%s\n", s.Name, s.Time, strings.TrimSpace(err.Error()))
			continue
		}
		fmt.Fprintf(w, "%s\t%.4f\t%d\t%s\n", s.Name, s.Time, meta.Step, meta.RunID)
	}
	return w.Flush()
}

func exportJSON(cmd *cobra.Command, args []string) error {
	log, err := metrics.ReadLog(args[0])
	if err != nil {
		return err
	}
	if outFile != "" {
		return store.ExportJSON(outFile, log)
	}
	return store.ExportJSONStdout(log)
}

func listRuns(cmd *cobra.Command, args []string) error {
	st := storage.New(filepath.Join(outDir, "runs"))
	runs, err := st.List()
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("no runs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTIME\tSOURCE\tSTEPS\tFINAL T\tLEAVES\tSTATUS")
	for _, run := range runs {
		status := "done"
		switch {
		case run.Error != "":
			status = "error"
		case run.Halted:
			status = "halted"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.4f\t%d\t%s\n",
			run.ID,
			run.Timestamp.Format("2006-01-02 15:04:05"),
			run.Source,
			run.Steps,
			run.FinalTime,
			run.Leaves,
			status,
		)
	}
	return w.Flush()
}
