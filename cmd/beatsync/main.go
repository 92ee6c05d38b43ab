package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bobarin/beatsync/internal/capability"
	"github.com/bobarin/beatsync/internal/config"
	"github.com/bobarin/beatsync/internal/logging"
	"github.com/bobarin/beatsync/internal/models"
	"github.com/bobarin/beatsync/internal/pipeline"
)

var (
	cfg    *config.Config
	logger *logrus.Logger

	logLevel string
	outDir   string

	theme       string
	target      float64
	stylePreset string
	brand       string
	seed        int64

	resume      bool
	maxTakes    int
	parallelism int
	noEvolve    bool
	engineRoot  string

	audioPath string
	allowGaps bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error: ")+err.Error())
		if errors.Is(err, models.ErrCancelled) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "beatsync",
	Short:         "beatsync - beat-synchronized music video generation",
	Long:          "Analyzes a music track, plans beat-aligned shots, renders takes with a local or hosted video engine and assembles the master video.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		cfg = loaded
		level := cfg.LogLevel
		if cmd.Flags().Changed("log-level") {
			level = logLevel
		}
		logger = logging.New(level, cfg.LogFormat)
		applyOverrides(cmd)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&outDir, "out", "o", ".", "work directory for stage files")

	for _, c := range []*cobra.Command{planCmd, videoCmd} {
		c.Flags().StringVar(&theme, "theme", "", "visual theme for every shot (required)")
		c.Flags().Float64Var(&target, "target", 4, "target shot length in seconds")
		c.Flags().StringVar(&stylePreset, "style", "cinematic", "style preset")
		c.Flags().StringVar(&brand, "brand", "", "optional brand motif")
		c.Flags().Int64Var(&seed, "seed", 42, "seed for prompt choices")
		_ = c.MarkFlagRequired("theme")
	}
	for _, c := range []*cobra.Command{generateCmd, videoCmd} {
		c.Flags().IntVar(&maxTakes, "max-takes", 3, "maximum takes per shot")
		c.Flags().IntVar(&parallelism, "parallel", 1, "shots rendered at once")
		c.Flags().BoolVar(&noEvolve, "no-evolve", false, "do not learn from known engine failures")
		c.Flags().StringVar(&engineRoot, "engine-root", "", "render engine directory")
	}
	generateCmd.Flags().BoolVar(&resume, "resume", false, "reuse takes from an existing manifest")
	for _, c := range []*cobra.Command{assembleCmd, videoCmd} {
		c.Flags().BoolVar(&allowGaps, "allow-gaps", false, "replace missing shots with black filler")
	}
	assembleCmd.Flags().StringVar(&audioPath, "audio", "", "audio track (default: the plan's)")
	capabilitiesCmd.PersistentFlags().StringVar(&engineRoot, "engine-root", "", "render engine directory")

	capabilitiesCmd.AddCommand(capabilitiesShowCmd, capabilitiesLearnCmd)
	rootCmd.AddCommand(analyzeCmd, planCmd, generateCmd, assembleCmd, videoCmd, capabilitiesCmd, reportCmd)
}

// applyOverrides copies explicitly set flags over the environment configuration.
func applyOverrides(cmd *cobra.Command) {
	flags := cmd.Flags()
	if flags.Changed("target") {
		cfg.TargetShotSeconds = target
	}
	if flags.Changed("style") {
		cfg.StylePreset = stylePreset
	}
	if flags.Changed("brand") {
		cfg.Brand = brand
	}
	if flags.Changed("seed") {
		cfg.Seed = seed
	}
	if flags.Changed("max-takes") {
		cfg.MaxTakesPerShot = maxTakes
	}
	if flags.Changed("parallel") {
		cfg.Parallelism = parallelism
	}
	if flags.Changed("no-evolve") {
		cfg.EvolveOnFailure = !noEvolve
	}
	if flags.Changed("engine-root") {
		cfg.EngineRoot = engineRoot
	}
	if flags.Changed("allow-gaps") {
		cfg.AllowGaps = allowGaps
	}
}

func newPipeline() (*pipeline.Pipeline, error) {
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", outDir, err)
	}
	return pipeline.New(cfg, logger)
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze [audio file]",
	Short: "Estimate tempo, beats and sections",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newPipeline()
		if err != nil {
			return err
		}
		a, err := p.Analyze(cmd.Context(), args[0], outDir)
		if err != nil {
			return err
		}
		fmt.Println(renderAnalysis(a, pipeline.AnalysisPath(outDir)))
		return nil
	},
}

var planCmd = &cobra.Command{
	Use:   "plan [audio_analysis.json]",
	Short: "Cut the track into beat-aligned shots with prompts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newPipeline()
		if err != nil {
			return err
		}
		plan, err := p.Plan(cmd.Context(), args[0], theme, outDir)
		if err != nil {
			return err
		}
		fmt.Println(renderPlan(plan, pipeline.PlanPath(outDir)))
		return nil
	},
}

var generateCmd = &cobra.Command{
	Use:   "generate [music_video_plan.json]",
	Short: "Render takes for every planned shot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newPipeline()
		if err != nil {
			return err
		}
		manifest, err := p.Generate(cmd.Context(), args[0], outDir, resume, nil)
		if manifest != nil {
			fmt.Println(renderReport(pipeline.BuildRunReport(nil, manifest, nil)))
		}
		return err
	},
}

var assembleCmd = &cobra.Command{
	Use:   "assemble [generation_manifest.json]",
	Short: "Join the selected takes under the original audio",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newPipeline()
		if err != nil {
			return err
		}
		report, err := p.Assemble(cmd.Context(), args[0], audioPath, outDir)
		if err != nil {
			return err
		}
		fmt.Println(renderAssembly(report))
		return nil
	},
}

var videoCmd = &cobra.Command{
	Use:   "video [audio file]",
	Short: "Run every stage, from analysis to the master video",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newPipeline()
		if err != nil {
			return err
		}
		report, err := p.Run(cmd.Context(), args[0], theme, outDir)
		if report != nil {
			fmt.Println(renderReport(report))
		}
		return err
	},
}

var capabilitiesCmd = &cobra.Command{
	Use:   "capabilities",
	Short: "Inspect or teach the learned engine capability state",
}

func capabilityRoot() (string, error) {
	root := cfg.EngineRoot
	if root == "" {
		return "", fmt.Errorf("engine root is required (--engine-root or ENGINE_ROOT)")
	}
	return filepath.Abs(root)
}

var capabilitiesShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the capability state for an engine root",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := capabilityRoot()
		if err != nil {
			return err
		}
		state := capability.NewStore(logger).Load(root)
		fmt.Println(renderCapabilities(root, state))
		return nil
	},
}

var capabilitiesLearnCmd = &cobra.Command{
	Use:   "learn [engine log file]",
	Short: "Record the adjustment implied by a failure log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := capabilityRoot()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read log: %w", err)
		}
		store := capability.NewStore(logger)
		match, err := store.LearnFromLog(root, capability.DefaultSignatures, string(data))
		if err != nil {
			return err
		}
		if match == nil {
			fmt.Println(mutedStyle.Render("nothing new to learn from " + args[0]))
			return nil
		}
		fmt.Println(okStyle.Render("learned: ") + capability.Describe(match.Adjustment))
		fmt.Println(renderCapabilities(root, store.Load(root)))
		return nil
	},
}

var reportCmd = &cobra.Command{
	Use:   "report [work dir]",
	Short: "Summarize a run from its stage files",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := outDir
		if len(args) == 1 {
			dir = args[0]
		}
		report, err := pipeline.ReportFromDir(dir)
		if err != nil {
			return err
		}
		fmt.Println(renderReport(report))
		return nil
	},
}
