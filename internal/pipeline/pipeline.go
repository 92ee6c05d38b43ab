package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/bobarin/beatsync/internal/analyzer"
	"github.com/bobarin/beatsync/internal/assembler"
	"github.com/bobarin/beatsync/internal/capability"
	"github.com/bobarin/beatsync/internal/config"
	"github.com/bobarin/beatsync/internal/engine"
	"github.com/bobarin/beatsync/internal/fsutil"
	"github.com/bobarin/beatsync/internal/logging"
	"github.com/bobarin/beatsync/internal/models"
	"github.com/bobarin/beatsync/internal/orchestrator"
	"github.com/bobarin/beatsync/internal/planner"
	"github.com/bobarin/beatsync/internal/runner"
	"github.com/bobarin/beatsync/internal/services"
)

const (
	AnalysisFile  = "audio_analysis.json"
	PlanFile      = "music_video_plan.json"
	ManifestFile  = "generation_manifest.json"
	RunReportFile = "run_report.json"

	takesDir = "takes"
)

type Analyzer interface {
	Analyze(ctx context.Context, path string) (*models.AudioAnalysis, error)
}

type Planner interface {
	Plan(ctx context.Context, analysis *models.AudioAnalysis, theme string, targetShotSeconds float64) (*models.MusicVideoPlan, error)
}

type Generator interface {
	Generate(ctx context.Context, plan *models.MusicVideoPlan, eng engine.Engine, opts orchestrator.Options) (*models.GenerationManifest, error)
}

type Assembler interface {
	Assemble(ctx context.Context, audioPath string, manifest *models.GenerationManifest, opts assembler.Options) (*assembler.Report, error)
}

// EngineFactory returns the render engine and the root its capability state lives under.
type EngineFactory func() (engine.Engine, string, error)

// Components are the stage implementations a Pipeline drives.
type Components struct {
	Analyzer     Analyzer
	Planner      Planner
	Generator    Generator
	Assembler    Assembler
	Engine       EngineFactory
	Previewer    orchestrator.Previewer
	Capabilities *capability.Store
}

// Pipeline runs the stages against a work directory, persisting each stage's output file.
type Pipeline struct {
	cfg *config.Config
	c   Components
	log logrus.FieldLogger
}

// New wires the production components from configuration.
func New(cfg *config.Config, log logrus.FieldLogger) (*Pipeline, error) {
	run := runner.New(log)
	ffmpeg := services.NewFFmpegService(cfg.FFmpegPath, cfg.FFprobePath, run, log)

	var tracker analyzer.BeatTracker
	if cfg.BeatTrackerPath != "" {
		tracker = analyzer.NewAubio(cfg.BeatTrackerPath, run)
	}

	presets, err := planner.LoadPresets(cfg.StylePresetsFile)
	if err != nil {
		return nil, err
	}
	var enhancer planner.PromptEnhancer
	if cfg.PromptEnhance && cfg.OpenAIKey != "" {
		enhancer = services.NewOpenAIService(cfg.OpenAIKey, cfg.OpenAIModel, log)
	}

	store := capability.NewStore(log)
	c := Components{
		Analyzer: analyzer.New(ffmpeg, tracker, analyzer.Options{MinSectionSeconds: cfg.MinSectionSeconds}, log),
		Planner: planner.New(planner.Options{
			StylePreset:    cfg.StylePreset,
			Brand:          cfg.Brand,
			MinShotSeconds: cfg.MinShotSeconds,
			Resolution:     cfg.PlanResolution,
			FPS:            cfg.PlanFPS,
			Seed:           cfg.Seed,
			TakesHero:      cfg.TakesHero,
			TakesStandard:  cfg.TakesStandard,
			TakesFiller:    cfg.TakesFiller,
			Presets:        presets,
			Enhancer:       enhancer,
		}, log),
		Generator:    orchestrator.New(store, log),
		Assembler:    assembler.New(ffmpeg, log),
		Engine:       func() (engine.Engine, string, error) { return NewEngine(cfg, run, log) },
		Capabilities: store,
	}
	if cfg.Previews {
		c.Previewer = ffmpeg
	}
	return NewWithComponents(cfg, c, log), nil
}

func NewWithComponents(cfg *config.Config, c Components, log logrus.FieldLogger) *Pipeline {
	return &Pipeline{cfg: cfg, c: c, log: logging.Component(log, "pipeline")}
}

// Capabilities returns the capability store shared with the orchestrator, if any.
func (p *Pipeline) Capabilities() *capability.Store {
	return p.c.Capabilities
}

func AnalysisPath(workDir string) string  { return filepath.Join(workDir, AnalysisFile) }
func PlanPath(workDir string) string      { return filepath.Join(workDir, PlanFile) }
func ManifestPath(workDir string) string  { return filepath.Join(workDir, ManifestFile) }
func RunReportPath(workDir string) string { return filepath.Join(workDir, RunReportFile) }

// Analyze runs the analysis stage and writes audio_analysis.json.
func (p *Pipeline) Analyze(ctx context.Context, audioPath, workDir string) (*models.AudioAnalysis, error) {
	a, err := p.c.Analyzer.Analyze(ctx, audioPath)
	if err != nil {
		return nil, err
	}
	if err := fsutil.WriteJSON(AnalysisPath(workDir), a); err != nil {
		return nil, fmt.Errorf("failed to save analysis: %w", err)
	}
	p.log.Infof("[Pipeline] Analysis saved to %s", AnalysisPath(workDir))
	return a, nil
}

// Plan reads an analysis file, plans shots and writes music_video_plan.json.
func (p *Pipeline) Plan(ctx context.Context, analysisPath, theme, workDir string) (*models.MusicVideoPlan, error) {
	var a models.AudioAnalysis
	if err := fsutil.ReadJSON(analysisPath, &a); err != nil {
		return nil, models.NewStageError(models.StagePlan, analysisPath, fmt.Errorf("%w: %v", models.ErrInvalidAnalysis, err))
	}
	plan, err := p.c.Planner.Plan(ctx, &a, theme, p.cfg.TargetShotSeconds)
	if err != nil {
		return nil, err
	}
	if err := fsutil.WriteJSON(PlanPath(workDir), plan); err != nil {
		return nil, fmt.Errorf("failed to save plan: %w", err)
	}
	p.log.Infof("[Pipeline] Plan with %d shots saved to %s", len(plan.Shots), PlanPath(workDir))
	return plan, nil
}

// Generate renders takes for a plan file and writes generation_manifest.json. With resume
// set, shots whose takes survive from an earlier manifest in workDir are not rendered again.
// onShot, when non-nil, is called as each shot finishes.
func (p *Pipeline) Generate(ctx context.Context, planPath, workDir string, resume bool, onShot func(models.ShotRecord)) (*models.GenerationManifest, error) {
	var plan models.MusicVideoPlan
	if err := fsutil.ReadJSON(planPath, &plan); err != nil {
		return nil, models.NewStageError(models.StageGenerate, planPath, err)
	}
	if err := plan.Validate(); err != nil {
		return nil, models.NewStageError(models.StageGenerate, planPath, err)
	}

	var previous *models.GenerationManifest
	if resume {
		var prev models.GenerationManifest
		err := fsutil.ReadJSON(ManifestPath(workDir), &prev)
		switch {
		case err == nil:
			previous = &prev
		case !errors.Is(err, os.ErrNotExist):
			p.log.Warnf("[Pipeline] Ignoring unreadable previous manifest: %v", err)
		}
	}

	eng, root, err := p.c.Engine()
	if err != nil {
		return nil, models.NewStageError(models.StageGenerate, p.cfg.EngineBackend, err)
	}
	baseArgs, err := BaseArgs(p.cfg)
	if err != nil {
		return nil, models.NewStageError(models.StageGenerate, planPath, err)
	}

	manifest, genErr := p.c.Generator.Generate(ctx, &plan, eng, orchestrator.Options{
		MaxTakesPerShot: p.cfg.MaxTakesPerShot,
		EvolveOnFailure: p.cfg.EvolveOnFailure,
		Parallelism:     p.cfg.Parallelism,
		AttemptTimeout:  p.cfg.AttemptTimeout,
		EngineRoot:      root,
		BaseArgs:        baseArgs,
		Previous:        previous,
		OutputDir:       filepath.Join(workDir, takesDir),
		Previewer:       p.c.Previewer,
		OnShotDone:      onShot,
	})
	if manifest == nil {
		return nil, genErr
	}
	manifest.PlanPath = planPath
	if err := fsutil.WriteJSON(ManifestPath(workDir), manifest); err != nil {
		return manifest, fmt.Errorf("failed to save manifest: %w", err)
	}
	p.log.Infof("[Pipeline] Manifest saved to %s", ManifestPath(workDir))
	return manifest, genErr
}

// Assemble builds the master from a manifest file. An empty audioPath means the audio
// referenced by the manifest's plan.
func (p *Pipeline) Assemble(ctx context.Context, manifestPath, audioPath, workDir string) (*assembler.Report, error) {
	var manifest models.GenerationManifest
	if err := fsutil.ReadJSON(manifestPath, &manifest); err != nil {
		return nil, models.NewStageError(models.StageAssemble, manifestPath, err)
	}
	plan, planErr := loadPlan(manifest.PlanPath)
	if planErr == nil {
		if err := manifest.CheckAgainstPlan(plan); err != nil {
			return nil, models.NewStageError(models.StageAssemble, manifestPath, fmt.Errorf("%w: %v", models.ErrIncompleteManifest, err))
		}
	}
	if audioPath == "" {
		if planErr != nil {
			return nil, models.NewStageError(models.StageAssemble, manifestPath, fmt.Errorf("no audio path given and %v", planErr))
		}
		audioPath = plan.AudioPath
	}

	width, height, err := config.ParseResolution(p.cfg.FinalResolution)
	if err != nil {
		return nil, err
	}
	return p.c.Assembler.Assemble(ctx, audioPath, &manifest, assembler.Options{
		Width:     width,
		Height:    height,
		FPS:       p.cfg.FinalFPS,
		CRF:       p.cfg.FinalCRF,
		AllowGaps: p.cfg.AllowGaps,
		OutputDir: workDir,
	})
}

// Run executes every stage in order and writes run_report.json whenever generation
// produced a manifest, including when assembly then fails.
func (p *Pipeline) Run(ctx context.Context, audioPath, theme, workDir string) (*RunReport, error) {
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	if _, err := p.Analyze(ctx, audioPath, workDir); err != nil {
		return nil, err
	}
	plan, err := p.Plan(ctx, AnalysisPath(workDir), theme, workDir)
	if err != nil {
		return nil, err
	}
	manifest, err := p.Generate(ctx, PlanPath(workDir), workDir, true, nil)
	if manifest == nil {
		return nil, err
	}
	if err != nil {
		report := BuildRunReport(plan, manifest, nil)
		p.saveReport(workDir, report)
		return report, err
	}

	asm, asmErr := p.Assemble(ctx, ManifestPath(workDir), audioPath, workDir)
	report := BuildRunReport(plan, manifest, asm)
	p.saveReport(workDir, report)
	return report, asmErr
}

func (p *Pipeline) saveReport(workDir string, report *RunReport) {
	if err := fsutil.WriteJSON(RunReportPath(workDir), report); err != nil {
		p.log.Errorf("[Pipeline] Failed to save run report: %v", err)
	}
}

// ReportFromDir rebuilds the run report from whatever stage files exist in workDir.
func ReportFromDir(workDir string) (*RunReport, error) {
	var manifest models.GenerationManifest
	if err := fsutil.ReadJSON(ManifestPath(workDir), &manifest); err != nil {
		return nil, fmt.Errorf("no manifest in %s: %w", workDir, err)
	}
	// the plan only adds theme and warnings
	plan, _ := loadPlan(PlanPath(workDir))
	var asm *assembler.Report
	var saved assembler.Report
	if err := fsutil.ReadJSON(filepath.Join(workDir, assembler.ReportFileName), &saved); err == nil {
		asm = &saved
	}
	return BuildRunReport(plan, &manifest, asm), nil
}

func loadPlan(path string) (*models.MusicVideoPlan, error) {
	if path == "" {
		return nil, fmt.Errorf("manifest does not reference a plan")
	}
	var plan models.MusicVideoPlan
	if err := fsutil.ReadJSON(path, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}
