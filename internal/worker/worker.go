package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bobarin/beatsync/internal/assembler"
	"github.com/bobarin/beatsync/internal/config"
	"github.com/bobarin/beatsync/internal/fsutil"
	"github.com/bobarin/beatsync/internal/logging"
	"github.com/bobarin/beatsync/internal/models"
	"github.com/bobarin/beatsync/internal/pipeline"
	"github.com/bobarin/beatsync/internal/queue"
)

const dequeueTimeout = 5 * time.Second

type Store interface {
	GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error)
	UpdateRunStage(ctx context.Context, id uuid.UUID, stage models.RunStage, status models.RunStatus) error
	UpdateRunArtifacts(ctx context.Context, run *models.Run) error
	UpdateRunError(ctx context.Context, id uuid.UUID, errorMessage string) error
	UpsertShotOutcome(ctx context.Context, rec *models.ShotOutcomeRecord) error
}

type Queue interface {
	Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*queue.Job, error)
	EnqueueStage(ctx context.Context, stage models.RunStage, runID uuid.UUID) error
}

// Publisher uploads a finished run and returns the master's URL.
type Publisher interface {
	PublishRun(ctx context.Context, runID uuid.UUID, masterPath string, sideFiles ...string) (string, error)
}

// Stages is the part of pipeline.Pipeline the worker drives.
type Stages interface {
	Analyze(ctx context.Context, audioPath, workDir string) (*models.AudioAnalysis, error)
	Plan(ctx context.Context, analysisPath, theme, workDir string) (*models.MusicVideoPlan, error)
	Generate(ctx context.Context, planPath, workDir string, resume bool, onShot func(models.ShotRecord)) (*models.GenerationManifest, error)
	Assemble(ctx context.Context, manifestPath, audioPath, workDir string) (*assembler.Report, error)
}

// StagesFactory builds the stages for one run's configuration.
type StagesFactory func(cfg *config.Config) (Stages, error)

type Worker struct {
	db        Store
	queue     Queue
	publisher Publisher // nil when Supabase is not configured
	cfg       *config.Config
	stages    StagesFactory
	uploadSem chan struct{}
	log       logrus.FieldLogger
}

func New(store Store, q Queue, publisher Publisher, cfg *config.Config, stages StagesFactory, log logrus.FieldLogger) *Worker {
	if stages == nil {
		stages = func(c *config.Config) (Stages, error) { return pipeline.New(c, log) }
	}
	return &Worker{
		db:        store,
		queue:     q,
		publisher: publisher,
		cfg:       cfg,
		stages:    stages,
		uploadSem: make(chan struct{}, 2),
		log:       logging.Component(log, "worker"),
	}
}

// Start consumes every stage queue with concurrency consumers each until ctx is done.
func (w *Worker) Start(ctx context.Context, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	w.log.Infof("[Worker] Started with concurrency: %d", concurrency)

	var g errgroup.Group
	for _, stage := range queue.Stages {
		name, err := queue.Name(stage)
		if err != nil {
			w.log.Errorf("[Worker] %v", err)
			continue
		}
		for i := 0; i < concurrency; i++ {
			g.Go(func() error {
				w.processQueue(ctx, name)
				return nil
			})
		}
	}
	_ = g.Wait()
	w.log.Info("[Worker] Shutting down")
}

func (w *Worker) processQueue(ctx context.Context, queueName string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.queue.Dequeue(ctx, queueName, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Errorf("[Worker] Error dequeuing from %s: %v", queueName, err)
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}

		w.log.Infof("[Worker] Processing job %s (stage: %s, run: %s)", job.ID, job.Stage, job.RunID)
		if err := w.handleJob(ctx, job); err != nil {
			w.log.Errorf("[Worker] Run %s failed at %s: %v", job.RunID, job.Stage, err)
			if dbErr := w.db.UpdateRunError(context.Background(), job.RunID, err.Error()); dbErr != nil {
				w.log.Errorf("[Worker] Failed to record error for run %s: %v", job.RunID, dbErr)
			}
		}
	}
}

// handleJob runs one stage of a run and queues the next one.
func (w *Worker) handleJob(ctx context.Context, job *queue.Job) error {
	run, err := w.db.GetRun(ctx, job.RunID)
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}
	if err := w.db.UpdateRunStage(ctx, run.ID, job.Stage, models.RunStatusRunning); err != nil {
		return fmt.Errorf("failed to update run stage: %w", err)
	}
	if err := os.MkdirAll(run.WorkDir, 0755); err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}

	stages, err := w.stages(RunConfig(w.cfg, run.Options))
	if err != nil {
		return err
	}

	dir := run.WorkDir
	switch job.Stage {
	case models.StageAnalyze:
		if _, err := stages.Analyze(ctx, run.AudioPath, dir); err != nil {
			return err
		}
		run.AnalysisPath = strPtr(pipeline.AnalysisPath(dir))

	case models.StagePlan:
		if _, err := stages.Plan(ctx, pipeline.AnalysisPath(dir), run.Theme, dir); err != nil {
			return err
		}
		run.PlanPath = strPtr(pipeline.PlanPath(dir))

	case models.StageGenerate:
		manifest, err := stages.Generate(ctx, pipeline.PlanPath(dir), dir, true, w.recordShot(ctx, run.ID))
		if manifest != nil {
			run.ManifestPath = strPtr(pipeline.ManifestPath(dir))
			w.saveArtifacts(run)
		}
		if err != nil {
			return err
		}

	case models.StageAssemble:
		report, err := stages.Assemble(ctx, pipeline.ManifestPath(dir), run.AudioPath, dir)
		w.saveRunReport(dir, report)
		if err != nil {
			return err
		}
		run.MasterPath = strPtr(report.OutputPath)
		if w.publisher != nil {
			url, err := w.publish(ctx, run, report)
			if err != nil {
				return err
			}
			run.MasterURL = &url
		}

	default:
		return fmt.Errorf("unknown stage %q", job.Stage)
	}

	if err := w.db.UpdateRunArtifacts(ctx, run); err != nil {
		return fmt.Errorf("failed to save run artifacts: %w", err)
	}

	next := queue.Next(job.Stage)
	if next == models.StageDone {
		w.log.Infof("[Worker] Run %s completed", run.ID)
		return w.db.UpdateRunStage(ctx, run.ID, models.StageDone, models.RunStatusCompleted)
	}
	if err := w.db.UpdateRunStage(ctx, run.ID, next, models.RunStatusQueued); err != nil {
		return fmt.Errorf("failed to update run stage: %w", err)
	}
	return w.queue.EnqueueStage(ctx, next, run.ID)
}

// recordShot stores each shot outcome as soon as the orchestrator settles it.
func (w *Worker) recordShot(ctx context.Context, runID uuid.UUID) func(models.ShotRecord) {
	return func(rec models.ShotRecord) {
		out := &models.ShotOutcomeRecord{
			RunID:     runID,
			ShotIndex: rec.ShotIndex,
			ShotID:    rec.ShotID,
			Attempts:  len(rec.Attempts),
			Outcome:   rec.Outcome,
		}
		if rec.Error != "" {
			out.Error = strPtr(rec.Error)
		}
		if err := w.db.UpsertShotOutcome(context.WithoutCancel(ctx), out); err != nil {
			w.log.Warnf("[Worker] Failed to record shot %s of run %s: %v", rec.ShotID, runID, err)
		}
	}
}

func (w *Worker) saveArtifacts(run *models.Run) {
	if err := w.db.UpdateRunArtifacts(context.Background(), run); err != nil {
		w.log.Warnf("[Worker] Failed to save artifacts of run %s: %v", run.ID, err)
	}
}

// saveRunReport writes run_report.json from the stage files, including after a failed assembly.
func (w *Worker) saveRunReport(dir string, asm *assembler.Report) {
	report, err := pipeline.ReportFromDir(dir)
	if err != nil {
		w.log.Warnf("[Worker] No run report for %s: %v", dir, err)
		return
	}
	if asm != nil {
		report.Assembly = asm
		report.MasterPath = asm.OutputPath
	}
	if err := fsutil.WriteJSON(pipeline.RunReportPath(dir), report); err != nil {
		w.log.Warnf("[Worker] Failed to save run report: %v", err)
	}
}

// publish uploads the finished run, holding one of the upload slots.
func (w *Worker) publish(ctx context.Context, run *models.Run, report *assembler.Report) (string, error) {
	select {
	case w.uploadSem <- struct{}{}:
	case <-ctx.Done():
		return "", fmt.Errorf("publish cancelled while waiting for slot: %w", ctx.Err())
	}
	defer func() { <-w.uploadSem }()

	url, err := w.publisher.PublishRun(ctx, run.ID, report.OutputPath,
		report.ReportPath, pipeline.RunReportPath(run.WorkDir), pipeline.ManifestPath(run.WorkDir))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", models.ErrCancelled
		}
		return "", err
	}
	return url, nil
}

// RunConfig overlays a run's stored options on the server configuration.
func RunConfig(base *config.Config, options models.JSONB) *config.Config {
	cfg := *base
	if v, ok := options["style_preset"].(string); ok && v != "" {
		cfg.StylePreset = v
	}
	if v, ok := options["target_shot_seconds"].(float64); ok && v > 0 {
		cfg.TargetShotSeconds = v
	}
	if v, ok := options["brand"].(string); ok {
		cfg.Brand = v
	}
	if v, ok := options["allow_gaps"].(bool); ok {
		cfg.AllowGaps = v
	}
	return &cfg
}

func strPtr(s string) *string {
	return &s
}
