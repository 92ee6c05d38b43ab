package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bobarin/beatsync/internal/assembler"
	"github.com/bobarin/beatsync/internal/config"
	"github.com/bobarin/beatsync/internal/fsutil"
	"github.com/bobarin/beatsync/internal/logging"
	"github.com/bobarin/beatsync/internal/models"
	"github.com/bobarin/beatsync/internal/pipeline"
	"github.com/bobarin/beatsync/internal/queue"
)

type memStore struct {
	mu     sync.Mutex
	runs   map[uuid.UUID]*models.Run
	shots  []models.ShotOutcomeRecord
	errMsg string
}

func (m *memStore) GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *run
	return &cp, nil
}

func (m *memStore) UpdateRunStage(ctx context.Context, id uuid.UUID, stage models.RunStage, status models.RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[id].Stage = stage
	m.runs[id].Status = status
	return nil
}

func (m *memStore) UpdateRunArtifacts(ctx context.Context, run *models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.runs[run.ID]
	r.AnalysisPath, r.PlanPath, r.ManifestPath = run.AnalysisPath, run.PlanPath, run.ManifestPath
	r.MasterPath, r.MasterURL = run.MasterPath, run.MasterURL
	return nil
}

func (m *memStore) UpdateRunError(ctx context.Context, id uuid.UUID, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[id].Status = models.RunStatusFailed
	m.errMsg = msg
	return nil
}

func (m *memStore) UpsertShotOutcome(ctx context.Context, rec *models.ShotOutcomeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shots = append(m.shots, *rec)
	return nil
}

type memQueue struct {
	queued []models.RunStage
}

func (q *memQueue) Dequeue(ctx context.Context, name string, timeout time.Duration) (*queue.Job, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (q *memQueue) EnqueueStage(ctx context.Context, stage models.RunStage, runID uuid.UUID) error {
	q.queued = append(q.queued, stage)
	return nil
}

type fakeStages struct {
	cfg         *config.Config
	calls       []string
	assembleErr error
}

func (f *fakeStages) Analyze(ctx context.Context, audioPath, workDir string) (*models.AudioAnalysis, error) {
	f.calls = append(f.calls, "analyze "+audioPath)
	return &models.AudioAnalysis{}, nil
}

func (f *fakeStages) Plan(ctx context.Context, analysisPath, theme, workDir string) (*models.MusicVideoPlan, error) {
	f.calls = append(f.calls, "plan "+theme)
	return &models.MusicVideoPlan{}, nil
}

func (f *fakeStages) Generate(ctx context.Context, planPath, workDir string, resume bool, onShot func(models.ShotRecord)) (*models.GenerationManifest, error) {
	f.calls = append(f.calls, "generate")
	m := &models.GenerationManifest{Engine: "fake", Frozen: true}
	for i, outcome := range []models.ShotOutcome{models.OutcomeClean, models.OutcomeExhausted} {
		rec := models.ShotRecord{ShotIndex: i, ShotID: "shot", Outcome: outcome, Attempts: make([]models.TakeAttempt, i+1)}
		if outcome == models.OutcomeExhausted {
			rec.Error = "shot exhausted all takes: render failure"
		}
		m.Shots = append(m.Shots, rec)
		onShot(rec)
	}
	if err := fsutil.WriteJSON(pipeline.ManifestPath(workDir), m); err != nil {
		return nil, err
	}
	return m, nil
}

func (f *fakeStages) Assemble(ctx context.Context, manifestPath, audioPath, workDir string) (*assembler.Report, error) {
	f.calls = append(f.calls, "assemble "+audioPath)
	if f.assembleErr != nil {
		return nil, f.assembleErr
	}
	return &assembler.Report{OutputPath: filepath.Join(workDir, assembler.MasterFileName)}, nil
}

type fakePublisher struct {
	files []string
}

func (p *fakePublisher) PublishRun(ctx context.Context, runID uuid.UUID, master string, side ...string) (string, error) {
	p.files = append([]string{master}, side...)
	return "https://cdn.example/" + runID.String() + "/master.mp4", nil
}

func setup(t *testing.T, options models.JSONB) (*Worker, *memStore, *memQueue, *fakeStages, *fakePublisher, *models.Run) {
	t.Helper()
	run := &models.Run{
		ID:        uuid.New(),
		AudioPath: "/music/song.wav",
		Theme:     "desert",
		Options:   options,
		WorkDir:   filepath.Join(t.TempDir(), "run"),
	}
	store := &memStore{runs: map[uuid.UUID]*models.Run{run.ID: run}}
	q := &memQueue{}
	stages := &fakeStages{}
	pub := &fakePublisher{}
	base := &config.Config{TargetShotSeconds: 4, StylePreset: "cinematic"}
	w := New(store, q, pub, base, func(cfg *config.Config) (Stages, error) {
		stages.cfg = cfg
		return stages, nil
	}, logging.Discard())
	return w, store, q, stages, pub, run
}

func TestStagesAdvanceToCompletion(t *testing.T) {
	w, store, q, stages, pub, run := setup(t, nil)
	ctx := context.Background()

	for _, stage := range queue.Stages {
		if err := w.handleJob(ctx, &queue.Job{ID: uuid.New(), Stage: stage, RunID: run.ID}); err != nil {
			t.Fatalf("%s: %v", stage, err)
		}
	}

	want := []models.RunStage{models.StagePlan, models.StageGenerate, models.StageAssemble}
	if len(q.queued) != len(want) {
		t.Fatalf("queued = %v", q.queued)
	}
	for i := range want {
		if q.queued[i] != want[i] {
			t.Errorf("queued[%d] = %s, want %s", i, q.queued[i], want[i])
		}
	}

	got := store.runs[run.ID]
	if got.Stage != models.StageDone || got.Status != models.RunStatusCompleted {
		t.Errorf("final stage/status = %s/%s", got.Stage, got.Status)
	}
	if got.AnalysisPath == nil || got.PlanPath == nil || got.ManifestPath == nil || got.MasterPath == nil {
		t.Errorf("artifacts missing: %+v", got)
	}
	if got.MasterURL == nil || *got.MasterURL != "https://cdn.example/"+run.ID.String()+"/master.mp4" {
		t.Errorf("master url = %v", got.MasterURL)
	}
	if len(pub.files) == 0 || filepath.Base(pub.files[0]) != assembler.MasterFileName {
		t.Errorf("published = %v", pub.files)
	}

	if len(store.shots) != 2 || store.shots[1].Outcome != models.OutcomeExhausted || store.shots[1].Error == nil || store.shots[1].Attempts != 2 {
		t.Errorf("shot outcomes = %+v", store.shots)
	}
	if stages.calls[0] != "analyze /music/song.wav" || stages.calls[1] != "plan desert" || stages.calls[3] != "assemble /music/song.wav" {
		t.Errorf("calls = %v", stages.calls)
	}
	if !fsutil.Exists(pipeline.RunReportPath(run.WorkDir)) {
		t.Error("run report not written")
	}
}

func TestAssembleFailureStillWritesReport(t *testing.T) {
	w, _, q, stages, _, run := setup(t, nil)
	stages.assembleErr = models.NewStageError(models.StageAssemble, "manifest", models.ErrIncompleteManifest)
	ctx := context.Background()

	if err := w.handleJob(ctx, &queue.Job{Stage: models.StageGenerate, RunID: run.ID}); err != nil {
		t.Fatal(err)
	}
	err := w.handleJob(ctx, &queue.Job{Stage: models.StageAssemble, RunID: run.ID})
	if !errors.Is(err, models.ErrIncompleteManifest) {
		t.Fatalf("expected ErrIncompleteManifest, got %v", err)
	}
	if !fsutil.Exists(pipeline.RunReportPath(run.WorkDir)) {
		t.Error("run report should be written after a failed assembly")
	}
	if len(q.queued) != 1 {
		t.Errorf("nothing should be queued after a failure, got %v", q.queued)
	}
}

func TestRunOptionsOverrideConfig(t *testing.T) {
	w, _, _, stages, _, run := setup(t, models.JSONB{
		"style_preset":        "abstract",
		"target_shot_seconds": 6.0,
		"brand":               "Acme",
		"allow_gaps":          true,
	})
	if err := w.handleJob(context.Background(), &queue.Job{Stage: models.StageAnalyze, RunID: run.ID}); err != nil {
		t.Fatal(err)
	}
	cfg := stages.cfg
	if cfg.StylePreset != "abstract" || cfg.TargetShotSeconds != 6 || cfg.Brand != "Acme" || !cfg.AllowGaps {
		t.Errorf("cfg = %+v", cfg)
	}
	if w.cfg.StylePreset != "cinematic" {
		t.Error("base config must not change")
	}
}

func TestStartReturnsOnCancel(t *testing.T) {
	w, _, _, _, _, _ := setup(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx, 2)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
