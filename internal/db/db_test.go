package db

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/bobarin/beatsync/internal/models"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	database, err := New(url)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return database
}

func TestRunLifecycle(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()

	run := &models.Run{
		ID:        uuid.New(),
		AudioPath: "/music/song.wav",
		Theme:     "neon city",
		Stage:     models.StageAnalyze,
		Status:    models.RunStatusQueued,
		Options:   models.JSONB{"style_preset": "cinematic"},
		WorkDir:   "/tmp/beatsync/run",
	}
	if err := database.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	t.Cleanup(func() { database.ExecContext(ctx, `DELETE FROM runs WHERE id = $1`, run.ID) })

	if err := database.UpdateRunStage(ctx, run.ID, models.StageGenerate, models.RunStatusRunning); err != nil {
		t.Fatal(err)
	}
	manifest := "/tmp/beatsync/run/generation_manifest.json"
	run.ManifestPath = &manifest
	if err := database.UpdateRunArtifacts(ctx, run); err != nil {
		t.Fatal(err)
	}

	got, err := database.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Stage != models.StageGenerate || got.Status != models.RunStatusRunning {
		t.Errorf("stage/status = %s/%s", got.Stage, got.Status)
	}
	if got.ManifestPath == nil || *got.ManifestPath != manifest {
		t.Errorf("manifest path = %v", got.ManifestPath)
	}
	if got.Options["style_preset"] != "cinematic" {
		t.Errorf("options = %v", got.Options)
	}

	for _, outcome := range []models.ShotOutcome{models.OutcomeExhausted, models.OutcomeAdjusted} {
		rec := &models.ShotOutcomeRecord{RunID: run.ID, ShotIndex: 0, ShotID: "shot_000", Attempts: 3, Outcome: outcome}
		if err := database.UpsertShotOutcome(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
	shots, err := database.ListShotOutcomes(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(shots) != 1 || shots[0].Outcome != models.OutcomeAdjusted {
		t.Errorf("shots = %+v", shots)
	}

	if err := database.UpdateRunError(ctx, run.ID, "assemble: incomplete manifest"); err != nil {
		t.Fatal(err)
	}
	runs, err := database.ListRuns(ctx, string(models.RunStatusFailed), 100, 0)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, r := range runs {
		if r.ID == run.ID {
			found = true
		}
	}
	if !found {
		t.Error("failed run missing from filtered list")
	}
}

func TestGetRunNotFound(t *testing.T) {
	database := testDB(t)
	_, err := database.GetRun(context.Background(), uuid.New())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
