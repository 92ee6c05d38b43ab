package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/bobarin/beatsync/internal/models"
)

const runColumns = `
	id, audio_path, theme, stage, status, options, work_dir,
	analysis_path, plan_path, manifest_path, master_path, master_url,
	error_message, created_at, updated_at
`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner, run *models.Run) error {
	return row.Scan(
		&run.ID, &run.AudioPath, &run.Theme, &run.Stage, &run.Status, &run.Options, &run.WorkDir,
		&run.AnalysisPath, &run.PlanPath, &run.ManifestPath, &run.MasterPath, &run.MasterURL,
		&run.ErrorMessage, &run.CreatedAt, &run.UpdatedAt,
	)
}

func (db *DB) CreateRun(ctx context.Context, run *models.Run) error {
	query := `
		INSERT INTO runs (id, audio_path, theme, stage, status, options, work_dir)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`

	return db.QueryRowContext(
		ctx, query,
		run.ID, run.AudioPath, run.Theme, run.Stage, run.Status, run.Options, run.WorkDir,
	).Scan(&run.CreatedAt, &run.UpdatedAt)
}

func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = $1`

	run := &models.Run{}
	err := scanRun(db.QueryRowContext(ctx, query, id), run)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// ListRuns returns runs newest first, optionally filtered by status.
func (db *DB) ListRuns(ctx context.Context, status string, limit, offset int) ([]models.Run, error) {
	var (
		rows *sql.Rows
		err  error
	)

	baseSelect := `SELECT ` + runColumns + ` FROM runs`
	if status != "" {
		rows, err = db.QueryContext(ctx, baseSelect+` WHERE status = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, status, limit, offset)
	} else {
		rows, err = db.QueryContext(ctx, baseSelect+` ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		var run models.Run
		if err := scanRun(rows, &run); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

func (db *DB) CountRuns(ctx context.Context, status string) (int, error) {
	var count int
	if status != "" {
		err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE status = $1`, status).Scan(&count)
		return count, err
	}
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&count)
	return count, err
}

func (db *DB) UpdateRunStage(ctx context.Context, id uuid.UUID, stage models.RunStage, status models.RunStatus) error {
	query := `UPDATE runs SET stage = $1, status = $2, updated_at = NOW() WHERE id = $3`
	_, err := db.ExecContext(ctx, query, stage, status, id)
	return err
}

// UpdateRunArtifacts stores the artifact paths and master URL currently set on run.
func (db *DB) UpdateRunArtifacts(ctx context.Context, run *models.Run) error {
	query := `
		UPDATE runs
		SET analysis_path = $1, plan_path = $2, manifest_path = $3,
			master_path = $4, master_url = $5, updated_at = NOW()
		WHERE id = $6
	`
	_, err := db.ExecContext(ctx, query,
		run.AnalysisPath, run.PlanPath, run.ManifestPath, run.MasterPath, run.MasterURL, run.ID)
	return err
}

func (db *DB) UpdateRunError(ctx context.Context, id uuid.UUID, errorMessage string) error {
	query := `
		UPDATE runs
		SET status = $1, error_message = $2, updated_at = NOW()
		WHERE id = $3
	`
	_, err := db.ExecContext(ctx, query, models.RunStatusFailed, errorMessage, id)
	return err
}
