package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/bobarin/beatsync/internal/models"
)

// UpsertShotOutcome records the latest outcome of a shot. A resumed run overwrites it.
func (db *DB) UpsertShotOutcome(ctx context.Context, rec *models.ShotOutcomeRecord) error {
	query := `
		INSERT INTO shot_outcomes (run_id, shot_index, shot_id, attempts, outcome, error)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id, shot_index) DO UPDATE
		SET shot_id = EXCLUDED.shot_id, attempts = EXCLUDED.attempts,
			outcome = EXCLUDED.outcome, error = EXCLUDED.error, updated_at = NOW()
	`
	_, err := db.ExecContext(ctx, query, rec.RunID, rec.ShotIndex, rec.ShotID, rec.Attempts, rec.Outcome, rec.Error)
	return err
}

func (db *DB) ListShotOutcomes(ctx context.Context, runID uuid.UUID) ([]models.ShotOutcomeRecord, error) {
	query := `
		SELECT run_id, shot_index, shot_id, attempts, outcome, error
		FROM shot_outcomes
		WHERE run_id = $1
		ORDER BY shot_index
	`

	rows, err := db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query shot outcomes: %w", err)
	}
	defer rows.Close()

	var recs []models.ShotOutcomeRecord
	for rows.Next() {
		var rec models.ShotOutcomeRecord
		if err := rows.Scan(&rec.RunID, &rec.ShotIndex, &rec.ShotID, &rec.Attempts, &rec.Outcome, &rec.Error); err != nil {
			return nil, fmt.Errorf("failed to scan shot outcome: %w", err)
		}
		recs = append(recs, rec)
	}

	return recs, rows.Err()
}
