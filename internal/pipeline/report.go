package pipeline

import (
	"time"

	"github.com/bobarin/beatsync/internal/assembler"
	"github.com/bobarin/beatsync/internal/models"
)

// ShotSummary is one line of the run report.
type ShotSummary struct {
	ShotIndex   int                `json:"shot_index"`
	ShotID      string             `json:"shot_id"`
	Attempts    int                `json:"attempts"`
	Outcome     models.ShotOutcome `json:"outcome"`
	Summary     string             `json:"summary"`
	Adjustments []string           `json:"adjustments,omitempty"`
	Error       string             `json:"error,omitempty"`
}

type RunReport struct {
	AudioPath  string                     `json:"audio_path,omitempty"`
	Theme      string                     `json:"theme,omitempty"`
	Engine     string                     `json:"engine"`
	Shots      []ShotSummary              `json:"shots"`
	Outcomes   map[models.ShotOutcome]int `json:"outcomes"`
	MasterPath string                     `json:"master_path,omitempty"`
	Assembly   *assembler.Report          `json:"assembly,omitempty"`
	Warnings   []string                   `json:"warnings,omitempty"`
	CreatedAt  time.Time                  `json:"created_at"`
}

// OutcomeSummary is the human-readable form of a shot outcome.
func OutcomeSummary(o models.ShotOutcome) string {
	switch o {
	case models.OutcomeAdjusted:
		return "finished with learned adjustments"
	case models.OutcomeClean:
		return "finished with no issues"
	case models.OutcomeExhausted:
		return "exhausted, shot missing from output"
	case models.OutcomeCancelled:
		return "cancelled"
	default:
		return "pending"
	}
}

// BuildRunReport summarizes a run. plan and asm may be nil.
func BuildRunReport(plan *models.MusicVideoPlan, manifest *models.GenerationManifest, asm *assembler.Report) *RunReport {
	r := &RunReport{
		Engine:    manifest.Engine,
		Shots:     make([]ShotSummary, 0, len(manifest.Shots)),
		Outcomes:  map[models.ShotOutcome]int{},
		Assembly:  asm,
		CreatedAt: time.Now().UTC(),
	}
	if plan != nil {
		r.AudioPath = plan.AudioPath
		r.Theme = plan.Theme
		r.Warnings = append(r.Warnings, plan.Warnings...)
	}
	if asm != nil {
		r.MasterPath = asm.OutputPath
		r.Warnings = append(r.Warnings, asm.Warnings...)
	}

	for _, rec := range manifest.Shots {
		s := ShotSummary{
			ShotIndex: rec.ShotIndex,
			ShotID:    rec.ShotID,
			Attempts:  len(rec.Attempts),
			Outcome:   rec.Outcome,
			Summary:   OutcomeSummary(rec.Outcome),
			Error:     rec.Error,
		}
		for _, a := range rec.Attempts {
			if a.Adjustment != "" {
				s.Adjustments = append(s.Adjustments, a.Adjustment)
			}
		}
		r.Outcomes[rec.Outcome]++
		r.Shots = append(r.Shots, s)
	}
	return r
}
