package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Enums
type Confidence string

const (
	ConfidenceHigh Confidence = "high"
	ConfidenceLow  Confidence = "low"
)

type AnalysisBackend string

const (
	BackendAubio     AnalysisBackend = "aubio"
	BackendEnergyACF AnalysisBackend = "energy-autocorrelation"
	BackendFixedGrid AnalysisBackend = "fixed-grid"
)

type Energy string

const (
	EnergyLow    Energy = "low"
	EnergyMedium Energy = "medium"
	EnergyHigh   Energy = "high"
)

type ShotPosition string

const (
	PositionOpening   ShotPosition = "opening"
	PositionBuild     ShotPosition = "build"
	PositionClimax    ShotPosition = "climax"
	PositionBreakdown ShotPosition = "breakdown"
	PositionOutro     ShotPosition = "outro"
)

type ShotPriority string

const (
	PriorityHero     ShotPriority = "hero"
	PriorityStandard ShotPriority = "standard"
	PriorityFiller   ShotPriority = "filler"
)

type TakeStatus string

const (
	TakeStatusPending   TakeStatus = "pending"
	TakeStatusSucceeded TakeStatus = "succeeded"
	TakeStatusFailed    TakeStatus = "failed"
)

type ShotOutcome string

const (
	OutcomePending   ShotOutcome = "pending"
	OutcomeClean     ShotOutcome = "clean"
	OutcomeAdjusted  ShotOutcome = "adjusted"
	OutcomeExhausted ShotOutcome = "exhausted"
	OutcomeCancelled ShotOutcome = "cancelled"
)

// Terminal reports whether the outcome ends the shot's record.
func (o ShotOutcome) Terminal() bool {
	return o != OutcomePending && o != ""
}

type RunStage string

const (
	StageAnalyze  RunStage = "analyze"
	StagePlan     RunStage = "plan"
	StageGenerate RunStage = "generate"
	StageAssemble RunStage = "assemble"
	StageDone     RunStage = "done"
)

type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("unsupported JSONB source type %T", value)
	}
	return json.Unmarshal(bytes, j)
}

// Audio analysis

type Section struct {
	Start  float64 `json:"start"`
	End    float64 `json:"end"`
	Label  string  `json:"label"`
	Energy Energy  `json:"energy,omitempty"`
}

func (s Section) Duration() float64 {
	return s.End - s.Start
}

type EnergyPoint struct {
	Time   float64 `json:"time"`
	Energy float64 `json:"energy"`
}

// AudioAnalysis is written once per track and never modified afterwards.
type AudioAnalysis struct {
	SourcePath      string          `json:"source_path,omitempty"`
	DurationSeconds float64         `json:"duration_seconds"`
	BPM             float64         `json:"bpm"`
	BeatTimes       []float64       `json:"beat_times"`
	Downbeats       []float64       `json:"downbeats,omitempty"`
	Sections        []Section       `json:"sections"`
	Confidence      Confidence      `json:"confidence"`
	Backend         AnalysisBackend `json:"backend,omitempty"`
	EnergyCurve     []EnergyPoint   `json:"energy_curve,omitempty"`
	Warnings        []string        `json:"warnings,omitempty"`
	AnalyzedAt      time.Time       `json:"analyzed_at"`
}

// Shot planning

type ShotDescriptor struct {
	Index          int          `json:"index"`
	ID             string       `json:"id"`
	StartTime      float64      `json:"start_time"`
	EndTime        float64      `json:"end_time"`
	Duration       float64      `json:"duration"`
	Prompt         string       `json:"prompt"`
	NegativePrompt string       `json:"negative_prompt,omitempty"`
	SectionLabel   string       `json:"section_label"`
	Energy         Energy       `json:"energy,omitempty"`
	Position       ShotPosition `json:"position"`
	Priority       ShotPriority `json:"priority"`
	CameraMove     string       `json:"camera_move,omitempty"`
	Takes          int          `json:"takes"`
}

type MusicVideoPlan struct {
	AudioPath         string           `json:"audio_path,omitempty"`
	Theme             string           `json:"theme"`
	StylePreset       string           `json:"style_preset"`
	TargetShotSeconds float64          `json:"target_shot_seconds"`
	DurationSeconds   float64          `json:"duration_seconds"`
	BPM               float64          `json:"bpm"`
	Confidence        Confidence       `json:"confidence"`
	SnapTolerance     float64          `json:"snap_tolerance"`
	Resolution        string           `json:"resolution"`
	FPS               int              `json:"fps"`
	Seed              int64            `json:"seed"`
	Shots             []ShotDescriptor `json:"shots"`
	Warnings          []string         `json:"warnings,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
}

// Take generation

// TakeAttempt is one render invocation. It is never changed after its status turns terminal.
type TakeAttempt struct {
	ShotIndex       int               `json:"shot_index"`
	AttemptNumber   int               `json:"attempt_number"`
	EngineArguments map[string]string `json:"engine_arguments"`
	Status          TakeStatus        `json:"status"`
	FailureReason   string            `json:"failure_reason,omitempty"`
	OutputPath      string            `json:"output_path,omitempty"`
	PreviewPath     string            `json:"preview_path,omitempty"`
	ExitCode        int               `json:"exit_code"`
	Signature       string            `json:"signature,omitempty"`
	Adjustment      string            `json:"adjustment,omitempty"`
	DurationSeconds float64           `json:"duration_seconds"`
	StartedAt       time.Time         `json:"started_at"`
}

type ShotRecord struct {
	ShotIndex    int           `json:"shot_index"`
	ShotID       string        `json:"shot_id"`
	StartTime    float64       `json:"start_time"`
	EndTime      float64       `json:"end_time"`
	Attempts     []TakeAttempt `json:"attempts"`
	SelectedTake *int          `json:"selected_take"`
	Outcome      ShotOutcome   `json:"outcome"`
	Error        string        `json:"error,omitempty"`
}

// Selected returns the selected attempt, or nil when the shot has none.
func (r *ShotRecord) Selected() *TakeAttempt {
	if r.SelectedTake == nil {
		return nil
	}
	for i := range r.Attempts {
		if r.Attempts[i].AttemptNumber == *r.SelectedTake {
			return &r.Attempts[i]
		}
	}
	return nil
}

type GenerationManifest struct {
	PlanPath        string       `json:"plan_path,omitempty"`
	Engine          string       `json:"engine"`
	EngineRoot      string       `json:"engine_root,omitempty"`
	MaxTakesPerShot int          `json:"max_takes_per_shot"`
	EvolveOnFailure bool         `json:"evolve_on_failure"`
	Shots           []ShotRecord `json:"shots"`
	Frozen          bool         `json:"frozen"`
	StartedAt       time.Time    `json:"started_at"`
	FinishedAt      *time.Time   `json:"finished_at,omitempty"`
}

// Capability state

type Incident struct {
	Signature string    `json:"signature"`
	Detail    string    `json:"detail"`
	At        time.Time `json:"at"`
}

// CapabilityState is keyed by engine root. Entries are only ever added or overwritten.
type CapabilityState struct {
	Version                  int               `json:"version"`
	UnsupportedFlags         []string          `json:"unsupported_flags"`
	AttentionBackendFallback map[string]string `json:"attention_backend_fallback"`
	Incidents                []Incident        `json:"incidents,omitempty"`
	LastUpdated              time.Time         `json:"last_updated"`
}

// Adjustment is a learned change to the capability state.
type Adjustment struct {
	Signature         string            `json:"signature"`
	UnsupportedFlags  []string          `json:"unsupported_flags,omitempty"`
	AttentionFallback map[string]string `json:"attention_fallback,omitempty"`
	Evidence          string            `json:"evidence,omitempty"`
}

// Empty reports whether the adjustment changes nothing.
func (a Adjustment) Empty() bool {
	return len(a.UnsupportedFlags) == 0 && len(a.AttentionFallback) == 0
}

// Serve mode

type Run struct {
	ID           uuid.UUID `json:"id"`
	AudioPath    string    `json:"audio_path"`
	Theme        string    `json:"theme"`
	Stage        RunStage  `json:"stage"`
	Status       RunStatus `json:"status"`
	Options      JSONB     `json:"options,omitempty"`
	WorkDir      string    `json:"work_dir"`
	AnalysisPath *string   `json:"analysis_path,omitempty"`
	PlanPath     *string   `json:"plan_path,omitempty"`
	ManifestPath *string   `json:"manifest_path,omitempty"`
	MasterPath   *string   `json:"master_path,omitempty"`
	MasterURL    *string   `json:"master_url,omitempty"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type ShotOutcomeRecord struct {
	RunID     uuid.UUID   `json:"run_id"`
	ShotIndex int         `json:"shot_index"`
	ShotID    string      `json:"shot_id"`
	Attempts  int         `json:"attempts"`
	Outcome   ShotOutcome `json:"outcome"`
	Error     *string     `json:"error,omitempty"`
}

// API Request/Response types
type CreateRunRequest struct {
	AudioPath         string   `json:"audio_path"`
	Theme             string   `json:"theme"`
	StylePreset       *string  `json:"style_preset,omitempty"`
	TargetShotSeconds *float64 `json:"target_shot_seconds,omitempty"`
	Brand             *string  `json:"brand,omitempty"`
	AllowGaps         *bool    `json:"allow_gaps,omitempty"`
}

type CreateRunResponse struct {
	RunID  uuid.UUID `json:"run_id"`
	Status RunStatus `json:"status"`
}

type ListRunsResponse struct {
	Runs   []Run `json:"runs"`
	Total  int   `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

type RunResponse struct {
	Run
	Shots []ShotOutcomeRecord `json:"shots"`
}
