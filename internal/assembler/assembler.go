package assembler

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bobarin/beatsync/internal/fsutil"
	"github.com/bobarin/beatsync/internal/logging"
	"github.com/bobarin/beatsync/internal/models"
	"github.com/bobarin/beatsync/internal/services"
)

const (
	DefaultWidth  = 1280
	DefaultHeight = 720
	DefaultFPS    = 24
	DefaultCRF    = 18

	MasterFileName = "music_video_master.mp4"
	ReportFileName = "assembly_report.json"
)

// Media is the slice of the ffmpeg service assembly needs.
type Media interface {
	Probe(ctx context.Context, path string) (services.MediaInfo, error)
	NormalizeClip(ctx context.Context, inputPath, outputPath string, spec services.ClipSpec) error
	RenderFiller(ctx context.Context, outputPath string, spec services.ClipSpec) error
	ConcatenateClips(ctx context.Context, clipPaths []string, listPath, outputPath string) error
	MuxAudio(ctx context.Context, videoPath, audioPath, outputPath string, audioSeconds float64) error
	Cleanup(paths ...string)
}

type Options struct {
	Width     int
	Height    int
	FPS       int
	CRF       int
	AllowGaps bool

	// OutputDir receives the master and its report. Intermediates go in OutputDir/assembly.
	OutputDir         string
	KeepIntermediates bool
}

// ClipEntry is one segment of the master timeline.
type ClipEntry struct {
	ShotIndex int    `json:"shot_index"`
	ShotID    string `json:"shot_id"`
	Source    string `json:"source,omitempty"`
	Filler    bool   `json:"filler"`
	Frames    int    `json:"frames"`
	Clip      string `json:"clip"`
}

type Report struct {
	AudioPath             string      `json:"audio_path"`
	OutputPath            string      `json:"output_path"`
	ReportPath            string      `json:"report_path"`
	Resolution            string      `json:"resolution"`
	FPS                   int         `json:"fps"`
	Clips                 []ClipEntry `json:"clips"`
	FillerCount           int         `json:"filler_count"`
	AudioDurationSeconds  float64     `json:"audio_duration_seconds"`
	OutputDurationSeconds float64     `json:"output_duration_seconds"`
	DeltaSeconds          float64     `json:"delta_seconds"`
	Warnings              []string    `json:"warnings,omitempty"`
	CreatedAt             time.Time   `json:"created_at"`
}

type Assembler struct {
	media Media
	log   logrus.FieldLogger
}

func New(media Media, log logrus.FieldLogger) *Assembler {
	return &Assembler{media: media, log: logging.Component(log, "assembler")}
}

// FrameCount is the number of frames between the rounded frame indexes of start and end.
// Summing it over contiguous shots gives round(end*fps) exactly, so clips never drift.
func FrameCount(start, end float64, fps int) int {
	return int(math.Round(end*float64(fps))) - int(math.Round(start*float64(fps)))
}

// Assemble joins the selected takes in plan order and lays the original audio under them.
func (a *Assembler) Assemble(ctx context.Context, audioPath string, manifest *models.GenerationManifest, opts Options) (*Report, error) {
	opts = withDefaults(opts)
	if manifest == nil || len(manifest.Shots) == 0 {
		return nil, models.NewStageError(models.StageAssemble, audioPath, fmt.Errorf("%w: manifest has no shots", models.ErrIncompleteManifest))
	}
	if !manifest.Frozen && !opts.AllowGaps {
		return nil, models.NewStageError(models.StageAssemble, audioPath, fmt.Errorf("%w: manifest is not frozen", models.ErrIncompleteManifest))
	}

	var missing []string
	for i, rec := range manifest.Shots {
		if rec.ShotIndex != i {
			return nil, models.NewStageError(models.StageAssemble, audioPath,
				fmt.Errorf("%w: record %d holds shot %d", models.ErrIncompleteManifest, i, rec.ShotIndex))
		}
		if usableTake(rec) == "" {
			missing = append(missing, rec.ShotID)
		}
	}
	if len(missing) > 0 && !opts.AllowGaps {
		return nil, models.NewStageError(models.StageAssemble, audioPath,
			fmt.Errorf("%w: no usable take for %s", models.ErrIncompleteManifest, strings.Join(missing, ", ")))
	}
	if len(missing) == len(manifest.Shots) {
		return nil, models.NewStageError(models.StageAssemble, audioPath,
			fmt.Errorf("%w: every shot is missing", models.ErrIncompleteManifest))
	}

	audio, err := a.media.Probe(ctx, audioPath)
	if err != nil || !audio.HasAudio || audio.DurationSeconds <= 0 {
		if err == nil {
			err = fmt.Errorf("no audio stream")
		}
		return nil, models.NewStageError(models.StageAssemble, audioPath, fmt.Errorf("%w: %v", models.ErrUnreadableAudio, err))
	}

	workDir := filepath.Join(opts.OutputDir, "assembly")
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create assembly dir: %w", err)
	}

	report := &Report{
		AudioPath:            audioPath,
		OutputPath:           filepath.Join(opts.OutputDir, MasterFileName),
		ReportPath:           filepath.Join(opts.OutputDir, ReportFileName),
		Resolution:           fmt.Sprintf("%dx%d", opts.Width, opts.Height),
		FPS:                  opts.FPS,
		Clips:                []ClipEntry{},
		AudioDurationSeconds: round4(audio.DurationSeconds),
		CreatedAt:            time.Now().UTC(),
	}

	var clips []string
	for _, rec := range manifest.Shots {
		frames := FrameCount(rec.StartTime, rec.EndTime, opts.FPS)
		if frames <= 0 {
			report.Warnings = append(report.Warnings, fmt.Sprintf("%s is shorter than one frame and was dropped", rec.ShotID))
			continue
		}
		spec := services.ClipSpec{Width: opts.Width, Height: opts.Height, FPS: opts.FPS, CRF: opts.CRF, Frames: frames}
		entry := ClipEntry{
			ShotIndex: rec.ShotIndex,
			ShotID:    rec.ShotID,
			Frames:    frames,
			Clip:      filepath.Join(workDir, fmt.Sprintf("clip_%03d.mp4", rec.ShotIndex)),
		}

		if src := usableTake(rec); src != "" {
			entry.Source = src
			if err := a.media.NormalizeClip(ctx, src, entry.Clip, spec); err != nil {
				return nil, models.NewStageError(models.StageAssemble, src, err)
			}
		} else {
			entry.Filler = true
			report.FillerCount++
			a.log.Warnf("[Assembler] %s has no take, using %d frames of filler", rec.ShotID, frames)
			if err := a.media.RenderFiller(ctx, entry.Clip, spec); err != nil {
				return nil, models.NewStageError(models.StageAssemble, rec.ShotID, err)
			}
		}
		report.Clips = append(report.Clips, entry)
		clips = append(clips, entry.Clip)
	}
	if report.FillerCount > 0 {
		report.Warnings = append(report.Warnings, fmt.Sprintf("%d shot(s) replaced by black filler", report.FillerCount))
	}

	listPath := filepath.Join(workDir, "concat.txt")
	videoPath := filepath.Join(workDir, "video_only.mp4")
	if err := a.media.ConcatenateClips(ctx, clips, listPath, videoPath); err != nil {
		return nil, models.NewStageError(models.StageAssemble, listPath, err)
	}
	if err := a.media.MuxAudio(ctx, videoPath, audioPath, report.OutputPath, audio.DurationSeconds); err != nil {
		return nil, models.NewStageError(models.StageAssemble, report.OutputPath, err)
	}

	master, err := a.media.Probe(ctx, report.OutputPath)
	if err != nil {
		report.Warnings = append(report.Warnings, fmt.Sprintf("could not probe master: %v", err))
	} else {
		report.OutputDurationSeconds = round4(master.DurationSeconds)
		report.DeltaSeconds = round4(math.Abs(master.DurationSeconds - audio.DurationSeconds))
		if report.DeltaSeconds > 1/float64(opts.FPS) {
			report.Warnings = append(report.Warnings, fmt.Sprintf("master is %.3fs off the audio length (more than one frame)", report.DeltaSeconds))
		}
	}

	if !opts.KeepIntermediates {
		a.media.Cleanup(append(clips, videoPath)...)
	}
	if err := fsutil.WriteJSON(report.ReportPath, report); err != nil {
		return nil, fmt.Errorf("failed to write assembly report: %w", err)
	}

	a.log.WithFields(logrus.Fields{
		"clips":   len(report.Clips),
		"fillers": report.FillerCount,
		"delta":   report.DeltaSeconds,
	}).Infof("[Assembler] Master written to %s", report.OutputPath)
	return report, nil
}

// usableTake returns the selected take's file when it exists.
func usableTake(rec models.ShotRecord) string {
	sel := rec.Selected()
	if sel == nil || sel.Status != models.TakeStatusSucceeded || sel.OutputPath == "" {
		return ""
	}
	if !fsutil.Exists(sel.OutputPath) {
		return ""
	}
	return sel.OutputPath
}

func withDefaults(opts Options) Options {
	if opts.Width <= 0 || opts.Height <= 0 {
		opts.Width, opts.Height = DefaultWidth, DefaultHeight
	}
	if opts.FPS <= 0 {
		opts.FPS = DefaultFPS
	}
	if opts.CRF <= 0 {
		opts.CRF = DefaultCRF
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "."
	}
	return opts
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
