package analyzer

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bobarin/beatsync/internal/logging"
	"github.com/bobarin/beatsync/internal/models"
	"github.com/bobarin/beatsync/internal/services"
)

const (
	minTrackedBeats        = 8
	defaultMaxEnergyPoints = 192
)

// Media is the slice of the ffmpeg service the analyzer needs.
type Media interface {
	Probe(ctx context.Context, path string) (services.MediaInfo, error)
	DecodePCM(ctx context.Context, path string, sampleRate int, w io.Writer) error
}

type Options struct {
	MinSectionSeconds float64
	MaxEnergyPoints   int
}

type Analyzer struct {
	media   Media
	tracker BeatTracker
	opts    Options
	log     logrus.FieldLogger
}

// New builds an Analyzer. tracker may be nil, in which case tempo always comes from the
// energy envelope.
func New(media Media, tracker BeatTracker, opts Options, log logrus.FieldLogger) *Analyzer {
	if opts.MinSectionSeconds <= 0 {
		opts.MinSectionSeconds = 8
	}
	if opts.MaxEnergyPoints <= 0 {
		opts.MaxEnergyPoints = defaultMaxEnergyPoints
	}
	return &Analyzer{media: media, tracker: tracker, opts: opts, log: logging.Component(log, "analyzer")}
}

// Analyze estimates tempo, beats and sections for the track at path.
func (a *Analyzer) Analyze(ctx context.Context, path string) (*models.AudioAnalysis, error) {
	unreadable := func(format string, args ...any) error {
		return models.NewStageError(models.StageAnalyze, path, fmt.Errorf("%w: %s", models.ErrUnreadableAudio, fmt.Sprintf(format, args...)))
	}

	fi, err := os.Stat(path)
	if err != nil {
		return nil, unreadable("%v", err)
	}
	if !fi.Mode().IsRegular() {
		return nil, unreadable("not a regular file")
	}

	info, err := a.media.Probe(ctx, path)
	if err != nil {
		return nil, unreadable("%v", err)
	}
	if !info.HasAudio {
		return nil, unreadable("no audio stream")
	}
	if info.DurationSeconds <= 0 {
		return nil, unreadable("zero duration")
	}
	duration := round4(info.DurationSeconds)

	builder := newEnvelopeBuilder(DefaultHopSamples)
	if err := a.media.DecodePCM(ctx, path, services.EnvelopeSampleRate, builder); err != nil {
		if ctx.Err() != nil {
			return nil, models.NewStageError(models.StageAnalyze, path, ctx.Err())
		}
		return nil, unreadable("%v", err)
	}
	env := builder.finish(services.EnvelopeSampleRate)

	result := &models.AudioAnalysis{
		SourcePath:      path,
		DurationSeconds: duration,
		AnalyzedAt:      time.Now().UTC(),
	}

	a.beatGrid(ctx, path, env, result)
	interval := MedianInterval(result.BeatTimes)
	if interval <= 0 {
		interval = 60 / result.BPM
	}

	for i := 0; i < len(result.BeatTimes); i += 4 {
		result.Downbeats = append(result.Downbeats, result.BeatTimes[i])
	}

	minLen := minSectionLength(a.opts.MinSectionSeconds, interval)
	if bounds := detectBoundaries(env, result.BeatTimes, duration, minLen); len(bounds) > 0 {
		result.Sections = sectionsFromBoundaries(bounds, duration, env)
	} else {
		result.Sections = layoutSections(duration, result.BeatTimes, minLen)
		result.Warnings = append(result.Warnings, "no sustained energy change found; sections follow a default song layout")
	}

	result.EnergyCurve = energyCurve(env, duration, a.opts.MaxEnergyPoints)

	if err := result.Validate(); err != nil {
		return nil, models.NewStageError(models.StageAnalyze, path, err)
	}

	a.log.WithFields(logrus.Fields{
		"bpm":        result.BPM,
		"beats":      len(result.BeatTimes),
		"sections":   len(result.Sections),
		"confidence": result.Confidence,
		"backend":    result.Backend,
	}).Infof("[Analyzer] Analyzed %.2fs track", duration)
	return result, nil
}

// beatGrid fills BPM, BeatTimes, Confidence and Backend, trying the tracker first.
func (a *Analyzer) beatGrid(ctx context.Context, path string, env *Envelope, out *models.AudioAnalysis) {
	duration := out.DurationSeconds

	if a.tracker != nil {
		raw, err := a.tracker.Beats(ctx, path)
		switch {
		case err != nil:
			a.log.Warnf("[Analyzer] Beat tracker unavailable: %v", err)
			out.Warnings = append(out.Warnings, fmt.Sprintf("beat tracker unavailable; energy heuristic used (%v)", err))
		default:
			beats := cleanBeats(raw, duration)
			if len(beats) >= minTrackedBeats {
				out.BeatTimes = beats
				out.BPM = math.Round(bpmFromBeats(beats)*1000) / 1000
				out.Confidence = models.ConfidenceHigh
				out.Backend = models.BackendAubio
				return
			}
			out.Warnings = append(out.Warnings, fmt.Sprintf("beat tracker found %d beats; energy heuristic used", len(beats)))
		}
	}

	out.Confidence = models.ConfidenceLow
	if env.Usable() {
		flux := onsetStrength(env.RMS)
		if bpm, ok := estimateTempo(flux, env.HopSeconds); ok {
			interval := 60 / bpm
			phase := gridPhase(flux, env.HopSeconds, interval)
			out.BPM = math.Round(bpm*1000) / 1000
			out.BeatTimes = evenGrid(phase, interval, duration)
			out.Backend = models.BackendEnergyACF
			return
		}
	}

	out.Warnings = append(out.Warnings, "energy envelope has no usable periodicity; fixed 120 BPM grid used")
	out.BPM = fallbackBPM
	out.BeatTimes = evenGrid(0, 60/fallbackBPM, duration)
	out.Backend = models.BackendFixedGrid
}

// energyCurve downsamples the RMS envelope to at most maxPoints points within the track.
func energyCurve(env *Envelope, duration float64, maxPoints int) []models.EnergyPoint {
	if env.Len() == 0 {
		return []models.EnergyPoint{{Time: 0, Energy: 0}}
	}
	stride := int(math.Ceil(float64(env.Len()) / float64(maxPoints)))
	if stride < 1 {
		stride = 1
	}
	curve := make([]models.EnergyPoint, 0, maxPoints)
	for i := 0; i < env.Len() && len(curve) < maxPoints; i += stride {
		t := round4(float64(i) * env.HopSeconds)
		if t > duration {
			break
		}
		curve = append(curve, models.EnergyPoint{Time: t, Energy: math.Round(env.RMS[i]*1e6) / 1e6})
	}
	return curve
}
