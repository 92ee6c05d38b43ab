package planner

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bobarin/beatsync/internal/analyzer"
	"github.com/bobarin/beatsync/internal/logging"
	"github.com/bobarin/beatsync/internal/models"
)

const (
	DefaultStylePreset = "cinematic"
	DefaultResolution  = "832x480"
	DefaultFPS         = 16
)

// PromptEnhancer rewrites shot prompts. Returned prompts are keyed by shot index.
type PromptEnhancer interface {
	EnhancePrompts(ctx context.Context, theme string, shots []models.ShotDescriptor) (map[int]string, error)
}

type Options struct {
	StylePreset    string
	Brand          string
	MinShotSeconds float64
	Resolution     string
	FPS            int
	Seed           int64

	TakesHero     int
	TakesStandard int
	TakesFiller   int

	Presets  Presets        // nil means DefaultPresets
	Enhancer PromptEnhancer // optional
}

type Planner struct {
	opts Options
	log  logrus.FieldLogger
}

func New(opts Options, log logrus.FieldLogger) *Planner {
	if opts.StylePreset == "" {
		opts.StylePreset = DefaultStylePreset
	}
	if opts.Resolution == "" {
		opts.Resolution = DefaultResolution
	}
	if opts.FPS <= 0 {
		opts.FPS = DefaultFPS
	}
	if opts.TakesHero <= 0 {
		opts.TakesHero = 3
	}
	if opts.TakesStandard <= 0 {
		opts.TakesStandard = 2
	}
	if opts.TakesFiller <= 0 {
		opts.TakesFiller = 1
	}
	if opts.Presets == nil {
		opts.Presets = DefaultPresets()
	}
	return &Planner{opts: opts, log: logging.Component(log, "planner")}
}

// span is a section after its boundaries have been snapped to beats.
type span struct {
	start, end float64
	label      string
	energy     models.Energy
	position   models.ShotPosition
}

// Plan cuts the track into beat-aligned shots and writes a prompt for each.
func (p *Planner) Plan(ctx context.Context, analysis *models.AudioAnalysis, theme string, targetShotSeconds float64) (*models.MusicVideoPlan, error) {
	theme = strings.TrimSpace(theme)
	if theme == "" {
		return nil, models.NewStageError(models.StagePlan, "theme", models.ErrInvalidTheme)
	}
	if analysis == nil {
		return nil, models.NewStageError(models.StagePlan, "analysis", fmt.Errorf("%w: missing analysis", models.ErrInvalidAnalysis))
	}
	input := analysis.SourcePath
	if input == "" {
		input = "analysis"
	}
	if len(analysis.BeatTimes) < 2 {
		return nil, models.NewStageError(models.StagePlan, input,
			fmt.Errorf("%w: %d beats, need at least 2", models.ErrInvalidAnalysis, len(analysis.BeatTimes)))
	}
	if err := analysis.Validate(); err != nil {
		return nil, models.NewStageError(models.StagePlan, input, err)
	}
	if targetShotSeconds <= 0 || math.IsNaN(targetShotSeconds) {
		return nil, models.NewStageError(models.StagePlan, input,
			fmt.Errorf("%w: target shot length %.3f must be positive", models.ErrInvalidAnalysis, targetShotSeconds))
	}
	style, ok := p.opts.Presets[p.opts.StylePreset]
	if !ok {
		return nil, models.NewStageError(models.StagePlan, p.opts.StylePreset,
			fmt.Errorf("unknown style preset (available: %s)", strings.Join(p.opts.Presets.Names(), ", ")))
	}

	beats := analysis.BeatTimes
	interval := analyzer.MedianInterval(beats)
	tolerance := 0.5 * interval
	if analysis.Confidence == models.ConfidenceHigh {
		tolerance = 0.25 * interval
	}

	plan := &models.MusicVideoPlan{
		AudioPath:         analysis.SourcePath,
		Theme:             theme,
		StylePreset:       p.opts.StylePreset,
		TargetShotSeconds: targetShotSeconds,
		DurationSeconds:   analysis.DurationSeconds,
		BPM:               analysis.BPM,
		Confidence:        analysis.Confidence,
		SnapTolerance:     round4(tolerance),
		Resolution:        p.opts.Resolution,
		FPS:               p.opts.FPS,
		Seed:              p.opts.Seed,
		Shots:             []models.ShotDescriptor{},
		CreatedAt:         time.Now().UTC(),
	}

	spans, warnings := snapSections(analysis.Sections, beats, analysis.DurationSeconds, tolerance)
	plan.Warnings = append(plan.Warnings, warnings...)
	assignPositions(spans)

	n := int(math.Max(1, math.Round(targetShotSeconds/interval)))
	rng := rand.New(rand.NewSource(p.opts.Seed))
	for _, sp := range spans {
		for _, cut := range cutSection(sp, beats, n, interval, p.opts.MinShotSeconds) {
			idx := len(plan.Shots)
			shot := models.ShotDescriptor{
				Index:          idx,
				ID:             fmt.Sprintf("shot_%03d", idx+1),
				StartTime:      cut[0],
				EndTime:        cut[1],
				Duration:       math.Round((cut[1]-cut[0])*1e6) / 1e6,
				NegativePrompt: NegativePrompt,
				SectionLabel:   sp.label,
				Energy:         sp.energy,
				Position:       sp.position,
				CameraMove:     cameraMoves[rng.Intn(len(cameraMoves))],
			}
			shot.Priority = priorityFor(idx, sp)
			shot.Takes = p.takesFor(shot.Priority)
			shot.Prompt = buildPrompt(theme, sp.label, sp.position, shot.CameraMove, styleTokens(rng, style), strings.TrimSpace(p.opts.Brand))
			plan.Shots = append(plan.Shots, shot)
		}
	}

	for _, b := range plan.OffGridBoundaries(beats, models.TimeEpsilon) {
		plan.Warnings = append(plan.Warnings, fmt.Sprintf("shot boundary %.3fs is not on a beat", b))
	}

	p.enhance(ctx, plan)

	if err := plan.Validate(); err != nil {
		return nil, models.NewStageError(models.StagePlan, input, fmt.Errorf("%w: %v", models.ErrInvalidAnalysis, err))
	}

	p.log.WithFields(logrus.Fields{
		"shots":     len(plan.Shots),
		"sections":  len(spans),
		"tolerance": plan.SnapTolerance,
		"warnings":  len(plan.Warnings),
	}).Infof("[Planner] Planned %d shots for %.2fs track", len(plan.Shots), plan.DurationSeconds)
	return plan, nil
}

// enhance replaces prompts with rewritten ones when an enhancer is configured.
// Any error keeps the deterministic prompts.
func (p *Planner) enhance(ctx context.Context, plan *models.MusicVideoPlan) {
	if p.opts.Enhancer == nil {
		return
	}
	rewritten, err := p.opts.Enhancer.EnhancePrompts(ctx, plan.Theme, plan.Shots)
	if err != nil {
		p.log.Warnf("[Planner] Prompt enhancement failed, keeping built prompts: %v", err)
		return
	}
	for i := range plan.Shots {
		if prompt, ok := rewritten[plan.Shots[i].Index]; ok && strings.TrimSpace(prompt) != "" {
			plan.Shots[i].Prompt = strings.TrimSpace(prompt)
		}
	}
}

func (p *Planner) takesFor(priority models.ShotPriority) int {
	switch priority {
	case models.PriorityHero:
		return p.opts.TakesHero
	case models.PriorityFiller:
		return p.opts.TakesFiller
	default:
		return p.opts.TakesStandard
	}
}

// snapSections moves interior section boundaries onto beats. A section left with no
// length is absorbed by its predecessor.
func snapSections(sections []models.Section, beats []float64, duration, tolerance float64) ([]span, []string) {
	var spans []span
	var warnings []string
	cursor := 0.0
	for i, s := range sections {
		end := duration
		if i < len(sections)-1 {
			end = math.Min(analyzer.SnapToBeat(s.End, beats), duration)
			if moved := math.Abs(end - s.End); moved > tolerance+models.TimeEpsilon {
				warnings = append(warnings, fmt.Sprintf("section boundary %.3fs moved %.3fs to beat %.3fs (tolerance %.3fs)", s.End, moved, end, tolerance))
			}
		}
		if end <= cursor+models.TimeEpsilon {
			if len(spans) > 0 {
				spans[len(spans)-1].end = math.Max(spans[len(spans)-1].end, end)
			}
			continue
		}
		energy := s.Energy
		if energy == "" {
			energy = models.EnergyMedium
		}
		spans = append(spans, span{start: cursor, end: end, label: s.Label, energy: energy})
		cursor = end
	}
	if len(spans) > 0 {
		spans[len(spans)-1].end = duration
	}
	return spans, warnings
}

func energyRank(e models.Energy) int {
	switch e {
	case models.EnergyHigh:
		return 2
	case models.EnergyLow:
		return 0
	default:
		return 1
	}
}

// assignPositions marks the first span opening, the last outro, and the most energetic
// middle span climax, with build before it and breakdown after it.
func assignPositions(spans []span) {
	last := len(spans) - 1
	climax := -1
	for i := 1; i < last; i++ {
		if climax < 0 || energyRank(spans[i].energy) > energyRank(spans[climax].energy) {
			climax = i
		}
	}
	for i := range spans {
		switch {
		case i == 0:
			spans[i].position = models.PositionOpening
		case i == last:
			spans[i].position = models.PositionOutro
		case i == climax:
			spans[i].position = models.PositionClimax
		case i < climax:
			spans[i].position = models.PositionBuild
		default:
			spans[i].position = models.PositionBreakdown
		}
	}
}

// cutSection splits a span into [start, end] pairs that begin and end on anchors: the span
// edges and every beat strictly inside it.
func cutSection(sp span, beats []float64, n int, interval, minShot float64) [][2]float64 {
	anchors := []float64{sp.start}
	for _, b := range beats {
		if b > sp.start+models.TimeEpsilon && b < sp.end-models.TimeEpsilon {
			anchors = append(anchors, b)
		}
	}
	anchors = append(anchors, sp.end)

	var cuts [][2]float64
	for ci := 0; ci < len(anchors)-1; {
		goal := anchors[ci] + float64(n)*interval
		best := ci + 1
		for j := ci + 2; j < len(anchors); j++ {
			if math.Abs(anchors[j]-goal) < math.Abs(anchors[best]-goal) {
				best = j
			} else if anchors[j] > goal {
				break
			}
		}
		cuts = append(cuts, [2]float64{anchors[ci], anchors[best]})
		ci = best
	}

	if k := len(cuts); k >= 2 && minShot > 0 && cuts[k-1][1]-cuts[k-1][0] < minShot-models.TimeEpsilon {
		cuts[k-2][1] = cuts[k-1][1]
		cuts = cuts[:k-1]
	}
	return cuts
}

func priorityFor(index int, sp span) models.ShotPriority {
	label := strings.ToLower(sp.label)
	switch {
	case index == 0, strings.Contains(label, "chorus"), strings.Contains(label, "drop"):
		return models.PriorityHero
	case sp.energy == models.EnergyLow:
		return models.PriorityFiller
	default:
		return models.PriorityStandard
	}
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
