package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bobarin/beatsync/internal/capability"
	"github.com/bobarin/beatsync/internal/engine"
	"github.com/bobarin/beatsync/internal/fsutil"
	"github.com/bobarin/beatsync/internal/logging"
	"github.com/bobarin/beatsync/internal/models"
	"github.com/bobarin/beatsync/internal/runner"
)

const (
	DefaultMaxTakes = 3
	DefaultQuality  = "quality"

	maxReasonLen = 600
)

// Previewer extracts a still frame from a rendered take.
type Previewer interface {
	ExtractPreview(ctx context.Context, videoPath, outPath string, atSeconds float64) error
}

type Options struct {
	MaxTakesPerShot int
	EvolveOnFailure bool
	Parallelism     int
	AttemptTimeout  time.Duration // 0 means no per-attempt limit
	EngineRoot      string        // capability state location; empty disables learning
	BaseArgs        map[string]string
	Previous        *models.GenerationManifest
	OutputDir       string
	Quality         string

	Signatures capability.Table // nil means capability.DefaultSignatures
	Previewer  Previewer        // optional

	// OnShotDone is called from worker goroutines after each shot reaches its outcome.
	OnShotDone func(models.ShotRecord)
}

type Orchestrator struct {
	store *capability.Store
	log   logrus.FieldLogger
}

func New(store *capability.Store, log logrus.FieldLogger) *Orchestrator {
	return &Orchestrator{store: store, log: logging.Component(log, "orchestrator")}
}

// Generate renders takes for every planned shot and returns the frozen manifest. Per-shot
// failures are recorded in the manifest; the only error is cancellation.
func (o *Orchestrator) Generate(ctx context.Context, plan *models.MusicVideoPlan, eng engine.Engine, opts Options) (*models.GenerationManifest, error) {
	if opts.MaxTakesPerShot < 1 {
		opts.MaxTakesPerShot = DefaultMaxTakes
	}
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	if opts.Quality == "" {
		opts.Quality = DefaultQuality
	}
	if opts.Signatures == nil {
		opts.Signatures = capability.DefaultSignatures
	}
	if opts.OutputDir == "" {
		return nil, fmt.Errorf("orchestrator: output directory is required")
	}

	manifest := models.NewManifest(plan)
	manifest.Engine = eng.Name()
	manifest.EngineRoot = opts.EngineRoot
	manifest.MaxTakesPerShot = opts.MaxTakesPerShot
	manifest.EvolveOnFailure = opts.EvolveOnFailure

	o.log.WithFields(logrus.Fields{
		"shots":       len(plan.Shots),
		"engine":      eng.Name(),
		"parallelism": opts.Parallelism,
		"max_takes":   opts.MaxTakesPerShot,
	}).Info("[Orchestrator] Starting take generation")

	var g errgroup.Group
	g.SetLimit(opts.Parallelism)
	for i := range plan.Shots {
		i := i
		g.Go(func() error {
			shot := plan.Shots[i]
			if prev := carriedOver(opts.Previous, shot); prev != nil {
				o.log.Infof("[Orchestrator] %s: reusing take %d from previous run", shot.ID, *prev.SelectedTake)
				manifest.Shots[i] = *prev
			} else {
				manifest.Shots[i] = o.runShot(ctx, plan, shot, eng, opts)
			}
			if opts.OnShotDone != nil {
				opts.OnShotDone(manifest.Shots[i])
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := manifest.Freeze(); err != nil {
		return manifest, err
	}
	o.log.Infof("[Orchestrator] Generation finished: %d of %d shots have a take", len(plan.Shots)-len(manifest.MissingShots()), len(plan.Shots))

	if ctx.Err() != nil {
		return manifest, models.NewStageError(models.StageGenerate, plan.AudioPath, models.ErrCancelled)
	}
	return manifest, nil
}

// carriedOver returns a copy of the previous record for shot when its selected take
// still exists on disk.
func carriedOver(prev *models.GenerationManifest, shot models.ShotDescriptor) *models.ShotRecord {
	if prev == nil {
		return nil
	}
	for _, rec := range prev.Shots {
		if rec.ShotIndex != shot.Index || rec.ShotID != shot.ID {
			continue
		}
		sel := rec.Selected()
		if sel == nil || sel.Status != models.TakeStatusSucceeded || !fsutil.Exists(sel.OutputPath) {
			return nil
		}
		out := rec
		out.Attempts = append([]models.TakeAttempt(nil), rec.Attempts...)
		return &out
	}
	return nil
}

// adjustedKeys holds the signature keys already adjusted for one shot.
type adjustedKeys map[string]bool

func (a adjustedKeys) firstTime(key string) bool {
	if a[key] {
		return false
	}
	a[key] = true
	return true
}

func (o *Orchestrator) runShot(ctx context.Context, plan *models.MusicVideoPlan, shot models.ShotDescriptor, eng engine.Engine, opts Options) models.ShotRecord {
	rec := models.ShotRecord{
		ShotIndex: shot.Index,
		ShotID:    shot.ID,
		StartTime: shot.StartTime,
		EndTime:   shot.EndTime,
		Attempts:  []models.TakeAttempt{},
		Outcome:   models.OutcomePending,
	}
	log := o.log.WithField("shot", shot.ID)

	takes := opts.MaxTakesPerShot
	if shot.Takes > 0 && shot.Takes < takes {
		takes = shot.Takes
	}
	adjusted := adjustedKeys{}

	for n := 1; n <= takes; n++ {
		if ctx.Err() != nil {
			rec.Outcome = models.OutcomeCancelled
			rec.Error = models.ErrCancelled.Error()
			return rec
		}

		attempt, learned := o.attempt(ctx, plan, shot, n, eng, opts, adjusted, log)
		rec.Attempts = append(rec.Attempts, attempt)

		switch {
		case attempt.Status == models.TakeStatusSucceeded:
			selected := n
			rec.SelectedTake = &selected
			rec.Outcome = models.OutcomeClean
			if len(adjusted) > 0 {
				rec.Outcome = models.OutcomeAdjusted
			}
			log.Infof("[Orchestrator] %s: take %d succeeded (%s)", shot.ID, n, rec.Outcome)
			return rec
		case ctx.Err() != nil:
			rec.Outcome = models.OutcomeCancelled
			rec.Error = models.ErrCancelled.Error()
			return rec
		case learned:
			// A learned adjustment always gets one retry, within MaxTakesPerShot.
			if n == takes && takes < opts.MaxTakesPerShot {
				takes++
			}
			log.Infof("[Orchestrator] %s: take %d hit %s, retrying with %s", shot.ID, n, attempt.Signature, attempt.Adjustment)
		default:
			log.Warnf("[Orchestrator] %s: take %d failed: %s", shot.ID, n, runner.Truncate(attempt.FailureReason, 200))
		}
	}

	rec.Outcome = models.OutcomeExhausted
	rec.Error = models.ErrShotExhausted.Error()
	if k := len(rec.Attempts); k > 0 {
		rec.Error = fmt.Sprintf("%v: %s", models.ErrShotExhausted, rec.Attempts[k-1].FailureReason)
	}
	return rec
}

// attempt renders take n. learned reports whether the failure produced a new adjustment.
func (o *Orchestrator) attempt(ctx context.Context, plan *models.MusicVideoPlan, shot models.ShotDescriptor, n int, eng engine.Engine, opts Options, adjusted adjustedKeys, log logrus.FieldLogger) (models.TakeAttempt, bool) {
	caps := models.NewCapabilityState()
	if opts.EngineRoot != "" {
		caps = o.store.Load(opts.EngineRoot)
	}
	args := capability.Apply(opts.BaseArgs, caps)
	dir := filepath.Join(opts.OutputDir, shot.ID, fmt.Sprintf("take_%02d", n))

	attempt := models.TakeAttempt{
		ShotIndex:       shot.Index,
		AttemptNumber:   n,
		EngineArguments: args,
		Status:          models.TakeStatusPending,
		StartedAt:       time.Now().UTC(),
	}

	actx, cancel := ctx, context.CancelFunc(func() {})
	if opts.AttemptTimeout > 0 {
		actx, cancel = context.WithTimeout(ctx, opts.AttemptTimeout)
	}
	defer cancel()

	res := eng.Render(actx, engine.RenderRequest{
		ShotIndex:       shot.Index,
		ShotID:          shot.ID,
		Attempt:         n,
		Prompt:          shot.Prompt,
		NegativePrompt:  shot.NegativePrompt,
		DurationSeconds: shot.Duration,
		Resolution:      plan.Resolution,
		FPS:             plan.FPS,
		Seed:            plan.Seed + int64(shot.Index)*1000 + int64(n-1),
		Quality:         opts.Quality,
		Args:            args,
		OutputDir:       dir,
	})
	attempt.ExitCode = res.ExitCode
	attempt.DurationSeconds = time.Since(attempt.StartedAt).Seconds()

	if res.Succeeded() && fsutil.Exists(res.OutputPath) {
		attempt.Status = models.TakeStatusSucceeded
		attempt.OutputPath = res.OutputPath
		attempt.PreviewPath = o.preview(ctx, opts.Previewer, res.OutputPath, dir, shot.Duration, log)
		return attempt, false
	}

	attempt.Status = models.TakeStatusFailed
	switch {
	case ctx.Err() != nil:
		attempt.FailureReason = "cancelled"
		if err := os.RemoveAll(dir); err != nil {
			log.Warnf("[Orchestrator] Failed to remove partial output %s: %v", dir, err)
		}
		return attempt, false
	case res.TimedOut || errors.Is(actx.Err(), context.DeadlineExceeded):
		attempt.FailureReason = fmt.Sprintf("%v: timed out after %s", models.ErrRenderFailure, opts.AttemptTimeout)
		return attempt, false
	case res.Succeeded():
		attempt.FailureReason = fmt.Sprintf("%v: engine reported %s but the file is missing", models.ErrRenderFailure, res.OutputPath)
		return attempt, false
	}

	match := opts.Signatures.Match(res.Log)
	if match == nil {
		attempt.FailureReason = fmt.Sprintf("%v: exit %d: %s", models.ErrRenderFailure, res.ExitCode, logTail(res.Log))
		return attempt, false
	}

	attempt.Signature = match.SignatureID
	attempt.FailureReason = fmt.Sprintf("%v (%s): %s", models.ErrKnownIncompatibility, match.SignatureID, match.Line)
	if !opts.EvolveOnFailure || opts.EngineRoot == "" || match.Adjustment.Empty() || !adjusted.firstTime(match.Key) {
		return attempt, false
	}
	if _, err := o.store.MergeAndSave(opts.EngineRoot, match.Adjustment); err != nil {
		log.Errorf("[Orchestrator] Failed to save learned adjustment: %v", err)
		return attempt, false
	}
	attempt.Adjustment = capability.Describe(match.Adjustment)
	return attempt, true
}

func (o *Orchestrator) preview(ctx context.Context, p Previewer, video, dir string, duration float64, log logrus.FieldLogger) string {
	if p == nil {
		return ""
	}
	out := filepath.Join(dir, "preview.png")
	if err := p.ExtractPreview(ctx, video, out, duration/2); err != nil {
		log.Warnf("[Orchestrator] Preview failed for %s: %v", video, err)
		return ""
	}
	return out
}

// logTail keeps the last non-empty lines of an engine log, bounded in length.
func logTail(text string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	var kept []string
	size := 0
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if size+len(line) > maxReasonLen && len(kept) > 0 {
			break
		}
		kept = append([]string{line}, kept...)
		size += len(line) + 1
	}
	if len(kept) == 0 {
		return "no output"
	}
	return runner.Truncate(strings.Join(kept, " | "), maxReasonLen)
}
