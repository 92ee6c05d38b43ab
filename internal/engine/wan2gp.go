package engine

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
	"github.com/bobarin/beatsync/internal/runner"
)

const (
	wanEntryPoint = "wgp.py"
	wanMinFrames  = 16
	wanMaxFrames  = 241
)

var stepsForQuality = map[string]int{"draft": 12, "balanced": 20, "quality": 30}

// Wan2GP drives a local Wan2GP checkout through its headless CLI:
//
//	<python> wgp.py --process <settings.json> --output-dir <dir> [flags...]
type Wan2GP struct {
	root   string
	python string
	run    runner.Runner
	log    logrus.FieldLogger
}

// processSettings is the minimal settings payload Wan2GP accepts for --process.
type processSettings struct {
	ModelType         string `json:"model_type"`
	Prompt            string `json:"prompt"`
	NegativePrompt    string `json:"negative_prompt,omitempty"`
	Resolution        string `json:"resolution"`
	NumInferenceSteps int    `json:"num_inference_steps"`
	VideoLength       int    `json:"video_length"`
	Seed              int64  `json:"seed"`
	RepeatGeneration  int    `json:"repeat_generation"`
}

func NewWan2GP(root, python string, run runner.Runner, log logrus.FieldLogger) (*Wan2GP, error) {
	if root == "" {
		return nil, fmt.Errorf("engine root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve engine root: %w", err)
	}
	if !fsutil.Exists(filepath.Join(abs, wanEntryPoint)) {
		return nil, fmt.Errorf("%s not found in engine root %s", wanEntryPoint, abs)
	}
	if python == "" {
		python = "python"
	}
	return &Wan2GP{
		root:   abs,
		python: python,
		run:    run,
		log:    logging.Component(log, "wan2gp"),
	}, nil
}

func (w *Wan2GP) Name() string { return "wan2gp" }

func (w *Wan2GP) Root() string { return w.root }

func (w *Wan2GP) Render(ctx context.Context, req RenderRequest) RenderResult {
	if err := os.MkdirAll(req.OutputDir, 0755); err != nil {
		return RenderResult{ExitCode: -1, Log: fmt.Sprintf("create output dir: %v", err)}
	}

	settingsPath := filepath.Join(req.OutputDir, "settings.json")
	if err := fsutil.WriteJSON(settingsPath, buildSettings(req)); err != nil {
		return RenderResult{ExitCode: -1, Log: err.Error()}
	}

	args := append([]string{wanEntryPoint, "--process", settingsPath, "--output-dir", req.OutputDir}, FlagList(req.Args)...)

	w.log.WithFields(logrus.Fields{
		"shot":    req.ShotID,
		"attempt": req.Attempt,
	}).Infof("[Wan2GP] Rendering %.2fs take", req.DurationSeconds)

	started := time.Now()
	res := w.run.Run(ctx, runner.Command{
		Name:    w.python,
		Args:    args,
		Dir:     w.root,
		LogFile: filepath.Join(req.OutputDir, "render.log"),
	})

	result := RenderResult{
		ExitCode:  res.ExitCode,
		Log:       res.Output(),
		TimedOut:  res.TimedOut,
		Cancelled: res.Cancelled,
	}
	if !res.Success() {
		return result
	}

	clip, err := newestMP4(req.OutputDir, started)
	if err != nil || clip == "" {
		result.ExitCode = 1
		result.Log = strings.TrimSpace(result.Log + "\nengine exited 0 but produced no .mp4 output")
		return result
	}
	result.OutputPath = clip
	return result
}

func buildSettings(req RenderRequest) processSettings {
	fps := req.FPS
	if fps <= 0 {
		fps = 16
	}
	frames := int(math.Round(req.DurationSeconds * float64(fps)))
	if frames < wanMinFrames {
		frames = wanMinFrames
	}
	if frames > wanMaxFrames {
		frames = wanMaxFrames
	}
	steps, ok := stepsForQuality[req.Quality]
	if !ok {
		steps = stepsForQuality["quality"]
	}
	return processSettings{
		ModelType:         "t2v",
		Prompt:            strings.TrimSpace(req.Prompt),
		NegativePrompt:    strings.TrimSpace(req.NegativePrompt),
		Resolution:        req.Resolution,
		NumInferenceSteps: steps,
		VideoLength:       frames,
		Seed:              req.Seed,
		RepeatGeneration:  1,
	}
}

// newestMP4 returns the most recently written .mp4 under dir that is not older than since.
func newestMP4(dir string, since time.Time) (string, error) {
	var best string
	var bestTime time.Time
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".mp4") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		mod := info.ModTime()
		if mod.Before(since.Add(-time.Second)) {
			return nil
		}
		if best == "" || mod.After(bestTime) {
			best, bestTime = path, mod
		}
		return nil
	})
	return best, err
}
