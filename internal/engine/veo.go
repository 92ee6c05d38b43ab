package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/genai"

	"github.com/bobarin/beatsync/internal/config"
	"github.com/bobarin/beatsync/internal/fsutil"
	"github.com/bobarin/beatsync/internal/logging"
)

const (
	defaultVeoModel    = "veo-3.1-generate-preview"
	veoPollInterval    = 10 * time.Second
	veoMaxPollDuration = 5 * time.Minute
	veoMinSeconds      = 4
	veoMaxSeconds      = 8
)

// Veo renders takes with Google's hosted Veo model. Clips come back at Veo's own length;
// the assembler trims or pads them to the shot window.
type Veo struct {
	apiKey string
	model  string
	log    logrus.FieldLogger
}

func NewVeo(apiKey, model string, log logrus.FieldLogger) *Veo {
	if model == "" {
		model = defaultVeoModel
	}
	return &Veo{apiKey: apiKey, model: model, log: logging.Component(log, "veo")}
}

func (v *Veo) Name() string { return "veo" }

// Render never returns a Go error: API failures become exit code 1 with the error text
// as the log, so the orchestrator can treat them like any other failed take.
func (v *Veo) Render(ctx context.Context, req RenderRequest) RenderResult {
	if err := os.MkdirAll(req.OutputDir, 0755); err != nil {
		return RenderResult{ExitCode: -1, Log: fmt.Sprintf("create output dir: %v", err)}
	}

	data, err := v.generate(ctx, req)
	if err != nil {
		res := RenderResult{ExitCode: 1, Log: err.Error()}
		switch {
		case ctx.Err() == context.DeadlineExceeded:
			res.TimedOut = true
		case ctx.Err() == context.Canceled:
			res.Cancelled = true
		}
		return res
	}

	out := filepath.Join(req.OutputDir, fmt.Sprintf("%s_take%02d.mp4", req.ShotID, req.Attempt))
	if err := fsutil.WriteBytes(out, data); err != nil {
		return RenderResult{ExitCode: 1, Log: err.Error()}
	}
	return RenderResult{ExitCode: 0, OutputPath: out, Log: fmt.Sprintf("veo wrote %d bytes", len(data))}
}

func (v *Veo) generate(ctx context.Context, req RenderRequest) ([]byte, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  v.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	cfg := &genai.GenerateVideosConfig{
		AspectRatio:      veoAspectRatio(req.Resolution),
		Resolution:       "720p",
		PersonGeneration: "allow_adult",
		NumberOfVideos:   1,
		NegativePrompt:   req.NegativePrompt,
		DurationSeconds:  genai.Ptr[int32](veoDuration(req.DurationSeconds)),
	}

	log := v.log.WithFields(logrus.Fields{"shot": req.ShotID, "attempt": req.Attempt})
	log.Infof("[Veo] Starting video generation (model=%s, promptLen=%d)", v.model, len(req.Prompt))

	operation, err := client.Models.GenerateVideos(ctx, v.model, req.Prompt, nil, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to start video generation: %w", err)
	}

	deadline := time.Now().Add(veoMaxPollDuration)
	polls := 0
	for !operation.Done {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("video generation timed out after %v (polled %d times)", veoMaxPollDuration, polls)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("video generation cancelled: %w", ctx.Err())
		case <-time.After(veoPollInterval):
		}
		polls++
		operation, err = client.Operations.GetVideosOperation(ctx, operation, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to poll operation (attempt %d): %w", polls, err)
		}
		log.Debugf("[Veo] Poll %d: done=%v", polls, operation.Done)
	}

	if len(operation.Error) > 0 {
		errJSON, _ := json.Marshal(operation.Error)
		return nil, fmt.Errorf("video generation operation failed: %s", string(errJSON))
	}
	if operation.Response == nil {
		return nil, fmt.Errorf("no response in completed operation after %d polls (operation: %s)", polls, operation.Name)
	}
	if operation.Response.RAIMediaFilteredCount > 0 {
		reasons := "unknown"
		if len(operation.Response.RAIMediaFilteredReasons) > 0 {
			reasons = strings.Join(operation.Response.RAIMediaFilteredReasons, ", ")
		}
		return nil, fmt.Errorf("video blocked by safety filters: %d video(s) filtered, reasons: %s", operation.Response.RAIMediaFilteredCount, reasons)
	}
	if len(operation.Response.GeneratedVideos) == 0 || operation.Response.GeneratedVideos[0].Video == nil {
		return nil, fmt.Errorf("no videos in response")
	}

	video := operation.Response.GeneratedVideos[0]
	data, err := client.Files.Download(ctx, genai.NewDownloadURIFromVideo(video.Video), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to download generated video: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("downloaded video is empty (0 bytes)")
	}

	log.Infof("[Veo] Video generated (%d bytes, %d polls)", len(data), polls)
	return data, nil
}

// veoAspectRatio picks the Veo aspect ratio closest to the requested resolution.
func veoAspectRatio(resolution string) string {
	w, h, err := config.ParseResolution(resolution)
	if err != nil || w >= h {
		return "16:9"
	}
	return "9:16"
}

func veoDuration(seconds float64) int32 {
	d := int32(math.Ceil(seconds))
	if d < veoMinSeconds {
		d = veoMinSeconds
	}
	if d > veoMaxSeconds {
		d = veoMaxSeconds
	}
	return d
}
