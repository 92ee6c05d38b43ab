package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bobarin/beatsync/internal/fsutil"
	"github.com/bobarin/beatsync/internal/logging"
)

const (
	xaiBaseURL           = "https://api.x.ai/v1"
	xaiVideoModel        = "grok-imagine-video"
	xaiResolution        = "720p"
	xaiMinDuration       = 1
	xaiMaxDuration       = 15
	xaiPollBackoffFactor = 1.5
)

// XAI renders takes through xAI's deferred video API: submit, poll by request_id, download.
type XAI struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	log        logrus.FieldLogger

	initialDelay    time.Duration
	pollMinInterval time.Duration
	pollMaxInterval time.Duration
	maxPollDuration time.Duration
}

func NewXAI(apiKey string, log logrus.FieldLogger) *XAI {
	return &XAI{
		apiKey:          apiKey,
		baseURL:         xaiBaseURL,
		httpClient:      &http.Client{Timeout: 30 * time.Second},
		log:             logging.Component(log, "xai"),
		initialDelay:    15 * time.Second,
		pollMinInterval: 5 * time.Second,
		pollMaxInterval: 20 * time.Second,
		maxPollDuration: 5 * time.Minute,
	}
}

func (x *XAI) Name() string { return "xai" }

type xaiGenerationRequest struct {
	Prompt      string `json:"prompt"`
	Model       string `json:"model"`
	Duration    int    `json:"duration,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
	Resolution  string `json:"resolution,omitempty"`
}

type xaiGenerationResponse struct {
	RequestID string `json:"request_id"`
}

// xaiVideoResult covers both poll shapes: {"status":"pending"} while running, and a
// "video" object with no status once complete.
type xaiVideoResult struct {
	Status string `json:"status"`
	Video  *struct {
		URL      string `json:"url"`
		Duration int    `json:"duration"`
	} `json:"video,omitempty"`
	Error string `json:"error"`
}

func (x *XAI) Render(ctx context.Context, req RenderRequest) RenderResult {
	if err := os.MkdirAll(req.OutputDir, 0755); err != nil {
		return RenderResult{ExitCode: -1, Log: fmt.Sprintf("create output dir: %v", err)}
	}

	data, err := x.generate(ctx, req)
	if err != nil {
		res := RenderResult{ExitCode: 1, Log: err.Error()}
		switch ctx.Err() {
		case context.DeadlineExceeded:
			res.TimedOut = true
		case context.Canceled:
			res.Cancelled = true
		}
		return res
	}

	out := filepath.Join(req.OutputDir, fmt.Sprintf("%s_take%02d.mp4", req.ShotID, req.Attempt))
	if err := fsutil.WriteBytes(out, data); err != nil {
		return RenderResult{ExitCode: 1, Log: err.Error()}
	}
	return RenderResult{ExitCode: 0, OutputPath: out, Log: fmt.Sprintf("xai wrote %d bytes", len(data))}
}

func (x *XAI) generate(ctx context.Context, req RenderRequest) ([]byte, error) {
	body := xaiGenerationRequest{
		Prompt:      req.Prompt,
		Model:       xaiVideoModel,
		Duration:    xaiDuration(req.DurationSeconds),
		AspectRatio: veoAspectRatio(req.Resolution),
		Resolution:  xaiResolution,
	}

	log := x.log.WithFields(logrus.Fields{"shot": req.ShotID, "attempt": req.Attempt})
	log.Infof("[xAI Video] Starting video generation (promptLen=%d, duration=%ds)", len(req.Prompt), body.Duration)

	requestID, err := x.submit(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("failed to submit video generation: %w", err)
	}

	videoURL, err := x.poll(ctx, log, requestID)
	if err != nil {
		return nil, err
	}

	data, err := x.download(ctx, videoURL)
	if err != nil {
		return nil, fmt.Errorf("failed to download generated video: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("downloaded video is empty (0 bytes)")
	}
	log.Infof("[xAI Video] Video downloaded (%d bytes)", len(data))
	return data, nil
}

func (x *XAI) submit(ctx context.Context, body xaiGenerationRequest) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, x.baseURL+"/videos/generations", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+x.apiKey)

	resp, err := x.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("xAI returned status %d: %s", resp.StatusCode, string(data))
	}

	var gen xaiGenerationResponse
	if err := json.Unmarshal(data, &gen); err != nil {
		return "", fmt.Errorf("failed to parse generation response: %w (body: %s)", err, string(data))
	}
	if gen.RequestID == "" {
		return "", fmt.Errorf("no request_id in generation response: %s", string(data))
	}
	return gen.RequestID, nil
}

// poll waits for requestID to finish, backing off from pollMinInterval to pollMaxInterval.
func (x *XAI) poll(ctx context.Context, log logrus.FieldLogger, requestID string) (string, error) {
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("video generation cancelled during initial wait: %w", ctx.Err())
	case <-time.After(x.initialDelay):
	}

	deadline := time.Now().Add(x.maxPollDuration)
	interval := x.pollMinInterval
	for polls := 1; ; polls++ {
		if time.Now().After(deadline) {
			return "", fmt.Errorf("video generation timed out after %v (polled %d times, request_id=%s)", x.maxPollDuration, polls-1, requestID)
		}

		result, err := x.result(ctx, requestID)
		if err != nil {
			return "", fmt.Errorf("failed to poll video result (attempt %d): %w", polls, err)
		}
		if result.Video != nil && result.Video.URL != "" {
			return result.Video.URL, nil
		}
		if result.Status == "failed" {
			msg := result.Error
			if msg == "" {
				msg = "unknown error"
			}
			return "", fmt.Errorf("video generation failed: %s (request_id=%s)", msg, requestID)
		}

		log.Debugf("[xAI Video] Poll %d: status=%s (next poll in %v)", polls, result.Status, interval)
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("video generation cancelled: %w", ctx.Err())
		case <-time.After(interval):
		}
		interval = time.Duration(float64(interval) * xaiPollBackoffFactor)
		if interval > x.pollMaxInterval {
			interval = x.pollMaxInterval
		}
	}
}

func (x *XAI) result(ctx context.Context, requestID string) (*xaiVideoResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/videos/%s", x.baseURL, requestID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+x.apiKey)

	resp, err := x.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	// 202 with {"status":"pending"} while the video is being generated
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("xAI returned status %d: %s", resp.StatusCode, string(data))
	}

	var result xaiVideoResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to parse video result: %w (body: %s)", err, string(data))
	}
	return &result, nil
}

func (x *XAI) download(ctx context.Context, videoURL string) ([]byte, error) {
	client := &http.Client{Timeout: 120 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, videoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create download request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("video download returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func xaiDuration(seconds float64) int {
	d := int(math.Ceil(seconds))
	if d < xaiMinDuration {
		d = xaiMinDuration
	}
	if d > xaiMaxDuration {
		d = xaiMaxDuration
	}
	return d
}
