package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bobarin/beatsync/internal/logging"
)

func newTestXAI(baseURL string) *XAI {
	x := NewXAI("test-key", logging.Discard())
	x.baseURL = baseURL
	x.initialDelay = time.Millisecond
	x.pollMinInterval = time.Millisecond
	x.pollMaxInterval = 2 * time.Millisecond
	x.maxPollDuration = 5 * time.Second
	return x
}

func TestXAIRenderPollsUntilComplete(t *testing.T) {
	var polls int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/videos/generations":
			if r.Header.Get("Authorization") != "Bearer test-key" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			var body xaiGenerationRequest
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body.Duration != 3 || body.AspectRatio != "16:9" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(`{"request_id":"req-1"}`))
		case r.URL.Path == "/videos/req-1":
			if atomic.AddInt32(&polls, 1) < 3 {
				w.WriteHeader(http.StatusAccepted)
				_, _ = w.Write([]byte(`{"status":"pending"}`))
				return
			}
			_, _ = w.Write([]byte(`{"video":{"url":"` + srv.URL + `/files/clip.mp4","duration":3}}`))
		case r.URL.Path == "/files/clip.mp4":
			_, _ = w.Write([]byte("mp4-bytes"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	x := newTestXAI(srv.URL)
	res := x.Render(context.Background(), RenderRequest{
		ShotID:          "shot_004",
		Attempt:         2,
		Prompt:          "neon alley",
		DurationSeconds: 2.5,
		Resolution:      "1280x720",
		OutputDir:       t.TempDir(),
	})
	if !res.Succeeded() {
		t.Fatalf("expected success, got %+v", res)
	}
	if !strings.HasSuffix(res.OutputPath, "shot_004_take02.mp4") {
		t.Errorf("unexpected output path %s", res.OutputPath)
	}
	data, err := os.ReadFile(res.OutputPath)
	if err != nil || string(data) != "mp4-bytes" {
		t.Errorf("unexpected clip contents %q (%v)", data, err)
	}
	if atomic.LoadInt32(&polls) != 3 {
		t.Errorf("expected 3 polls, got %d", polls)
	}
}

func TestXAIRenderFailureBecomesExitCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_, _ = w.Write([]byte(`{"request_id":"req-2"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"failed","error":"content moderation"}`))
	}))
	defer srv.Close()

	res := newTestXAI(srv.URL).Render(context.Background(), RenderRequest{ShotID: "shot_001", Attempt: 1, DurationSeconds: 4, OutputDir: t.TempDir()})
	if res.Succeeded() || res.ExitCode != 1 {
		t.Fatalf("expected failure, got %+v", res)
	}
	if !strings.Contains(res.Log, "content moderation") {
		t.Errorf("expected API error in log, got %q", res.Log)
	}
}

func TestXAIDuration(t *testing.T) {
	tests := []struct {
		in   float64
		want int
	}{
		{0.2, 1},
		{6, 6},
		{6.01, 7},
		{40, xaiMaxDuration},
	}
	for _, tt := range tests {
		if got := xaiDuration(tt.in); got != tt.want {
			t.Errorf("xaiDuration(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
