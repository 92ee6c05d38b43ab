package engine

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/bobarin/beatsync/internal/fsutil"
	"github.com/bobarin/beatsync/internal/logging"
	"github.com/bobarin/beatsync/internal/runner"
)

type fakeRunner struct {
	calls  []runner.Command
	result runner.Result
	// writeClip creates an mp4 in the --output-dir argument before returning.
	writeClip bool
}

func (f *fakeRunner) Run(ctx context.Context, cmd runner.Command) runner.Result {
	f.calls = append(f.calls, cmd)
	if f.writeClip {
		for i, a := range cmd.Args {
			if a == "--output-dir" && i+1 < len(cmd.Args) {
				_ = os.WriteFile(filepath.Join(cmd.Args[i+1], "clip.mp4"), []byte("mp4"), 0644)
			}
		}
	}
	return f.result
}

func newTestWan(t *testing.T, fr *fakeRunner) *Wan2GP {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "wgp.py"), []byte("# stub\n"), 0644); err != nil {
		t.Fatal(err)
	}
	w, err := NewWan2GP(root, "python3", fr, logging.Discard())
	if err != nil {
		t.Fatalf("NewWan2GP: %v", err)
	}
	return w
}

func TestBaseArgs(t *testing.T) {
	args, err := BaseArgs(ArgOptions{ModelPreset: "t2v-1-3B", Attention: "sage2", Profile: "3", Teacache: 2.0, Compile: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := map[string]string{
		"--verbose":   "0",
		"--attention": "sage2",
		"--profile":   "3",
		"--teacache":  "2",
		"--compile":   "",
		"--t2v-1-3B":  "",
	}
	if !reflect.DeepEqual(args, want) {
		t.Errorf("BaseArgs = %v, want %v", args, want)
	}

	if _, err := BaseArgs(ArgOptions{Attention: "xformers"}); err == nil {
		t.Error("expected unknown attention mode to be rejected")
	}
	if _, err := BaseArgs(ArgOptions{ModelPreset: "t2v-99B"}); err == nil {
		t.Error("expected unknown preset to be rejected")
	}
}

func TestFlagListIsSortedAndDeterministic(t *testing.T) {
	args := map[string]string{"--profile": "3", "--compile": "", "--attention": "sdpa"}
	got := FlagList(args)
	want := []string{"--attention", "sdpa", "--compile", "--profile", "3"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("FlagList = %v, want %v", got, want)
	}
}

func TestNewWan2GPRequiresEntryPoint(t *testing.T) {
	if _, err := NewWan2GP(t.TempDir(), "", &fakeRunner{}, logging.Discard()); err == nil {
		t.Fatal("expected missing wgp.py to be rejected")
	}
}

func TestWan2GPRenderSuccess(t *testing.T) {
	fr := &fakeRunner{writeClip: true}
	w := newTestWan(t, fr)
	out := filepath.Join(t.TempDir(), "shot_001", "take_01")

	res := w.Render(context.Background(), RenderRequest{
		ShotID:          "shot_001",
		Attempt:         1,
		Prompt:          "  neon alley  ",
		DurationSeconds: 2.5,
		Resolution:      "832x480",
		FPS:             16,
		Seed:            7,
		Quality:         "draft",
		Args:            map[string]string{"--attention": "sdpa"},
		OutputDir:       out,
	})
	if !res.Succeeded() {
		t.Fatalf("expected success, got %+v", res)
	}
	if filepath.Dir(res.OutputPath) != out {
		t.Errorf("unexpected output path %s", res.OutputPath)
	}

	if len(fr.calls) != 1 {
		t.Fatalf("expected one call, got %d", len(fr.calls))
	}
	call := fr.calls[0]
	if call.Name != "python3" || call.Dir != w.Root() {
		t.Errorf("unexpected command %s in %s", call.Name, call.Dir)
	}
	wantArgs := []string{"wgp.py", "--process", filepath.Join(out, "settings.json"), "--output-dir", out, "--attention", "sdpa"}
	if !reflect.DeepEqual(call.Args, wantArgs) {
		t.Errorf("args = %v, want %v", call.Args, wantArgs)
	}
	if call.LogFile != filepath.Join(out, "render.log") {
		t.Errorf("unexpected log file %s", call.LogFile)
	}

	var settings processSettings
	if err := fsutil.ReadJSON(filepath.Join(out, "settings.json"), &settings); err != nil {
		t.Fatalf("read settings: %v", err)
	}
	if settings.Prompt != "neon alley" || settings.VideoLength != 40 || settings.NumInferenceSteps != 12 || settings.Seed != 7 {
		t.Errorf("unexpected settings %+v", settings)
	}
}

func TestWan2GPRenderFailureCarriesLog(t *testing.T) {
	fr := &fakeRunner{result: runner.Result{ExitCode: 2, StderrTail: "wgp.py: error: unrecognized arguments: --teacache 2.0"}}
	w := newTestWan(t, fr)

	res := w.Render(context.Background(), RenderRequest{ShotID: "shot_001", Attempt: 1, DurationSeconds: 1, OutputDir: t.TempDir()})
	if res.Succeeded() || res.ExitCode != 2 {
		t.Fatalf("expected failure with exit code 2, got %+v", res)
	}
	if res.Log == "" {
		t.Error("expected engine stderr in the log")
	}
}

func TestWan2GPRenderWithoutClipFails(t *testing.T) {
	w := newTestWan(t, &fakeRunner{})
	res := w.Render(context.Background(), RenderRequest{ShotID: "shot_001", Attempt: 1, DurationSeconds: 1, OutputDir: t.TempDir()})
	if res.Succeeded() || res.ExitCode == 0 {
		t.Fatalf("expected missing output to fail, got %+v", res)
	}
}

func TestBuildSettingsFrameBounds(t *testing.T) {
	tests := []struct {
		name     string
		duration float64
		want     int
	}{
		{"short shot uses minimum", 0.5, wanMinFrames},
		{"typical shot", 4, 64},
		{"long shot is capped", 60, wanMaxFrames},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := buildSettings(RenderRequest{DurationSeconds: tt.duration, FPS: 16}).VideoLength
			if got != tt.want {
				t.Errorf("video_length = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestVeoHelpers(t *testing.T) {
	if got := veoAspectRatio("1280x720"); got != "16:9" {
		t.Errorf("landscape aspect = %s", got)
	}
	if got := veoAspectRatio("720x1280"); got != "9:16" {
		t.Errorf("portrait aspect = %s", got)
	}
	if got := veoDuration(1.2); got != veoMinSeconds {
		t.Errorf("short duration = %d", got)
	}
	if got := veoDuration(5.1); got != 6 {
		t.Errorf("duration = %d, want 6", got)
	}
	if got := veoDuration(30); got != veoMaxSeconds {
		t.Errorf("long duration = %d", got)
	}
}
