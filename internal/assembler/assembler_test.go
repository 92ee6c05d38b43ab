package assembler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bobarin/beatsync/internal/fsutil"
	"github.com/bobarin/beatsync/internal/logging"
	"github.com/bobarin/beatsync/internal/models"
	"github.com/bobarin/beatsync/internal/services"
)

// fakeMedia writes placeholder files for every output so later steps find them.
type fakeMedia struct {
	audioSeconds  float64
	masterSeconds float64

	normalized []services.ClipSpec
	sources    []string
	fillers    []services.ClipSpec
	concat     []string
	muxSeconds float64
	cleaned    []string
}

func touch(path string) error {
	return os.WriteFile(path, []byte("x"), 0644)
}

func (f *fakeMedia) Probe(ctx context.Context, path string) (services.MediaInfo, error) {
	if filepath.Base(path) == MasterFileName {
		return services.MediaInfo{DurationSeconds: f.masterSeconds, HasAudio: true, HasVideo: true}, nil
	}
	return services.MediaInfo{DurationSeconds: f.audioSeconds, HasAudio: true}, nil
}

func (f *fakeMedia) NormalizeClip(ctx context.Context, in, out string, spec services.ClipSpec) error {
	f.normalized = append(f.normalized, spec)
	f.sources = append(f.sources, in)
	return touch(out)
}

func (f *fakeMedia) RenderFiller(ctx context.Context, out string, spec services.ClipSpec) error {
	f.fillers = append(f.fillers, spec)
	return touch(out)
}

func (f *fakeMedia) ConcatenateClips(ctx context.Context, clips []string, listPath, out string) error {
	f.concat = append([]string(nil), clips...)
	if err := fsutil.WriteBytes(listPath, []byte(services.ConcatList(clips))); err != nil {
		return err
	}
	return touch(out)
}

func (f *fakeMedia) MuxAudio(ctx context.Context, video, audio, out string, seconds float64) error {
	f.muxSeconds = seconds
	return touch(out)
}

func (f *fakeMedia) Cleanup(paths ...string) {
	f.cleaned = append(f.cleaned, paths...)
}

// manifestWithTakes builds a frozen manifest over the given shot edges. takes[i] == false
// leaves shot i without a selected take.
func manifestWithTakes(t *testing.T, edges []float64, takes []bool) *models.GenerationManifest {
	t.Helper()
	dir := t.TempDir()
	m := &models.GenerationManifest{Frozen: true}
	for i := 0; i+1 < len(edges); i++ {
		rec := models.ShotRecord{
			ShotIndex: i,
			ShotID:    "shot_00" + string(rune('1'+i)),
			StartTime: edges[i],
			EndTime:   edges[i+1],
			Outcome:   models.OutcomeExhausted,
		}
		if takes[i] {
			path := filepath.Join(dir, rec.ShotID+".mp4")
			if err := touch(path); err != nil {
				t.Fatal(err)
			}
			one := 1
			rec.Attempts = []models.TakeAttempt{{ShotIndex: i, AttemptNumber: 1, Status: models.TakeStatusSucceeded, OutputPath: path}}
			rec.SelectedTake = &one
			rec.Outcome = models.OutcomeClean
		}
		m.Shots = append(m.Shots, rec)
	}
	return m
}

func TestFrameCountDoesNotDrift(t *testing.T) {
	edges := []float64{0, 2.02, 4.05, 6.07, 8.1, 10.13}
	total := 0
	for i := 0; i+1 < len(edges); i++ {
		total += FrameCount(edges[i], edges[i+1], 24)
	}
	if total != 243 {
		t.Errorf("total frames = %d, want round(10.13*24) = 243", total)
	}
	if got := FrameCount(2.02, 4.05, 24); got != 49 {
		t.Errorf("FrameCount(2.02, 4.05) = %d, want 49", got)
	}
}

func TestAssembleRejectsIncompleteManifest(t *testing.T) {
	tests := []struct {
		name  string
		takes []bool
	}{
		{"all failed", []bool{false, false, false}},
		{"one missing", []bool{true, false, true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			media := &fakeMedia{audioSeconds: 6}
			m := manifestWithTakes(t, []float64{0, 2, 4, 6}, tt.takes)
			_, err := New(media, logging.Discard()).Assemble(context.Background(), "song.wav", m, Options{OutputDir: t.TempDir()})
			if !errors.Is(err, models.ErrIncompleteManifest) {
				t.Fatalf("expected ErrIncompleteManifest, got %v", err)
			}
			if len(media.normalized) != 0 {
				t.Error("nothing should be encoded for an incomplete manifest")
			}
		})
	}
}

func TestAssembleRejectsReorderedManifest(t *testing.T) {
	media := &fakeMedia{audioSeconds: 6}
	m := manifestWithTakes(t, []float64{0, 2, 4, 6}, []bool{true, true, true})
	m.Shots[0], m.Shots[2] = m.Shots[2], m.Shots[0]

	_, err := New(media, logging.Discard()).Assemble(context.Background(), "song.wav", m, Options{OutputDir: t.TempDir()})
	if !errors.Is(err, models.ErrIncompleteManifest) {
		t.Fatalf("expected ErrIncompleteManifest, got %v", err)
	}
	if len(media.normalized) != 0 || len(media.concat) != 0 {
		t.Error("nothing should be encoded for a reordered manifest")
	}
}

func TestAssembleRejectsDeletedTakeFile(t *testing.T) {
	m := manifestWithTakes(t, []float64{0, 2, 4}, []bool{true, true})
	if err := os.Remove(m.Shots[1].Selected().OutputPath); err != nil {
		t.Fatal(err)
	}
	_, err := New(&fakeMedia{audioSeconds: 4}, logging.Discard()).Assemble(context.Background(), "song.wav", m, Options{OutputDir: t.TempDir()})
	if !errors.Is(err, models.ErrIncompleteManifest) || !strings.Contains(err.Error(), "shot_002") {
		t.Fatalf("expected incomplete manifest naming shot_002, got %v", err)
	}
}

func TestAssembleRejectsUnfrozenManifest(t *testing.T) {
	m := manifestWithTakes(t, []float64{0, 2}, []bool{true})
	m.Frozen = false
	_, err := New(&fakeMedia{audioSeconds: 2}, logging.Discard()).Assemble(context.Background(), "song.wav", m, Options{OutputDir: t.TempDir()})
	if !errors.Is(err, models.ErrIncompleteManifest) {
		t.Fatalf("expected ErrIncompleteManifest, got %v", err)
	}
}

func TestAssembleInPlanOrder(t *testing.T) {
	out := t.TempDir()
	media := &fakeMedia{audioSeconds: 6.01, masterSeconds: 6.01}
	m := manifestWithTakes(t, []float64{0, 2, 4, 6}, []bool{true, true, true})

	report, err := New(media, logging.Discard()).Assemble(context.Background(), "song.wav", m, Options{OutputDir: out})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if report.OutputPath != filepath.Join(out, MasterFileName) {
		t.Errorf("output = %s", report.OutputPath)
	}
	for i, src := range media.sources {
		if src != m.Shots[i].Selected().OutputPath {
			t.Errorf("clip %d source = %s", i, src)
		}
	}
	for i, spec := range media.normalized {
		if spec.Frames != 48 || spec.Width != 1280 || spec.Height != 720 || spec.FPS != 24 || spec.CRF != 18 {
			t.Errorf("clip %d spec = %+v", i, spec)
		}
	}
	for i, clip := range media.concat {
		if want := filepath.Join(out, "assembly", "clip_00"+string(rune('0'+i))+".mp4"); clip != want {
			t.Errorf("concat[%d] = %s, want %s", i, clip, want)
		}
	}
	list, err := os.ReadFile(filepath.Join(out, "assembly", "concat.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(list) != services.ConcatList(media.concat) {
		t.Errorf("concat list = %q", list)
	}
	if media.muxSeconds != 6.01 {
		t.Errorf("mux trimmed to %v", media.muxSeconds)
	}
	if len(report.Warnings) != 0 {
		t.Errorf("unexpected warnings %v", report.Warnings)
	}
	if len(media.cleaned) != 4 {
		t.Errorf("expected 3 clips and the video-only file cleaned, got %v", media.cleaned)
	}

	var saved Report
	if err := fsutil.ReadJSON(filepath.Join(out, ReportFileName), &saved); err != nil {
		t.Fatalf("report not written: %v", err)
	}
	if len(saved.Clips) != 3 || saved.AudioDurationSeconds != 6.01 {
		t.Errorf("saved report = %+v", saved)
	}
}

func TestAssembleFillsGapsWhenAllowed(t *testing.T) {
	media := &fakeMedia{audioSeconds: 6, masterSeconds: 6}
	m := manifestWithTakes(t, []float64{0, 2, 4.05, 6}, []bool{true, false, true})

	report, err := New(media, logging.Discard()).Assemble(context.Background(), "song.wav", m, Options{OutputDir: t.TempDir(), AllowGaps: true})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(media.fillers) != 1 || media.fillers[0].Frames != FrameCount(2, 4.05, 24) {
		t.Fatalf("fillers = %+v", media.fillers)
	}
	if !report.Clips[1].Filler || report.FillerCount != 1 {
		t.Errorf("report clips = %+v", report.Clips)
	}
	if len(media.concat) != 3 {
		t.Errorf("concat should include the filler, got %v", media.concat)
	}
	if len(report.Warnings) == 0 {
		t.Error("filler should be reported as a warning")
	}
}

func TestAssembleWarnsOnDurationDelta(t *testing.T) {
	media := &fakeMedia{audioSeconds: 4, masterSeconds: 4.5}
	m := manifestWithTakes(t, []float64{0, 2, 4}, []bool{true, true})

	report, err := New(media, logging.Discard()).Assemble(context.Background(), "song.wav", m, Options{OutputDir: t.TempDir(), KeepIntermediates: true})
	if err != nil {
		t.Fatal(err)
	}
	if report.DeltaSeconds != 0.5 {
		t.Errorf("delta = %v", report.DeltaSeconds)
	}
	if len(report.Warnings) != 1 || !strings.Contains(report.Warnings[0], "more than one frame") {
		t.Errorf("warnings = %v", report.Warnings)
	}
	if len(media.cleaned) != 0 {
		t.Error("intermediates should be kept")
	}
}
