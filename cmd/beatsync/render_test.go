package main

import (
	"strings"
	"testing"
	"time"

	"github.com/bobarin/beatsync/internal/models"
	"github.com/bobarin/beatsync/internal/pipeline"
)

func TestRenderReport(t *testing.T) {
	report := &pipeline.RunReport{
		Theme:  "neon city",
		Engine: "wan2gp",
		Shots: []pipeline.ShotSummary{
			{ShotID: "shot_000", Attempts: 2, Outcome: models.OutcomeAdjusted, Summary: "finished with learned adjustments", Adjustments: []string{"attention sage2->sdpa"}},
			{ShotID: "shot_001", Attempts: 3, Outcome: models.OutcomeExhausted, Summary: "exhausted, shot missing from output", Error: "shot exhausted all takes: render failure"},
		},
		Outcomes:   map[models.ShotOutcome]int{models.OutcomeAdjusted: 1, models.OutcomeExhausted: 1},
		MasterPath: "/runs/a/music_video_master.mp4",
		Warnings:   []string{"section boundary moved"},
	}

	out := renderReport(report)
	for _, want := range []string{
		"neon city",
		"wan2gp",
		"adjusted 1, exhausted 1",
		"shot_000",
		"attention sage2->sdpa",
		"shot exhausted all takes",
		"music_video_master.mp4",
		"section boundary moved",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderCapabilities(t *testing.T) {
	empty := renderCapabilities("/opt/wan2gp", models.NewCapabilityState())
	if !strings.Contains(empty, "nothing learned yet") {
		t.Errorf("empty state output:\n%s", empty)
	}

	state := models.NewCapabilityState()
	state.UnsupportedFlags = []string{"--teacache"}
	state.AttentionBackendFallback["sage2"] = "sdpa"
	state.Incidents = []models.Incident{{Signature: "sage_attention_unavailable", At: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}}

	out := renderCapabilities("/opt/wan2gp", state)
	for _, want := range []string{"--teacache", "sage2 -> sdpa", "1 incidents", "sage_attention_unavailable"} {
		if !strings.Contains(out, want) {
			t.Errorf("capabilities output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "nothing learned yet") {
		t.Error("learned state rendered as empty")
	}
}
