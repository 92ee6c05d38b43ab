package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/bobarin/beatsync/internal/assembler"
	"github.com/bobarin/beatsync/internal/models"
	"github.com/bobarin/beatsync/internal/pipeline"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("111"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	panelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

func field(label, value string) string {
	return labelStyle.Render(label+":") + " " + value
}

func outcomeStyle(o models.ShotOutcome) lipgloss.Style {
	switch o {
	case models.OutcomeClean:
		return okStyle
	case models.OutcomeAdjusted:
		return warnStyle
	case models.OutcomeExhausted:
		return errorStyle
	default:
		return mutedStyle
	}
}

func warningLines(warnings []string) []string {
	lines := make([]string, 0, len(warnings))
	for _, w := range warnings {
		lines = append(lines, warnStyle.Render("! ")+w)
	}
	return lines
}

func renderAnalysis(a *models.AudioAnalysis, path string) string {
	lines := []string{
		titleStyle.Render("Audio analysis"),
		field("duration", fmt.Sprintf("%.2fs", a.DurationSeconds)),
		field("tempo", fmt.Sprintf("%.1f BPM, %d beats", a.BPM, len(a.BeatTimes))),
		field("confidence", string(a.Confidence)),
		field("backend", string(a.Backend)),
	}
	for _, s := range a.Sections {
		lines = append(lines, mutedStyle.Render(fmt.Sprintf("  %7.2fs - %7.2fs  %-10s %s", s.Start, s.End, s.Label, s.Energy)))
	}
	lines = append(lines, warningLines(a.Warnings)...)
	lines = append(lines, mutedStyle.Render("saved to "+path))
	return panelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func renderPlan(p *models.MusicVideoPlan, path string) string {
	lines := []string{
		titleStyle.Render("Shot plan"),
		field("theme", p.Theme),
		field("style", p.StylePreset),
		field("shots", fmt.Sprintf("%d over %.2fs (target %.1fs)", len(p.Shots), p.DurationSeconds, p.TargetShotSeconds)),
	}
	for _, s := range p.Shots {
		lines = append(lines, mutedStyle.Render(fmt.Sprintf("  %s %7.2fs - %7.2fs  %-10s %-9s %d takes",
			s.ID, s.StartTime, s.EndTime, s.SectionLabel, s.Priority, s.Takes)))
	}
	lines = append(lines, warningLines(p.Warnings)...)
	lines = append(lines, mutedStyle.Render("saved to "+path))
	return panelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func renderAssembly(r *assembler.Report) string {
	lines := []string{
		titleStyle.Render("Master video"),
		field("output", r.OutputPath),
		field("format", fmt.Sprintf("%s @ %d fps", r.Resolution, r.FPS)),
		field("clips", fmt.Sprintf("%d (%d filler)", len(r.Clips), r.FillerCount)),
		field("duration", fmt.Sprintf("%.3fs video, %.3fs audio", r.OutputDurationSeconds, r.AudioDurationSeconds)),
	}
	lines = append(lines, warningLines(r.Warnings)...)
	return panelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func renderReport(r *pipeline.RunReport) string {
	lines := []string{titleStyle.Render("Run report")}
	if r.Theme != "" {
		lines = append(lines, field("theme", r.Theme))
	}
	lines = append(lines, field("engine", r.Engine))

	outcomes := make([]string, 0, len(r.Outcomes))
	for o, n := range r.Outcomes {
		outcomes = append(outcomes, fmt.Sprintf("%s %d", o, n))
	}
	sort.Strings(outcomes)
	lines = append(lines, field("outcomes", strings.Join(outcomes, ", ")))

	for _, s := range r.Shots {
		line := fmt.Sprintf("  %s  %d attempts  %s", s.ShotID, s.Attempts, outcomeStyle(s.Outcome).Render(s.Summary))
		if len(s.Adjustments) > 0 {
			line += mutedStyle.Render("  (" + strings.Join(s.Adjustments, "; ") + ")")
		}
		lines = append(lines, line)
		if s.Error != "" {
			lines = append(lines, mutedStyle.Render("    "+s.Error))
		}
	}
	if r.MasterPath != "" {
		lines = append(lines, field("master", r.MasterPath))
	}
	lines = append(lines, warningLines(r.Warnings)...)
	return panelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func renderCapabilities(root string, state models.CapabilityState) string {
	lines := []string{
		titleStyle.Render("Engine capabilities"),
		field("engine root", root),
	}
	if len(state.UnsupportedFlags) == 0 && len(state.AttentionBackendFallback) == 0 {
		lines = append(lines, mutedStyle.Render("nothing learned yet"))
	}
	for _, f := range state.UnsupportedFlags {
		lines = append(lines, field("unsupported", f))
	}
	modes := make([]string, 0, len(state.AttentionBackendFallback))
	for from := range state.AttentionBackendFallback {
		modes = append(modes, from)
	}
	sort.Strings(modes)
	for _, from := range modes {
		lines = append(lines, field("attention", from+" -> "+state.AttentionBackendFallback[from]))
	}
	if n := len(state.Incidents); n > 0 {
		last := state.Incidents[n-1]
		lines = append(lines, mutedStyle.Render(fmt.Sprintf("%d incidents, last %s at %s", n, last.Signature, last.At.Format("2006-01-02 15:04"))))
	}
	return panelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}
