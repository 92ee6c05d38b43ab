package models

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// TimeEpsilon is the tolerance used when comparing timeline positions.
const TimeEpsilon = 1e-6

func nearlyEqual(a, b float64) bool {
	return math.Abs(a-b) <= TimeEpsilon
}

// Validate checks the beat grid and section invariants.
func (a *AudioAnalysis) Validate() error {
	if a.DurationSeconds <= 0 {
		return fmt.Errorf("%w: duration %.4f must be positive", ErrInvalidAnalysis, a.DurationSeconds)
	}
	if a.BPM <= 0 {
		return fmt.Errorf("%w: bpm %.4f must be positive", ErrInvalidAnalysis, a.BPM)
	}
	for i, beat := range a.BeatTimes {
		if i == 0 && beat < 0 {
			return fmt.Errorf("%w: first beat %.4f is negative", ErrInvalidAnalysis, beat)
		}
		if i > 0 && beat <= a.BeatTimes[i-1] {
			return fmt.Errorf("%w: beat %d at %.4f is not after %.4f", ErrInvalidAnalysis, i, beat, a.BeatTimes[i-1])
		}
	}
	if n := len(a.BeatTimes); n > 0 && a.BeatTimes[n-1] > a.DurationSeconds+TimeEpsilon {
		return fmt.Errorf("%w: last beat %.4f is past duration %.4f", ErrInvalidAnalysis, a.BeatTimes[n-1], a.DurationSeconds)
	}
	if len(a.Sections) == 0 {
		return fmt.Errorf("%w: no sections", ErrInvalidAnalysis)
	}
	cursor := 0.0
	for i, s := range a.Sections {
		if !nearlyEqual(s.Start, cursor) {
			return fmt.Errorf("%w: section %d starts at %.4f, expected %.4f", ErrInvalidAnalysis, i, s.Start, cursor)
		}
		if s.End <= s.Start {
			return fmt.Errorf("%w: section %d has end %.4f <= start %.4f", ErrInvalidAnalysis, i, s.End, s.Start)
		}
		cursor = s.End
	}
	if !nearlyEqual(cursor, a.DurationSeconds) {
		return fmt.Errorf("%w: sections end at %.4f, duration is %.4f", ErrInvalidAnalysis, cursor, a.DurationSeconds)
	}
	return nil
}

// Validate checks that shots are indexed in order and tile [0, duration] without gaps.
func (p *MusicVideoPlan) Validate() error {
	if len(p.Shots) == 0 {
		return fmt.Errorf("plan has no shots")
	}
	cursor := 0.0
	for i, shot := range p.Shots {
		if shot.Index != i {
			return fmt.Errorf("shot %d has index %d", i, shot.Index)
		}
		if !nearlyEqual(shot.StartTime, cursor) {
			return fmt.Errorf("shot %d starts at %.4f, expected %.4f", i, shot.StartTime, cursor)
		}
		if shot.EndTime <= shot.StartTime {
			return fmt.Errorf("shot %d has end %.4f <= start %.4f", i, shot.EndTime, shot.StartTime)
		}
		if !nearlyEqual(shot.Duration, shot.EndTime-shot.StartTime) {
			return fmt.Errorf("shot %d duration %.4f does not match its range", i, shot.Duration)
		}
		cursor = shot.EndTime
	}
	if p.DurationSeconds > 0 && !nearlyEqual(cursor, p.DurationSeconds) {
		return fmt.Errorf("shots end at %.4f, duration is %.4f", cursor, p.DurationSeconds)
	}
	return nil
}

// OffGridBoundaries returns interior shot boundaries that are farther than tol from every beat.
func (p *MusicVideoPlan) OffGridBoundaries(beats []float64, tol float64) []float64 {
	sorted := append([]float64(nil), beats...)
	sort.Float64s(sorted)

	var off []float64
	for i := 0; i+1 < len(p.Shots); i++ {
		boundary := p.Shots[i].EndTime
		j := sort.SearchFloat64s(sorted, boundary)
		best := math.Inf(1)
		if j < len(sorted) {
			best = math.Abs(sorted[j] - boundary)
		}
		if j > 0 {
			best = math.Min(best, math.Abs(boundary-sorted[j-1]))
		}
		if best > tol {
			off = append(off, boundary)
		}
	}
	return off
}

// NewManifest creates one pending record per planned shot, in plan order.
func NewManifest(plan *MusicVideoPlan) *GenerationManifest {
	m := &GenerationManifest{
		Shots:     make([]ShotRecord, len(plan.Shots)),
		StartedAt: time.Now().UTC(),
	}
	for i, shot := range plan.Shots {
		m.Shots[i] = ShotRecord{
			ShotIndex: shot.Index,
			ShotID:    shot.ID,
			StartTime: shot.StartTime,
			EndTime:   shot.EndTime,
			Attempts:  []TakeAttempt{},
			Outcome:   OutcomePending,
		}
	}
	return m
}

// AllTerminal reports whether every shot has reached a terminal outcome.
func (m *GenerationManifest) AllTerminal() bool {
	for _, s := range m.Shots {
		if !s.Outcome.Terminal() {
			return false
		}
	}
	return true
}

// MissingShots lists shot indexes with no selected take.
func (m *GenerationManifest) MissingShots() []int {
	var missing []int
	for _, s := range m.Shots {
		if s.Selected() == nil {
			missing = append(missing, s.ShotIndex)
		}
	}
	return missing
}

// Freeze marks the manifest complete. It fails while any shot is still pending.
func (m *GenerationManifest) Freeze() error {
	if !m.AllTerminal() {
		return fmt.Errorf("manifest has pending shots")
	}
	now := time.Now().UTC()
	m.FinishedAt = &now
	m.Frozen = true
	return nil
}

// CheckAgainstPlan verifies one record per planned shot in identical order.
func (m *GenerationManifest) CheckAgainstPlan(plan *MusicVideoPlan) error {
	if len(m.Shots) != len(plan.Shots) {
		return fmt.Errorf("manifest has %d shots, plan has %d", len(m.Shots), len(plan.Shots))
	}
	for i := range plan.Shots {
		rec, shot := m.Shots[i], plan.Shots[i]
		if rec.ShotIndex != shot.Index {
			return fmt.Errorf("manifest shot %d is plan shot %d", i, rec.ShotIndex)
		}
		if !nearlyEqual(rec.StartTime, shot.StartTime) || !nearlyEqual(rec.EndTime, shot.EndTime) {
			return fmt.Errorf("manifest shot %d spans [%.4f, %.4f], plan has [%.4f, %.4f]",
				i, rec.StartTime, rec.EndTime, shot.StartTime, shot.EndTime)
		}
	}
	return nil
}

// NewCapabilityState returns the empty state used when nothing has been learned yet.
func NewCapabilityState() CapabilityState {
	return CapabilityState{
		UnsupportedFlags:         []string{},
		AttentionBackendFallback: map[string]string{},
	}
}

// FlagUnsupported reports whether flag is recorded as unsupported.
func (c CapabilityState) FlagUnsupported(flag string) bool {
	for _, f := range c.UnsupportedFlags {
		if f == flag {
			return true
		}
	}
	return false
}
