package analyzer

import (
	"math"
	"sort"

	"github.com/bobarin/beatsync/internal/models"
)

const (
	beatsPerBar = 8

	// boundaryThreshold is the normalized feature distance that counts as a change of section.
	boundaryThreshold = 0.18
)

type layoutEntry struct {
	label string
	share float64
}

var shortLayout = []layoutEntry{
	{"intro", 0.14},
	{"verse", 0.24},
	{"chorus", 0.22},
	{"verse", 0.2},
	{"chorus", 0.2},
}

var longLayout = []layoutEntry{
	{"intro", 0.1},
	{"verse", 0.16},
	{"pre-chorus", 0.1},
	{"chorus", 0.14},
	{"verse", 0.16},
	{"chorus", 0.14},
	{"bridge", 0.1},
	{"chorus", 0.1},
}

var layoutEnergy = map[string]models.Energy{
	"intro":      models.EnergyLow,
	"verse":      models.EnergyMedium,
	"pre-chorus": models.EnergyMedium,
	"chorus":     models.EnergyHigh,
	"bridge":     models.EnergyMedium,
	"outro":      models.EnergyLow,
}

// minSectionLength is the floor on section length: the configured seconds or one 8-beat bar,
// whichever is longer.
func minSectionLength(minSeconds, interval float64) float64 {
	return math.Max(minSeconds, beatsPerBar*interval)
}

// detectBoundaries finds bar-aligned times where the windowed energy/brightness summary on
// either side differs by more than the threshold. Each side spans minLen, so short spikes
// do not qualify.
func detectBoundaries(env *Envelope, beats []float64, duration, minLen float64) []float64 {
	if env.Len() == 0 || len(beats) < 2*beatsPerBar || minLen <= 0 {
		return nil
	}

	maxEnergy, maxBright := 0.0, 0.0
	for i := range env.RMS {
		maxEnergy = math.Max(maxEnergy, env.RMS[i])
		maxBright = math.Max(maxBright, env.Brightness[i])
	}
	if maxEnergy <= 1e-9 {
		return nil
	}
	if maxBright <= 1e-9 {
		maxBright = 1
	}

	type candidate struct {
		t     float64
		score float64
	}
	var candidates []candidate
	for i := beatsPerBar; i < len(beats); i += beatsPerBar {
		t := beats[i]
		if t < minLen || duration-t < minLen {
			continue
		}
		e1, b1, ok1 := env.window(t-minLen, t)
		e2, b2, ok2 := env.window(t, t+minLen)
		if !ok1 || !ok2 {
			continue
		}
		score := math.Abs(e2-e1)/maxEnergy + 0.5*math.Abs(b2-b1)/maxBright
		if score > boundaryThreshold {
			candidates = append(candidates, candidate{t, score})
		}
	}

	// Strongest first; keep a candidate only if it is at least minLen from every kept one.
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	var kept []float64
	for _, c := range candidates {
		clear := true
		for _, k := range kept {
			if math.Abs(c.t-k) < minLen-models.TimeEpsilon {
				clear = false
				break
			}
		}
		if clear {
			kept = append(kept, c.t)
		}
	}
	sort.Float64s(kept)
	return kept
}

// layoutSections places a duration-dependent song layout on the beat grid.
func layoutSections(duration float64, beats []float64, minLen float64) []models.Section {
	layout := shortLayout
	if duration > 45 {
		layout = longLayout
	}
	minSpan := math.Max(2, minLen)

	bounds := []float64{0}
	var labels []string
	cursor := 0.0
	for i, entry := range layout {
		cursor += duration * entry.share
		b := SnapToBeat(cursor, beats)
		if i == len(layout)-1 || b >= duration {
			break
		}
		if b-bounds[len(bounds)-1] < minSpan || duration-b < minSpan {
			continue
		}
		bounds = append(bounds, b)
		labels = append(labels, entry.label)
	}
	if len(labels) == 0 {
		labels = append(labels, "verse")
	} else {
		labels = append(labels, layout[len(layout)-1].label)
	}
	bounds = append(bounds, duration)

	sections := make([]models.Section, 0, len(bounds)-1)
	for i := 0; i+1 < len(bounds); i++ {
		label := labels[i]
		sections = append(sections, models.Section{
			Start:  bounds[i],
			End:    bounds[i+1],
			Label:  label,
			Energy: layoutEnergy[label],
		})
	}
	return sections
}

// sectionsFromBoundaries builds contiguous sections and labels them by relative energy.
func sectionsFromBoundaries(bounds []float64, duration float64, env *Envelope) []models.Section {
	edges := append([]float64{0}, bounds...)
	edges = append(edges, duration)

	sections := make([]models.Section, 0, len(edges)-1)
	energies := make([]float64, 0, len(edges)-1)
	for i := 0; i+1 < len(edges); i++ {
		e, _, _ := env.window(edges[i], edges[i+1])
		sections = append(sections, models.Section{Start: edges[i], End: edges[i+1]})
		energies = append(energies, e)
	}

	levels := energyLevels(energies)
	for i := range sections {
		sections[i].Energy = levels[i]
		sections[i].Label = labelFor(i, levels)
	}
	return sections
}

// energyLevels buckets values into thirds of their observed range.
func energyLevels(values []float64) []models.Energy {
	levels := make([]models.Energy, len(values))
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	span := hi - lo
	for i, v := range values {
		switch {
		case span <= 1e-9 || span < 0.05*hi:
			levels[i] = models.EnergyMedium
		case (v-lo)/span >= 2.0/3.0:
			levels[i] = models.EnergyHigh
		case (v-lo)/span <= 1.0/3.0:
			levels[i] = models.EnergyLow
		default:
			levels[i] = models.EnergyMedium
		}
	}
	return levels
}

// labelFor names section i from its energy and its neighbours.
func labelFor(i int, levels []models.Energy) string {
	last := len(levels) - 1
	level := levels[i]
	switch {
	case level == models.EnergyLow && i == 0 && last > 0:
		return "intro"
	case level == models.EnergyLow && i == last && last > 0:
		return "outro"
	case level == models.EnergyHigh:
		return "chorus"
	case level == models.EnergyMedium && i < last && levels[i+1] == models.EnergyHigh:
		return "pre-chorus"
	case level == models.EnergyLow:
		return "bridge"
	default:
		return "verse"
	}
}

// SnapToBeat returns the beat nearest t. Exact ties go to the earlier beat.
func SnapToBeat(t float64, beats []float64) float64 {
	if len(beats) == 0 {
		return t
	}
	j := sort.SearchFloat64s(beats, t)
	switch {
	case j == 0:
		return beats[0]
	case j == len(beats):
		return beats[len(beats)-1]
	}
	before, after := beats[j-1], beats[j]
	if after-t < t-before {
		return after
	}
	return before
}
