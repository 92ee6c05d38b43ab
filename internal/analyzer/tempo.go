package analyzer

import (
	"math"
	"sort"
)

const (
	minTrackedBPM = 40.0
	maxTrackedBPM = 220.0

	minSearchBPM = 60.0
	maxSearchBPM = 200.0

	fallbackBPM = 120.0
)

// MedianInterval returns the median gap between consecutive beats, or 0 for fewer than two.
func MedianInterval(beats []float64) float64 {
	if len(beats) < 2 {
		return 0
	}
	gaps := make([]float64, 0, len(beats)-1)
	for i := 1; i < len(beats); i++ {
		if d := beats[i] - beats[i-1]; d > 0 {
			gaps = append(gaps, d)
		}
	}
	if len(gaps) == 0 {
		return 0
	}
	sort.Float64s(gaps)
	mid := len(gaps) / 2
	if len(gaps)%2 == 1 {
		return gaps[mid]
	}
	return (gaps[mid-1] + gaps[mid]) / 2
}

// bpmFromBeats derives tempo from the median beat interval, clamped to the tracked range.
func bpmFromBeats(beats []float64) float64 {
	interval := MedianInterval(beats)
	if interval <= 0 {
		return fallbackBPM
	}
	return clamp(60/interval, minTrackedBPM, maxTrackedBPM)
}

// onsetStrength is the half-wave rectified first difference of the RMS envelope.
func onsetStrength(rms []float64) []float64 {
	flux := make([]float64, len(rms))
	for i := 1; i < len(rms); i++ {
		if d := rms[i] - rms[i-1]; d > 0 {
			flux[i] = d
		}
	}
	return flux
}

// estimateTempo autocorrelates the onset envelope over lags spanning 60-200 BPM. It
// reports false when no lag stands out from the zero-lag energy.
func estimateTempo(flux []float64, hopSeconds float64) (bpm float64, ok bool) {
	if len(flux) == 0 || hopSeconds <= 0 {
		return 0, false
	}
	mean := 0.0
	for _, v := range flux {
		mean += v
	}
	mean /= float64(len(flux))
	centered := make([]float64, len(flux))
	for i, v := range flux {
		centered[i] = v - mean
	}

	zero := 0.0
	for _, v := range centered {
		zero += v * v
	}
	if zero <= 1e-12 {
		return 0, false
	}

	lagMin := int(math.Floor(60 / maxSearchBPM / hopSeconds))
	lagMax := int(math.Ceil(60 / minSearchBPM / hopSeconds))
	if lagMin < 1 {
		lagMin = 1
	}
	if lagMax >= len(centered)/2 {
		lagMax = len(centered)/2 - 1
	}
	if lagMax < lagMin {
		return 0, false
	}

	bestLag, bestScore := 0, 0.0
	for lag := lagMin; lag <= lagMax; lag++ {
		score := 0.0
		for i := lag; i < len(centered); i++ {
			score += centered[i] * centered[i-lag]
		}
		score /= float64(len(centered) - lag)
		// near-equal scores keep the shorter lag
		if score > bestScore*(1+1e-9) {
			bestLag, bestScore = lag, score
		}
	}
	if bestLag == 0 || bestScore < 0.1*zero/float64(len(centered)) {
		return 0, false
	}

	period := float64(bestLag) * hopSeconds
	return clamp(60/period, minSearchBPM, maxSearchBPM), true
}

// gridPhase picks the offset within one beat period whose grid collects the most onset energy.
func gridPhase(flux []float64, hopSeconds, interval float64) float64 {
	if len(flux) == 0 || interval <= 0 {
		return 0
	}
	periodHops := interval / hopSeconds
	steps := int(math.Ceil(periodHops))
	best, bestScore := 0, -1.0
	for off := 0; off < steps; off++ {
		score := 0.0
		for k := 0; ; k++ {
			idx := int(math.Round(float64(off) + float64(k)*periodHops))
			if idx >= len(flux) {
				break
			}
			score += flux[idx]
		}
		if score > bestScore {
			best, bestScore = off, score
		}
	}
	return float64(best) * hopSeconds
}

// evenGrid lays beats every interval from phase up to, but not past, duration.
func evenGrid(phase, interval, duration float64) []float64 {
	if interval <= 0 || duration <= 0 {
		return nil
	}
	var beats []float64
	for i := 0; ; i++ {
		t := round4(phase + float64(i)*interval)
		if t >= duration {
			break
		}
		beats = append(beats, t)
	}
	if len(beats) == 0 {
		beats = []float64{0}
	}
	return beats
}

// cleanBeats clips beats to [0, duration], rounds them and drops non-increasing entries.
func cleanBeats(raw []float64, duration float64) []float64 {
	sorted := append([]float64(nil), raw...)
	sort.Float64s(sorted)
	out := make([]float64, 0, len(sorted))
	for _, b := range sorted {
		b = round4(b)
		if b < 0 || b > duration {
			continue
		}
		if len(out) > 0 && b <= out[len(out)-1] {
			continue
		}
		out = append(out, b)
	}
	return out
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
