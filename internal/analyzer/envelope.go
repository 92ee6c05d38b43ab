package analyzer

import (
	"encoding/binary"
	"math"
)

// DefaultHopSamples is the analysis hop at services.EnvelopeSampleRate (about 46 ms).
const DefaultHopSamples = 512

// Envelope is a coarse per-hop summary of a mono signal.
type Envelope struct {
	HopSeconds float64
	// RMS holds the root-mean-square level per hop, in [0, 1].
	RMS []float64
	// Brightness is the RMS of the first difference over the RMS, a cheap proxy for
	// high-frequency content.
	Brightness []float64
}

func (e *Envelope) Len() int {
	if e == nil {
		return 0
	}
	return len(e.RMS)
}

// Usable reports whether the envelope carries enough signal to estimate tempo from.
func (e *Envelope) Usable() bool {
	if e.Len() < 32 {
		return false
	}
	for _, v := range e.RMS {
		if v > 1e-4 {
			return true
		}
	}
	return false
}

// envelopeBuilder consumes s16le mono PCM as an io.Writer and accumulates hop statistics.
type envelopeBuilder struct {
	hop   int
	carry []byte

	n         int
	sumSq     float64
	sumDiffSq float64
	prev      float64

	rms        []float64
	brightness []float64
}

func newEnvelopeBuilder(hop int) *envelopeBuilder {
	if hop <= 0 {
		hop = DefaultHopSamples
	}
	return &envelopeBuilder{hop: hop}
}

func (b *envelopeBuilder) Write(p []byte) (int, error) {
	total := len(p)
	if len(b.carry) > 0 {
		p = append(b.carry, p...)
		b.carry = nil
	}
	even := len(p) &^ 1
	for i := 0; i < even; i += 2 {
		b.add(float64(int16(binary.LittleEndian.Uint16(p[i:]))) / 32768.0)
	}
	if even < len(p) {
		b.carry = []byte{p[even]}
	}
	return total, nil
}

func (b *envelopeBuilder) add(s float64) {
	d := s - b.prev
	b.prev = s
	b.sumSq += s * s
	b.sumDiffSq += d * d
	b.n++
	if b.n == b.hop {
		b.flush()
	}
}

func (b *envelopeBuilder) flush() {
	if b.n == 0 {
		return
	}
	rms := math.Sqrt(b.sumSq / float64(b.n))
	bright := 0.0
	if rms > 1e-9 {
		bright = math.Sqrt(b.sumDiffSq/float64(b.n)) / rms
	}
	b.rms = append(b.rms, rms)
	b.brightness = append(b.brightness, bright)
	b.n, b.sumSq, b.sumDiffSq = 0, 0, 0
}

// finish flushes a trailing partial hop when it holds at least half a hop of samples.
func (b *envelopeBuilder) finish(sampleRate int) *Envelope {
	if b.n >= b.hop/2 {
		b.flush()
	}
	return &Envelope{
		HopSeconds: float64(b.hop) / float64(sampleRate),
		RMS:        b.rms,
		Brightness: b.brightness,
	}
}

// window returns the mean RMS and brightness over [start, end) seconds.
func (e *Envelope) window(start, end float64) (energy, bright float64, ok bool) {
	if e.Len() == 0 || end <= start {
		return 0, 0, false
	}
	lo := int(math.Floor(start / e.HopSeconds))
	hi := int(math.Ceil(end / e.HopSeconds))
	if lo < 0 {
		lo = 0
	}
	if hi > len(e.RMS) {
		hi = len(e.RMS)
	}
	if hi <= lo {
		return 0, 0, false
	}
	for i := lo; i < hi; i++ {
		energy += e.RMS[i]
		bright += e.Brightness[i]
	}
	n := float64(hi - lo)
	return energy / n, bright / n, true
}
