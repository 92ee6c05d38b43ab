package analyzer

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/bobarin/beatsync/internal/runner"
)

// BeatTracker returns beat timestamps in seconds for an audio file.
type BeatTracker interface {
	Beats(ctx context.Context, path string) ([]float64, error)
}

// Aubio runs `aubio beat <file>`, which prints one timestamp per line.
type Aubio struct {
	bin string
	run runner.Runner
}

func NewAubio(bin string, run runner.Runner) *Aubio {
	if bin == "" {
		bin = "aubio"
	}
	return &Aubio{bin: bin, run: run}
}

func (a *Aubio) Beats(ctx context.Context, path string) ([]float64, error) {
	var out strings.Builder
	res := a.run.Run(ctx, runner.Command{
		Name:   a.bin,
		Args:   []string{"beat", path},
		Stdout: &out,
	})
	if !res.Success() {
		return nil, fmt.Errorf("%s beat failed (exit %d): %s", a.bin, res.ExitCode, strings.TrimSpace(runner.Truncate(res.StderrTail, 300)))
	}
	return parseBeatLines(out.String())
}

// parseBeatLines reads the first numeric field of every line and ignores anything else.
func parseBeatLines(text string) ([]float64, error) {
	var beats []float64
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		v, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			continue
		}
		beats = append(beats, v)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read beat tracker output: %w", err)
	}
	return beats, nil
}
