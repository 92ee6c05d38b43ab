package engine

import (
	"context"
	"fmt"
	"sort"
	"strconv"
)

// RenderRequest is one take to render.
type RenderRequest struct {
	ShotIndex       int
	ShotID          string
	Attempt         int
	Prompt          string
	NegativePrompt  string
	DurationSeconds float64
	Resolution      string
	FPS             int
	Seed            int64
	Quality         string
	// Args are engine flags after capability overrides. A flag with an empty value is a switch.
	Args      map[string]string
	OutputDir string
}

// RenderResult is what a render produced. ExitCode is 0 only for a usable clip.
type RenderResult struct {
	ExitCode   int
	OutputPath string
	Log        string
	TimedOut   bool
	Cancelled  bool
}

func (r RenderResult) Succeeded() bool {
	return r.ExitCode == 0 && r.OutputPath != "" && !r.TimedOut && !r.Cancelled
}

// Engine renders one clip per call. Implementations never return Go errors for render
// failures; the exit code and log text carry them.
type Engine interface {
	Name() string
	Render(ctx context.Context, req RenderRequest) RenderResult
}

// ModelPresets maps preset names to the engine flag that selects them.
var ModelPresets = map[string]string{
	"none":      "",
	"t2v-1-3B":  "--t2v-1-3B",
	"t2v-14B":   "--t2v-14B",
	"i2v-1-3B":  "--i2v-1-3B",
	"i2v-14B":   "--i2v-14B",
	"vace-1-3B": "--vace-1-3B",
	"vace-1.3B": "--vace-1-3B",
}

var AttentionModes = map[string]bool{"sdpa": true, "flash": true, "sage": true, "sage2": true}

// ArgOptions are the tunable generation arguments shared by every take.
type ArgOptions struct {
	ModelPreset string
	Attention   string
	Profile     string
	Teacache    float64
	Compile     bool
	Verbose     int
}

// BaseArgs builds the flag map for a run before capability overrides are applied.
func BaseArgs(opts ArgOptions) (map[string]string, error) {
	args := map[string]string{
		"--verbose": strconv.Itoa(opts.Verbose),
	}
	if opts.Attention != "" {
		if !AttentionModes[opts.Attention] {
			return nil, fmt.Errorf("unsupported attention mode: %s", opts.Attention)
		}
		args["--attention"] = opts.Attention
	}
	if opts.Profile != "" {
		args["--profile"] = opts.Profile
	}
	if opts.Teacache > 0 {
		args["--teacache"] = strconv.FormatFloat(opts.Teacache, 'f', -1, 64)
	}
	if opts.Compile {
		args["--compile"] = ""
	}
	preset := opts.ModelPreset
	if preset == "" {
		preset = "none"
	}
	flag, ok := ModelPresets[preset]
	if !ok {
		return nil, fmt.Errorf("unsupported model preset: %s", preset)
	}
	if flag != "" {
		args[flag] = ""
	}
	return args, nil
}

// FlagList renders args as a deterministic command-line argument list.
func FlagList(args map[string]string) []string {
	flags := make([]string, 0, len(args))
	for f := range args {
		flags = append(flags, f)
	}
	sort.Strings(flags)

	out := make([]string, 0, len(args)*2)
	for _, f := range flags {
		out = append(out, f)
		if v := args[f]; v != "" {
			out = append(out, v)
		}
	}
	return out
}
