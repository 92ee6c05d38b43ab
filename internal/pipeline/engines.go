package pipeline

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/bobarin/beatsync/internal/config"
	"github.com/bobarin/beatsync/internal/engine"
	"github.com/bobarin/beatsync/internal/runner"
)

// NewEngine builds the render engine selected by ENGINE_BACKEND. The returned root is where
// capability state lives; it is empty for hosted engines unless ENGINE_ROOT is set.
func NewEngine(cfg *config.Config, run runner.Runner, log logrus.FieldLogger) (engine.Engine, string, error) {
	if err := cfg.ValidateEngine(); err != nil {
		return nil, "", err
	}
	switch cfg.EngineBackend {
	case "veo":
		return engine.NewVeo(cfg.GeminiKey, cfg.VeoModel, log), cfg.EngineRoot, nil
	case "xai":
		return engine.NewXAI(cfg.XAIKey, log), cfg.EngineRoot, nil
	case "wan2gp", "":
		w, err := engine.NewWan2GP(cfg.EngineRoot, cfg.EnginePython, run, log)
		if err != nil {
			return nil, "", err
		}
		return w, w.Root(), nil
	default:
		return nil, "", fmt.Errorf("unknown engine backend %q", cfg.EngineBackend)
	}
}

// BaseArgs derives the per-run engine flags from configuration.
func BaseArgs(cfg *config.Config) (map[string]string, error) {
	return engine.BaseArgs(engine.ArgOptions{
		ModelPreset: cfg.ModelPreset,
		Attention:   cfg.Attention,
		Profile:     cfg.Profile,
		Teacache:    cfg.Teacache,
		Compile:     cfg.CompileEnabled,
	})
}
