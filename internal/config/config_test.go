package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.FinalResolution != "1280x720" || cfg.FinalFPS != 24 {
		t.Errorf("unexpected final format %s@%d", cfg.FinalResolution, cfg.FinalFPS)
	}
	if cfg.MaxTakesPerShot != 3 || !cfg.EvolveOnFailure {
		t.Errorf("unexpected take policy: max=%d evolve=%v", cfg.MaxTakesPerShot, cfg.EvolveOnFailure)
	}
	if cfg.StorageEnabled() {
		t.Error("storage should be disabled without Supabase settings")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("MAX_TAKES_PER_SHOT", "5")
	t.Setenv("ATTEMPT_TIMEOUT", "90s")
	t.Setenv("ENGINE_TEACACHE", "1.5")
	t.Setenv("EVOLVE_ON_FAILURE", "false")
	t.Setenv("RENDER_PARALLELISM", "0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.MaxTakesPerShot != 5 {
		t.Errorf("expected 5 takes, got %d", cfg.MaxTakesPerShot)
	}
	if cfg.AttemptTimeout != 90*time.Second {
		t.Errorf("expected 90s timeout, got %v", cfg.AttemptTimeout)
	}
	if cfg.Teacache != 1.5 {
		t.Errorf("expected teacache 1.5, got %v", cfg.Teacache)
	}
	if cfg.EvolveOnFailure {
		t.Error("expected evolve disabled")
	}
	if cfg.Parallelism != 1 {
		t.Errorf("expected parallelism clamped to 1, got %d", cfg.Parallelism)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := map[string]string{
		"FINAL_RESOLUTION":   "1280-720",
		"ENGINE_BACKEND":     "sora",
		"MAX_TAKES_PER_SHOT": "0",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%s", key, value)
			}
		})
	}
}

func TestValidateServer(t *testing.T) {
	cfg := &Config{RedisURL: "redis://localhost:6379", EngineBackend: "wan2gp", EngineRoot: "/opt/wan2gp"}
	if err := cfg.ValidateServer(); err == nil {
		t.Error("expected missing DATABASE_URL to fail")
	}
	cfg.DatabaseURL = "postgres://localhost/beatsync"
	if err := cfg.ValidateServer(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	cfg.EngineBackend = "veo"
	if err := cfg.ValidateServer(); err == nil {
		t.Error("expected veo without GEMINI_API_KEY to fail")
	}
}

func TestValidateEngine(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"wan2gp needs root", Config{EngineBackend: "wan2gp"}, true},
		{"wan2gp with root", Config{EngineBackend: "wan2gp", EngineRoot: "/opt/wan2gp"}, false},
		{"veo needs key", Config{EngineBackend: "veo"}, true},
		{"xai with key", Config{EngineBackend: "xai", XAIKey: "k"}, false},
		{"xai needs key", Config{EngineBackend: "xai"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.ValidateEngine(); (err != nil) != tt.wantErr {
				t.Errorf("ValidateEngine() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseResolution(t *testing.T) {
	tests := []struct {
		in      string
		w, h    int
		wantErr bool
	}{
		{"1280x720", 1280, 720, false},
		{" 832X480 ", 832, 480, false},
		{"1281x720", 0, 0, true},
		{"x720", 0, 0, true},
		{"1280", 0, 0, true},
	}
	for _, tt := range tests {
		w, h, err := ParseResolution(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseResolution(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if w != tt.w || h != tt.h {
			t.Errorf("ParseResolution(%q) = %dx%d, want %dx%d", tt.in, w, h, tt.w, tt.h)
		}
	}
}
