package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Logging
	LogLevel  string
	LogFormat string // "text" or "json"

	// Server
	APIPort            string
	WorkerEnabled      bool
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)
	WorkDir            string // Root directory for per-run artifacts

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// Supabase (optional publication of finished runs)
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string

	// Media tools
	FFmpegPath      string
	FFprobePath     string
	BeatTrackerPath string // aubio binary; empty disables the tracker

	// Render engine
	EngineBackend  string // "wan2gp", "veo" or "xai"
	EngineRoot     string
	EnginePython   string
	ModelPreset    string
	Attention      string
	Profile        string
	Teacache       float64 // 0 disables the flag
	CompileEnabled bool

	// Hosted render engines
	GeminiKey string
	VeoModel  string
	XAIKey    string

	// OpenAI (optional prompt enhancement)
	OpenAIKey     string
	OpenAIModel   string
	PromptEnhance bool

	// Pipeline
	TargetShotSeconds float64
	MinShotSeconds    float64
	MinSectionSeconds float64
	StylePreset       string
	StylePresetsFile  string
	Brand             string // optional motif woven into every prompt
	Seed              int64
	TakesHero         int
	TakesStandard     int
	TakesFiller       int
	PlanResolution    string
	PlanFPS           int
	MaxTakesPerShot   int
	EvolveOnFailure   bool
	Parallelism       int
	AttemptTimeout    time.Duration
	FinalResolution   string
	FinalFPS          int
	FinalCRF          int
	AllowGaps         bool
	Previews          bool

	// Worker
	MaxConcurrentJobs int
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogFormat:             getEnv("LOG_FORMAT", "text"),
		APIPort:               getEnv("API_PORT", "8080"),
		WorkerEnabled:         getEnvBool("WORKER_ENABLED", true),
		BackendAPIKey:         getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins:    getEnv("CORS_ALLOWED_ORIGINS", ""),
		WorkDir:               getEnv("BEATSYNC_WORK_DIR", "/tmp/beatsync"),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		RedisURL:              getEnv("REDIS_URL", "redis://localhost:6379"),
		SupabaseURL:           getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:    getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket: getEnv("SUPABASE_STORAGE_BUCKET", "music-videos"),
		FFmpegPath:            getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:           getEnv("FFPROBE_PATH", "ffprobe"),
		BeatTrackerPath:       getEnv("BEAT_TRACKER_PATH", "aubio"),
		EngineBackend:         getEnv("ENGINE_BACKEND", "wan2gp"),
		EngineRoot:            getEnv("ENGINE_ROOT", ""),
		EnginePython:          getEnv("ENGINE_PYTHON", "python"),
		ModelPreset:           getEnv("ENGINE_MODEL_PRESET", "t2v-1-3B"),
		Attention:             getEnv("ENGINE_ATTENTION", "sage2"),
		Profile:               getEnv("ENGINE_PROFILE", "3"),
		Teacache:              getEnvFloat("ENGINE_TEACACHE", 2.0),
		CompileEnabled:        getEnvBool("ENGINE_COMPILE", true),
		GeminiKey:             getEnv("GEMINI_API_KEY", ""),
		VeoModel:              getEnv("VEO_MODEL", "veo-3.1-generate-preview"),
		XAIKey:                getEnv("XAI_API_KEY", ""),
		OpenAIKey:             getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:           getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		PromptEnhance:         getEnvBool("PROMPT_ENHANCE", false),
		TargetShotSeconds:     getEnvFloat("TARGET_SHOT_SECONDS", 4.0),
		MinShotSeconds:        getEnvFloat("MIN_SHOT_SECONDS", 0),
		MinSectionSeconds:     getEnvFloat("MIN_SECTION_SECONDS", 8.0),
		StylePreset:           getEnv("STYLE_PRESET", "cinematic"),
		StylePresetsFile:      getEnv("STYLE_PRESETS_FILE", ""),
		Brand:                 getEnv("PLAN_BRAND", ""),
		Seed:                  int64(getEnvInt("PLAN_SEED", 42)),
		TakesHero:             getEnvInt("TAKES_HERO", 3),
		TakesStandard:         getEnvInt("TAKES_STANDARD", 2),
		TakesFiller:           getEnvInt("TAKES_FILLER", 1),
		PlanResolution:        getEnv("PLAN_RESOLUTION", "832x480"),
		PlanFPS:               getEnvInt("PLAN_FPS", 16),
		MaxTakesPerShot:       getEnvInt("MAX_TAKES_PER_SHOT", 3),
		EvolveOnFailure:       getEnvBool("EVOLVE_ON_FAILURE", true),
		Parallelism:           getEnvInt("RENDER_PARALLELISM", 1),
		AttemptTimeout:        getEnvDuration("ATTEMPT_TIMEOUT", 45*time.Minute),
		FinalResolution:       getEnv("FINAL_RESOLUTION", "1280x720"),
		FinalFPS:              getEnvInt("FINAL_FPS", 24),
		FinalCRF:              getEnvInt("FINAL_CRF", 18),
		AllowGaps:             getEnvBool("ALLOW_GAPS", false),
		Previews:              getEnvBool("TAKE_PREVIEWS", false),
		MaxConcurrentJobs:     getEnvInt("MAX_CONCURRENT_JOBS", 2),
	}

	if _, _, err := ParseResolution(cfg.PlanResolution); err != nil {
		return nil, fmt.Errorf("PLAN_RESOLUTION: %w", err)
	}
	if _, _, err := ParseResolution(cfg.FinalResolution); err != nil {
		return nil, fmt.Errorf("FINAL_RESOLUTION: %w", err)
	}
	switch cfg.EngineBackend {
	case "wan2gp", "veo", "xai":
	default:
		return nil, fmt.Errorf("ENGINE_BACKEND must be wan2gp, veo or xai, got %q", cfg.EngineBackend)
	}
	if cfg.MaxTakesPerShot < 1 {
		return nil, fmt.Errorf("MAX_TAKES_PER_SHOT must be at least 1")
	}
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}

	return cfg, nil
}

// ValidateServer checks the settings the API server and worker cannot run without.
func (c *Config) ValidateServer() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	return c.ValidateEngine()
}

// ValidateEngine checks the credentials and paths the selected render engine needs.
func (c *Config) ValidateEngine() error {
	switch c.EngineBackend {
	case "veo":
		if c.GeminiKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required for the veo engine")
		}
	case "xai":
		if c.XAIKey == "" {
			return fmt.Errorf("XAI_API_KEY is required for the xai engine")
		}
	default:
		if c.EngineRoot == "" {
			return fmt.Errorf("ENGINE_ROOT is required for the wan2gp engine")
		}
	}
	return nil
}

// StorageEnabled reports whether finished runs should be published to Supabase.
func (c *Config) StorageEnabled() bool {
	return c.SupabaseURL != "" && c.SupabaseServiceKey != ""
}

// ParseResolution parses "WIDTHxHEIGHT". Both sides must be positive and even (yuv420p).
func ParseResolution(value string) (int, int, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(value)), "x")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("resolution %q must look like 1280x720", value)
	}
	w, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("resolution %q: bad width: %w", value, err)
	}
	h, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("resolution %q: bad height: %w", value, err)
	}
	if w <= 0 || h <= 0 || w%2 != 0 || h%2 != 0 {
		return 0, 0, fmt.Errorf("resolution %q must have positive even sides", value)
	}
	return w, h, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		f, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return defaultValue
}
