package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Profile is configuration to start main server.
type Profile struct {
	// Unified LLM configuration (OpenAI-compatible protocol)
	// All providers (openai, deepseek, zai, openrouter, ollama) use the same config
	LLMProvider string // Provider identifier: openai, deepseek, zai, openrouter, ollama
	LLMAPIKey   string // Unified LLM API key
	LLMBaseURL  string // Unified LLM base URL (optional, has default per provider)
	LLMModel    string // Model name: gpt-4o, deepseek-chat, glm-4.7, etc.
	LLMTimeout  int    // LLM request timeout in seconds (default: 120)

	// Voice synthesis configuration (OpenAI speech API)
	VoiceModel string // TTS model, e.g. tts-1
	VoiceName  string // TTS voice, e.g. alloy, nova

	// Server configuration
	Mode        string
	Addr        string
	Port        int
	Data        string
	InstanceURL string

	// Storage configuration
	Driver         string // postgrest, postgres, sqlite
	DSN            string
	SupabaseURL    string
	SupabaseKey    string
	SupabaseSchema string

	// Auth and rate limiting
	JWTSecret          string
	RateLimitPerMinute int
	RateLimitPerHour   int
	RateLimitWhitelist []string

	// Conversation lifecycle
	MaxConversationMinutes     int
	MaxMessagesPerConversation int
	CooldownHours              int
	ContextWindow              int

	// Decision and learning tunables
	MinConfidence       float64
	ExplorationRate     float64
	AdaptationThreshold float64
	MaxTreeDepth        int

	// Experimentation tunables
	SampleRate                 float64
	UCBExplorationFactor       float64
	AutoDeployThreshold        float64
	MinExperimentDurationHours int

	// Feature flags
	FeatureVoice   bool
	FeatureML      bool
	FeatureABTests bool

	// Channel integrations
	TelegramBotToken string

	Version string
}

// Provider default configurations for LLM.
// Used when LLM_BASE_URL is not explicitly set.
var llmProviderDefaults = map[string]struct {
	BaseURL string
	Model   string
}{
	"openai": {
		BaseURL: "https://api.openai.com/v1",
		Model:   "gpt-4o",
	},
	"deepseek": {
		BaseURL: "https://api.deepseek.com",
		Model:   "deepseek-chat",
	},
	"zai": {
		BaseURL: "https://open.bigmodel.cn/api/paas/v4",
		Model:   "glm-4.7",
	},
	"openrouter": {
		BaseURL: "https://openrouter.ai/api/v1",
		Model:   "deepseek/deepseek-chat",
	},
	"ollama": {
		BaseURL: "http://localhost:11434",
		Model:   "llama3.1",
	},
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsAIEnabled returns true if an LLM API key is configured.
func (p *Profile) IsAIEnabled() bool {
	return p.LLMAPIKey != ""
}

// IsVoiceEnabled returns true if voice synthesis is both switched on and usable.
func (p *Profile) IsVoiceEnabled() bool {
	return p.FeatureVoice && p.LLMAPIKey != ""
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvOrDefaultFloat returns environment variable value as float64 or default value.
func getEnvOrDefaultFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// getEnvOrDefaultBool returns environment variable value as bool or default value.
func getEnvOrDefaultBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	// Unified LLM configuration
	p.LLMProvider = getEnvOrDefault("VOCERO_AI_LLM_PROVIDER", "openai")
	p.LLMAPIKey = getEnvOrDefault("VOCERO_AI_LLM_API_KEY", "")
	p.LLMBaseURL = getEnvOrDefault("VOCERO_AI_LLM_BASE_URL", "")
	p.LLMModel = getEnvOrDefault("VOCERO_AI_LLM_MODEL", "")
	p.LLMTimeout = getEnvOrDefaultInt("VOCERO_AI_LLM_TIMEOUT_SECONDS", 120)

	// Validate and apply provider defaults if not explicitly set
	if p.LLMProvider != "" {
		if _, ok := llmProviderDefaults[p.LLMProvider]; !ok {
			slog.Warn("unknown LLM provider, using default: openai", "provider", p.LLMProvider)
			p.LLMProvider = "openai"
		}
	}
	if p.LLMBaseURL == "" || p.LLMModel == "" {
		if defaults, ok := llmProviderDefaults[p.LLMProvider]; ok {
			if p.LLMBaseURL == "" {
				p.LLMBaseURL = defaults.BaseURL
			}
			if p.LLMModel == "" {
				p.LLMModel = defaults.Model
			}
		}
	}

	// Voice synthesis
	p.VoiceModel = getEnvOrDefault("VOCERO_AI_VOICE_MODEL", "tts-1")
	p.VoiceName = getEnvOrDefault("VOCERO_AI_VOICE_NAME", "nova")

	// Remote row store (Supabase/PostgREST)
	p.SupabaseURL = getEnvOrDefault("VOCERO_SUPABASE_URL", "")
	p.SupabaseKey = getEnvOrDefault("VOCERO_SUPABASE_KEY", "")
	p.SupabaseSchema = getEnvOrDefault("VOCERO_SUPABASE_SCHEMA", "public")

	// Auth and rate limiting
	p.JWTSecret = getEnvOrDefault("JWT_SECRET", "")
	p.RateLimitPerMinute = getEnvOrDefaultInt("RATE_LIMIT_PER_MINUTE", 60)
	p.RateLimitPerHour = getEnvOrDefaultInt("RATE_LIMIT_PER_HOUR", 1000)
	p.RateLimitWhitelist = splitAndTrim(getEnvOrDefault("RATE_LIMIT_WHITELIST_IPS", ""))

	// Conversation lifecycle
	p.MaxConversationMinutes = getEnvOrDefaultInt("MAX_CONVERSATION_DURATION_MINUTES", 30)
	p.MaxMessagesPerConversation = getEnvOrDefaultInt("MAX_MESSAGES_PER_CONVERSATION", 100)
	p.CooldownHours = getEnvOrDefaultInt("CONVERSATION_COOLDOWN_HOURS", 48)
	p.ContextWindow = getEnvOrDefaultInt("CONTEXT_WINDOW", 15)

	// Decision and learning tunables
	p.MinConfidence = getEnvOrDefaultFloat("MIN_CONFIDENCE", 0.6)
	p.ExplorationRate = getEnvOrDefaultFloat("EXPLORATION_RATE", 0.2)
	p.AdaptationThreshold = getEnvOrDefaultFloat("ADAPTATION_THRESHOLD", 0.3)
	p.MaxTreeDepth = getEnvOrDefaultInt("MAX_TREE_DEPTH", 5)

	// Experimentation tunables
	p.SampleRate = getEnvOrDefaultFloat("ML_EXPERIMENT_SAMPLE_RATE", 0.1)
	p.UCBExplorationFactor = getEnvOrDefaultFloat("UCB_EXPLORATION_FACTOR", 2.0)
	p.AutoDeployThreshold = getEnvOrDefaultFloat("AUTO_DEPLOY_THRESHOLD", 0.8)
	p.MinExperimentDurationHours = getEnvOrDefaultInt("MINIMUM_EXPERIMENT_DURATION_HOURS", 24)

	// Feature flags
	p.FeatureVoice = getEnvOrDefaultBool("FEATURE_VOICE_SYNTHESIS", false)
	p.FeatureML = getEnvOrDefaultBool("FEATURE_ML_OPTIMIZATION", true)
	p.FeatureABTests = getEnvOrDefaultBool("FEATURE_AB_TESTING", true)

	// Channel integrations
	p.TelegramBotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", "")
}

func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.Mode == "prod" && p.Data == "" {
		if runtime.GOOS == "windows" {
			p.Data = filepath.Join(os.Getenv("ProgramData"), "vocero")
			if _, err := os.Stat(p.Data); os.IsNotExist(err) {
				if err := os.MkdirAll(p.Data, 0770); err != nil {
					slog.Error("failed to create data directory", slog.String("data", p.Data), slog.String("error", err.Error()))
					return err
				}
			}
		} else {
			p.Data = "/var/opt/vocero"
		}
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		slog.Error("failed to check data dir", slog.String("data", dataDir), slog.String("error", err.Error()))
		return err
	}
	p.Data = dataDir

	switch p.Driver {
	case "sqlite":
		if p.DSN == "" {
			dbFile := fmt.Sprintf("vocero_%s.db", p.Mode)
			p.DSN = filepath.Join(dataDir, dbFile) + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)"
		}
	case "postgres":
		if p.DSN == "" {
			return errors.New("postgres driver requires a DSN")
		}
	case "postgrest":
		if p.SupabaseURL == "" || p.SupabaseKey == "" {
			return errors.New("postgrest driver requires VOCERO_SUPABASE_URL and VOCERO_SUPABASE_KEY")
		}
	default:
		return errors.Errorf("unknown storage driver %q", p.Driver)
	}

	if p.Mode == "prod" && p.JWTSecret == "" {
		return errors.New("JWT_SECRET is required in prod mode")
	}
	if p.MaxConversationMinutes <= 0 {
		return errors.New("MAX_CONVERSATION_DURATION_MINUTES must be positive")
	}
	if p.MaxMessagesPerConversation <= 0 {
		return errors.New("MAX_MESSAGES_PER_CONVERSATION must be positive")
	}
	if p.CooldownHours < 0 {
		return errors.New("CONVERSATION_COOLDOWN_HOURS must not be negative")
	}
	if p.SampleRate < 0 || p.SampleRate > 1 {
		return errors.New("ML_EXPERIMENT_SAMPLE_RATE must be within [0,1]")
	}
	if p.MinConfidence < 0 || p.MinConfidence > 1 {
		return errors.New("MIN_CONFIDENCE must be within [0,1]")
	}
	if p.AutoDeployThreshold < 0 || p.AutoDeployThreshold > 1 {
		return errors.New("AUTO_DEPLOY_THRESHOLD must be within [0,1]")
	}
	if p.MaxTreeDepth < 2 {
		return errors.New("MAX_TREE_DEPTH must be at least 2")
	}

	return nil
}
