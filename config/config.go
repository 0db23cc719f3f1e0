package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	// EnvFileVar points at an alternate .env file when no .env sits next to
	// the executable.
	EnvFileVar = "PAGE_CAPTURE_LLM"

	DefaultVisionProvider = "ollama"
	DefaultTextProvider   = "ollama"
)

// ProviderSettings holds the per-provider knobs the gateway needs.
type ProviderSettings struct {
	BaseURL    string
	Model      string
	Credential string
	// CredentialPath records where the credential was read from, for logging.
	CredentialPath string
}

type LoadOptions struct {
	// CredentialPathOverride, when set, wins over <PROVIDER>_API_KEY_FILE for
	// every provider. Used by the CLI --api-key-path flag.
	CredentialPathOverride string
}

type Config struct {
	VisionProvider string
	TextProvider   string
	Providers      map[string]ProviderSettings

	EnableFileLogging bool
	FloatingControl   bool

	// RequestTimeoutSec bounds each individual AI backend call.
	RequestTimeoutSec int
	// PollTimeoutSec bounds the whole enqueue-to-terminal-state wait.
	PollTimeoutSec int
	// SettleDelayMs is the post-scroll render settle wait used by the stitcher
	// and the selector injection settle wait used by the orchestrator.
	SettleDelayMs int

	// StorePath is the sqlite file backing the shared capture store.
	// Empty means in-memory only.
	StorePath string
}

// ProviderIDs lists every provider the gateway knows how to build.
var ProviderIDs = []string{"ollama", "openai_compat", "openai", "anthropic", "gemini"}

func Load() (*Config, error) {
	return LoadWithOptions(LoadOptions{})
}

func LoadWithOptions(opts LoadOptions) (*Config, error) {
	// Priority order: .env in the executable directory, then the file named
	// by PAGE_CAPTURE_LLM, then the process environment.
	if envPath := resolveEnvPath(); envPath != "" {
		_ = godotenv.Load(envPath)
	}

	providers := make(map[string]ProviderSettings, len(ProviderIDs))
	for _, id := range ProviderIDs {
		providers[id] = loadProvider(id, opts)
	}

	cfg := &Config{
		VisionProvider:    getEnvWithDefault("VISION_PROVIDER", DefaultVisionProvider),
		TextProvider:      getEnvWithDefault("TEXT_PROVIDER", DefaultTextProvider),
		Providers:         providers,
		EnableFileLogging: strings.ToLower(os.Getenv("ENABLE_FILE_LOGGING")) == "true",
		FloatingControl:   strings.ToLower(os.Getenv("FLOATING_CONTROL")) != "false",
		RequestTimeoutSec: getEnvInt("REQUEST_TIMEOUT_SEC", 120),
		PollTimeoutSec:    getEnvInt("POLL_TIMEOUT_SEC", 120),
		SettleDelayMs:     getEnvInt("SETTLE_DELAY_MS", 150),
		StorePath:         os.Getenv("STORE_DB_PATH"),
	}

	return cfg, nil
}

// Provider returns the settings for one provider id (zero value if unknown).
func (c *Config) Provider(id string) ProviderSettings {
	return c.Providers[id]
}

// loadProvider resolves settings for one provider id from the environment.
// Env names use the upper-cased id: OLLAMA_BASE_URL, OPENAI_API_KEY, etc.
func loadProvider(id string, opts LoadOptions) ProviderSettings {
	prefix := strings.ToUpper(id)
	keyPath := resolveCredentialPath(prefix, opts)
	return ProviderSettings{
		BaseURL:        os.Getenv(prefix + "_BASE_URL"),
		Model:          os.Getenv(prefix + "_MODEL"),
		Credential:     resolveCredential(prefix, keyPath),
		CredentialPath: keyPath,
	}
}

func resolveCredentialPath(prefix string, opts LoadOptions) string {
	keyPath := strings.TrimSpace(os.Getenv(prefix + "_API_KEY_FILE"))
	if overridePath := strings.TrimSpace(opts.CredentialPathOverride); overridePath != "" {
		keyPath = overridePath
	}
	return keyPath
}

// resolveCredential prefers a key file when one is configured, falling back
// to the plain environment variable.
func resolveCredential(prefix, keyPath string) string {
	if keyPath != "" {
		if data, err := os.ReadFile(keyPath); err == nil {
			if fileKey := strings.TrimSpace(string(data)); fileKey != "" {
				return fileKey
			}
		}
	}
	return strings.TrimSpace(os.Getenv(prefix + "_API_KEY"))
}

func resolveEnvPath() string {
	execPath, err := os.Executable()
	if err != nil {
		return ""
	}

	exeEnv := filepath.Join(filepath.Dir(execPath), ".env")
	if _, err := os.Stat(exeEnv); err == nil {
		return exeEnv
	}

	if alt := os.Getenv(EnvFileVar); alt != "" {
		if _, err := os.Stat(alt); err == nil {
			return alt
		}
	}

	return ""
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultValue
}
