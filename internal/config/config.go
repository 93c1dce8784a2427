package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	LLM       LLMConfig
	Vector    VectorConfig
	Storage   StorageConfig
	Retrieval RetrievalConfig
	Memory    MemoryConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type LLMConfig struct {
	BaseURL        string
	APIKey         string
	ChatModel      string
	EmbedModel     string
	MaxRetries     int
	TimeoutSeconds int
}

// VectorConfig selects and configures the similarity-search backend.
// Provider is one of: sqlite, memory, qdrant, pinecone, milvus.
type VectorConfig struct {
	Provider   string
	URL        string
	APIKey     string
	Collection string
	Dimensions int
}

type StorageConfig struct {
	DataDir string
}

type RetrievalConfig struct {
	TopK             int
	MinScore         float64
	MaxContextTokens int
}

type MemoryConfig struct {
	AutoSave bool
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8480,
		},
		LLM: LLMConfig{
			BaseURL:        "https://api.openai.com/v1",
			ChatModel:      "gpt-4o-mini",
			EmbedModel:     "text-embedding-3-small",
			MaxRetries:     3,
			TimeoutSeconds: 60,
		},
		Vector: VectorConfig{
			Provider:   "sqlite",
			Collection: "conversations",
			Dimensions: 1536,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Retrieval: RetrievalConfig{
			TopK:             5,
			MinScore:         0.7,
			MaxContextTokens: 4000,
		},
		Memory: MemoryConfig{
			AutoSave: true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, a .env file in
// the working directory (if present), environment variables, and the platform
// secret store.
//
// On macOS the backend is UserDefaults (domain: com.okatran.mnemo) and secrets
// fall back to macOS Keychain. On Linux the backend is a JSON file at
// $XDG_CONFIG_HOME/mnemo/config.json and secrets live in a secrets file under
// $XDG_DATA_HOME/mnemo.
//
// Environment variables (MNEMO_*) override backend values on all platforms.
func Load() (Config, error) {
	// Best effort: a missing .env file is the common case.
	_ = godotenv.Load()
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts secret-store access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Try the platform secret store for keys still unset.
	if cfg.LLM.APIKey == "" {
		if key, err := kc.Get(secretService, "llm_api_key"); err == nil && key != "" {
			cfg.LLM.APIKey = key
		}
	}
	if cfg.Vector.APIKey == "" {
		if key, err := kc.Get(secretService, "vector_api_key"); err == nil && key != "" {
			cfg.Vector.APIKey = key
		}
	}

	if cfg.LLM.APIKey == "" {
		msg := "missing required config: LLM API key. " +
			"Set it via environment variable MNEMO_LLM_API_KEY" + apiKeyHint()
		return Config{}, fmt.Errorf("%s", msg)
	}

	if err := validateProvider(cfg.Vector.Provider); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// loadFromPath loads config from a specific JSON file (used by tests).
func loadFromPath(path string, kc keychain) (Config, error) {
	b := &fileBackend{path: path, data: make(map[string]any)}
	b.load()
	return loadWith(b, kc)
}

var knownProviders = []string{"sqlite", "memory", "qdrant", "pinecone", "milvus"}

func validateProvider(p string) error {
	for _, known := range knownProviders {
		if p == known {
			return nil
		}
	}
	return fmt.Errorf("unknown vector provider %q (valid: %s)", p, strings.Join(knownProviders, ", "))
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
