package config

import (
	"fmt"
	"os"
	"strconv"
)

const secretService = "mnemo"

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "MNEMO_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "MNEMO_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "llm.base_url", typ: kString, env: "MNEMO_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.api_key", typ: kString, env: "MNEMO_LLM_API_KEY", secret: true,
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "llm.chat_model", typ: kString, env: "MNEMO_LLM_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.ChatModel },
	},
	{
		key: "llm.embed_model", typ: kString, env: "MNEMO_LLM_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.EmbedModel },
	},
	{
		key: "llm.max_retries", typ: kInt, env: "MNEMO_LLM_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.LLM.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.LLM.MaxRetries },
	},
	{
		key: "llm.timeout_seconds", typ: kInt, env: "MNEMO_LLM_TIMEOUT_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.LLM.TimeoutSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.LLM.TimeoutSeconds },
	},
	{
		key: "vector.provider", typ: kString, env: "MNEMO_VECTOR_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Vector.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Vector.Provider },
	},
	{
		key: "vector.url", typ: kString, env: "MNEMO_VECTOR_URL",
		apply:   func(cfg *Config, v any) { cfg.Vector.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Vector.URL },
	},
	{
		key: "vector.api_key", typ: kString, env: "MNEMO_VECTOR_API_KEY", secret: true,
		apply:   func(cfg *Config, v any) { cfg.Vector.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Vector.APIKey },
	},
	{
		key: "vector.collection", typ: kString, env: "MNEMO_VECTOR_COLLECTION",
		apply:   func(cfg *Config, v any) { cfg.Vector.Collection = v.(string) },
		extract: func(cfg Config) any { return cfg.Vector.Collection },
	},
	{
		key: "vector.dimensions", typ: kInt, env: "MNEMO_VECTOR_DIMENSIONS",
		apply:   func(cfg *Config, v any) { cfg.Vector.Dimensions = v.(int) },
		extract: func(cfg Config) any { return cfg.Vector.Dimensions },
	},
	{
		key: "storage.data_dir", typ: kString, env: "MNEMO_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "MNEMO_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.min_score", typ: kFloat, env: "MNEMO_RETRIEVAL_MIN_SCORE",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MinScore = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.MinScore },
	},
	{
		key: "retrieval.max_context_tokens", typ: kInt, env: "MNEMO_RETRIEVAL_MAX_CONTEXT_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MaxContextTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.MaxContextTokens },
	},
	{
		key: "memory.auto_save", typ: kBool, env: "MNEMO_MEMORY_AUTO_SAVE",
		apply:   func(cfg *Config, v any) { cfg.Memory.AutoSave = v.(bool) },
		extract: func(cfg Config) any { return cfg.Memory.AutoSave },
	},
	{
		key: "log.level", typ: kString, env: "MNEMO_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// applyBackend overlays values from the config backend onto cfg.
// Bool and float keys are stored as strings by the backend.
func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		switch s.typ {
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading config key %q: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		default:
			raw, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading config key %q: %w", s.key, err)
			}
			if !ok {
				continue
			}
			v, err := parseKeyValue(s, raw)
			if err != nil {
				return err
			}
			s.apply(cfg, v)
		}
	}
	return nil
}

// applyEnvOverrides overlays MNEMO_* environment variables onto cfg.
// Invalid values are ignored in favor of the current value.
func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseKeyValue(s, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] ignoring %s: %v\n", s.env, err)
			continue
		}
		s.apply(cfg, v)
	}
}

func parseKeyValue(s keySpec, raw string) (any, error) {
	switch s.typ {
	case kString:
		return raw, nil
	case kInt:
		i, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid integer for %s: %w", s.key, err)
		}
		return i, nil
	case kBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid boolean for %s: %w", s.key, err)
		}
		return b, nil
	case kFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid float for %s: %w", s.key, err)
		}
		return f, nil
	}
	return nil, fmt.Errorf("unknown key type for %s", s.key)
}
