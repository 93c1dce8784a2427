// Package settings provides cached, typed access to the runtime chat
// settings stored in SQLite. Unlike the static config file, these can
// be changed at runtime through the API and take effect on the next
// message.
package settings

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

// SettingsStore defines the storage operations the Manager needs.
// Implemented by storage.Store.
type SettingsStore interface {
	SetSetting(key, value string) error
	GetSetting(key string) (string, error)
	GetAllSettings() (map[string]string, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// ChatSettings holds the runtime generation parameters.
type ChatSettings struct {
	Model         string  `json:"model"`
	Temperature   float64 `json:"temperature"`
	MaxTokens     int     `json:"max_tokens"`
	SystemPrompt  string  `json:"system_prompt"`
	MemoryEnabled bool    `json:"memory_enabled"`
}

const (
	KeyModel         = "model"
	KeyTemperature   = "temperature"
	KeyMaxTokens     = "max_tokens"
	KeySystemPrompt  = "system_prompt"
	KeyMemoryEnabled = "memory_enabled"
)

const defaultSystemPrompt = "You are a helpful assistant with memory of past conversations. Use the provided past conversations when they are relevant to the current question."

// Manager provides cached access to chat settings.
type Manager struct {
	store SettingsStore
	clock Clock
	ttl   time.Duration

	mu       sync.RWMutex
	cached   *ChatSettings
	cachedAt time.Time
}

// NewManager creates a Manager with a 30-second cache TTL and seeds any
// missing settings with their defaults.
func NewManager(store SettingsStore, defaultModel string) (*Manager, error) {
	m := &Manager{
		store: store,
		clock: realClock{},
		ttl:   30 * time.Second,
	}
	if err := m.seed(defaultModel); err != nil {
		return nil, err
	}
	return m, nil
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store SettingsStore, clock Clock, ttl time.Duration) *Manager {
	return &Manager{store: store, clock: clock, ttl: ttl}
}

// seed writes defaults for keys that are not present yet so the settings
// table always shows the full set.
func (m *Manager) seed(defaultModel string) error {
	existing, err := m.store.GetAllSettings()
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}

	defaults := map[string]string{
		KeyModel:         defaultModel,
		KeyTemperature:   "0.7",
		KeyMaxTokens:     "0",
		KeySystemPrompt:  defaultSystemPrompt,
		KeyMemoryEnabled: "true",
	}
	for key, value := range defaults {
		if _, ok := existing[key]; ok {
			continue
		}
		if err := m.store.SetSetting(key, value); err != nil {
			return fmt.Errorf("seeding setting %q: %w", key, err)
		}
	}
	return nil
}

// Get reads the current settings from storage or cache.
func (m *Manager) Get() (ChatSettings, error) {
	m.mu.RLock()
	if m.cached != nil && m.clock.Now().Before(m.cachedAt.Add(m.ttl)) {
		s := *m.cached
		m.mu.RUnlock()
		return s, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached != nil && m.clock.Now().Before(m.cachedAt.Add(m.ttl)) {
		return *m.cached, nil
	}

	raw, err := m.store.GetAllSettings()
	if err != nil {
		return ChatSettings{}, fmt.Errorf("loading settings: %w", err)
	}

	s := buildSettings(raw)
	m.cached = &s
	m.cachedAt = m.clock.Now()
	return s, nil
}

// Set validates and persists one setting, then invalidates the cache.
func (m *Manager) Set(key, value string) error {
	if err := validate(key, value); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.SetSetting(key, value); err != nil {
		return fmt.Errorf("setting %q: %w", key, err)
	}
	m.cached = nil
	return nil
}

// Update validates every key/value pair before persisting any of them,
// so a bad key cannot leave a partial write behind.
func (m *Manager) Update(values map[string]string) error {
	for key, value := range values {
		if err := validate(key, value); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for key, value := range values {
		if err := m.store.SetSetting(key, value); err != nil {
			return fmt.Errorf("setting %q: %w", key, err)
		}
	}
	m.cached = nil
	return nil
}

func validate(key, value string) error {
	switch key {
	case KeyModel, KeySystemPrompt:
		// Free-form strings.
	case KeyTemperature:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || f < 0 || f > 2 {
			return fmt.Errorf("temperature must be a number between 0 and 2, got %q", value)
		}
	case KeyMaxTokens:
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("max_tokens must be a non-negative integer, got %q", value)
		}
	case KeyMemoryEnabled:
		if _, err := strconv.ParseBool(value); err != nil {
			return fmt.Errorf("memory_enabled must be a boolean, got %q", value)
		}
	default:
		return fmt.Errorf("unknown setting %q", key)
	}
	return nil
}

// All returns the raw key/value view for the settings API.
func (m *Manager) All() (map[string]string, error) {
	return m.store.GetAllSettings()
}

func buildSettings(raw map[string]string) ChatSettings {
	s := ChatSettings{
		Model:         raw[KeyModel],
		SystemPrompt:  raw[KeySystemPrompt],
		Temperature:   0.7,
		MemoryEnabled: true,
	}
	if v, err := strconv.ParseFloat(raw[KeyTemperature], 64); err == nil {
		s.Temperature = v
	}
	if v, err := strconv.Atoi(raw[KeyMaxTokens]); err == nil {
		s.MaxTokens = v
	}
	if v, err := strconv.ParseBool(raw[KeyMemoryEnabled]); err == nil {
		s.MemoryEnabled = v
	}
	return s
}
