package settings

import (
	"strings"
	"testing"
	"time"
)

// mockStore implements SettingsStore in memory.
type mockStore struct {
	values map[string]string
	reads  int
}

func newMockStore() *mockStore {
	return &mockStore{values: make(map[string]string)}
}

func (m *mockStore) SetSetting(key, value string) error {
	m.values[key] = value
	return nil
}

func (m *mockStore) GetSetting(key string) (string, error) {
	return m.values[key], nil
}

func (m *mockStore) GetAllSettings() (map[string]string, error) {
	m.reads++
	out := make(map[string]string, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out, nil
}

// fakeClock implements Clock with a settable time.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func TestNewManager_SeedsDefaults(t *testing.T) {
	store := newMockStore()
	m, err := NewManager(store, "gpt-4o-mini")
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	s, err := m.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s.Model != "gpt-4o-mini" {
		t.Errorf("Model = %q, want gpt-4o-mini", s.Model)
	}
	if s.Temperature != 0.7 {
		t.Errorf("Temperature = %f, want 0.7", s.Temperature)
	}
	if !s.MemoryEnabled {
		t.Error("MemoryEnabled = false, want true")
	}
	if !strings.Contains(s.SystemPrompt, "past conversations") {
		t.Errorf("SystemPrompt = %q", s.SystemPrompt)
	}
}

func TestNewManager_KeepsExistingValues(t *testing.T) {
	store := newMockStore()
	store.values[KeyModel] = "custom-model"

	m, err := NewManager(store, "gpt-4o-mini")
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	s, err := m.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s.Model != "custom-model" {
		t.Errorf("Model = %q, want custom-model", s.Model)
	}
}

func TestSet_Validation(t *testing.T) {
	tests := []struct {
		key, value string
		wantErr    bool
	}{
		{KeyModel, "gpt-4o", false},
		{KeyTemperature, "1.2", false},
		{KeyTemperature, "3.5", true},
		{KeyTemperature, "warm", true},
		{KeyMaxTokens, "512", false},
		{KeyMaxTokens, "-1", true},
		{KeyMemoryEnabled, "false", false},
		{KeyMemoryEnabled, "maybe", true},
		{"unknown_key", "x", true},
	}

	store := newMockStore()
	m, err := NewManager(store, "gpt-4o-mini")
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	for _, tt := range tests {
		err := m.Set(tt.key, tt.value)
		if (err != nil) != tt.wantErr {
			t.Errorf("Set(%q, %q) err = %v, wantErr %v", tt.key, tt.value, err, tt.wantErr)
		}
	}
}

func TestUpdate_RejectsWholeBatchOnBadKey(t *testing.T) {
	store := newMockStore()
	m, err := NewManager(store, "gpt-4o-mini")
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	err = m.Update(map[string]string{
		KeyModel:       "gpt-4o",
		KeyTemperature: "not a number",
	})
	if err == nil {
		t.Fatal("expected error for invalid temperature")
	}

	// The valid key must not have been written either.
	if got := store.values[KeyModel]; got != "gpt-4o-mini" {
		t.Errorf("model = %q, want untouched gpt-4o-mini", got)
	}
}

func TestUpdate_WritesAllKeys(t *testing.T) {
	store := newMockStore()
	m, err := NewManager(store, "gpt-4o-mini")
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	err = m.Update(map[string]string{
		KeyModel:       "gpt-4o",
		KeyTemperature: "0.3",
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if store.values[KeyModel] != "gpt-4o" {
		t.Errorf("model = %q, want gpt-4o", store.values[KeyModel])
	}
	if store.values[KeyTemperature] != "0.3" {
		t.Errorf("temperature = %q, want 0.3", store.values[KeyTemperature])
	}

	s, err := m.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s.Temperature != 0.3 {
		t.Errorf("cached temperature = %f, want 0.3 after invalidation", s.Temperature)
	}
}

func TestGet_CachesWithinTTL(t *testing.T) {
	store := newMockStore()
	clock := &fakeClock{now: time.Now()}
	m := NewManagerWithClock(store, clock, 30*time.Second)

	if _, err := m.Get(); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := m.Get(); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if store.reads != 1 {
		t.Errorf("store reads = %d, want 1", store.reads)
	}

	clock.now = clock.now.Add(31 * time.Second)
	if _, err := m.Get(); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if store.reads != 2 {
		t.Errorf("store reads after expiry = %d, want 2", store.reads)
	}
}

func TestSet_InvalidatesCache(t *testing.T) {
	store := newMockStore()
	clock := &fakeClock{now: time.Now()}
	m := NewManagerWithClock(store, clock, time.Hour)

	if _, err := m.Get(); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := m.Set(KeyTemperature, "0.2"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	s, err := m.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s.Temperature != 0.2 {
		t.Errorf("Temperature = %f, want 0.2", s.Temperature)
	}
}
