package config

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Keychain provides read/write access to the platform secret store.
type Keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

type platformKeychain struct{}

func NewKeychain() Keychain {
	return platformKeychain{}
}

func (platformKeychain) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (platformKeychain) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}

// GetAPIToken returns the bearer token protecting the admin API surface,
// generating and persisting one on first use.
func GetAPIToken(kc Keychain) (string, error) {
	const account = "api_token"

	if token, err := kc.Get(secretService, account); err == nil && token != "" {
		return token, nil
	}

	token := uuid.New().String()
	if err := kc.Set(secretService, account, token); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return token, nil
}
