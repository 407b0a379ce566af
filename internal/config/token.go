package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

const apiTokenAccount = "api_token"

// GetAPIToken returns the bearer token guarding the HTTP API, generating and
// storing one on first use.
func GetAPIToken(kc Keychain) (string, error) {
	if tok, err := kc.Get(keychainService, apiTokenAccount); err == nil && tok != "" {
		return tok, nil
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating api token: %w", err)
	}
	tok := hex.EncodeToString(buf)
	if err := kc.Set(keychainService, apiTokenAccount, tok); err != nil {
		return "", fmt.Errorf("storing api token: %w", err)
	}
	return tok, nil
}

// SetLLMAPIKey stores the fallback model API key in the platform secret store.
func SetLLMAPIKey(kc Keychain, key string) error {
	return kc.Set(keychainService, "llm_api_key", key)
}
