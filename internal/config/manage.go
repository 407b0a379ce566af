package config

import (
	"fmt"
	"strconv"
	"strings"
)

// KeyInfo is one row of `anamnesis config show`.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll returns every key with its effective value. The LLM API key is
// shown only as set or not set.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		v := fmt.Sprintf("%v", s.extract(cfg))
		if s.secret {
			v = "(not set)"
			if s.extract(cfg) != "" {
				v = "(set)"
			}
		}
		result = append(result, KeyInfo{Key: s.key, EnvVar: s.env, Value: v})
	}
	return result
}

func lookupSpec(key string) (keySpec, error) {
	for _, s := range specs {
		if s.key == key {
			return s, nil
		}
	}
	return keySpec{}, fmt.Errorf("unknown config key %q (valid: %s)", key, strings.Join(ValidKeys(), ", "))
}

// SetKey stores one setting. llm.api_key goes to the platform secret store,
// everything else to the platform config backend. Values are checked before
// they are written.
func SetKey(key, value string) error {
	return setKeyWith(newPlatformBackend(), NewKeychain(), key, value)
}

func setKeyWith(b ConfigBackend, kc Keychain, key, value string) error {
	s, err := lookupSpec(key)
	if err != nil {
		return err
	}
	if s.secret {
		return SetLLMAPIKey(kc, value)
	}

	var v any = value
	if s.typ == kInt {
		i, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s: %q is not an integer", key, value)
		}
		v = i
	}
	cfg := defaults()
	s.apply(&cfg, v)
	if err := checkKey(key, cfg); err != nil {
		return err
	}

	if s.typ == kInt {
		return b.SetInt(key, v.(int))
	}
	return b.SetString(key, value)
}

// UnsetKey removes a stored setting so its default applies again. The LLM
// API key cannot be unset here.
func UnsetKey(key string) error {
	return unsetKeyWith(newPlatformBackend(), key)
}

func unsetKeyWith(b ConfigBackend, key string) error {
	s, err := lookupSpec(key)
	if err != nil {
		return err
	}
	if s.secret {
		return fmt.Errorf("%s lives in the secret store; overwrite it with config set", key)
	}
	return b.Delete(key)
}

// ValidKeys returns the list of valid non-secret config key names.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
