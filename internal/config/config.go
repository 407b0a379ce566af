package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const keychainService = appName

type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	LLM      LLMConfig
	Autosave AutosaveConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	Backend   string
	DataDir   string
	RedisAddr string
	RedisDB   int
}

type LLMConfig struct {
	Provider string
	Model    string
	BaseURL  string
	// APIKey is used when neither the request nor the session carries one.
	APIKey string
}

type AutosaveConfig struct {
	Debounce string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			Backend: "sqlite",
			DataDir: defaultDataDir(),
		},
		LLM: LLMConfig{
			Provider: "gemini",
			Model:    "gemini-2.5-pro",
		},
		Autosave: AutosaveConfig{
			Debounce: "1s",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DebounceDuration returns the parsed autosave delay.
func (c Config) DebounceDuration() time.Duration {
	d, err := time.ParseDuration(c.Autosave.Debounce)
	if err != nil {
		return time.Second
	}
	return d
}

// Load reads configuration from the platform-native backend, a .env file in
// the working directory, environment variables and the platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.anamnesis.app) and
// secrets live in the macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/anamnesis/config.json
// and secrets live in $XDG_DATA_HOME/anamnesis/secrets.json.
//
// Environment variables (ANAMNESIS_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain(), ".env")
}

// Keychain abstracts the platform secret store.
type Keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

func loadWith(b ConfigBackend, kc Keychain, envFile string) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			// Load never overrides variables already set in the environment.
			if err := godotenv.Load(envFile); err != nil {
				return Config{}, fmt.Errorf("loading %s: %w", envFile, err)
			}
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.LLM.APIKey == "" {
		if key, err := kc.Get(keychainService, "llm_api_key"); err == nil && key != "" {
			cfg.LLM.APIKey = key
		}
	}
	if cfg.LLM.APIKey == "" {
		for _, env := range []string{"GOOGLE_API_KEY", "GEMINI_API_KEY"} {
			if v := os.Getenv(env); v != "" {
				cfg.LLM.APIKey = v
				break
			}
		}
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var (
	storageBackends = []string{"sqlite", "memory", "redis"}
	llmProviders    = []string{"gemini", "openrouter", "ollama"}
)

func validate(cfg Config) error {
	var errs []error
	for _, s := range specs {
		if err := checkKey(s.key, cfg); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.Storage.Backend == "redis" && cfg.Storage.RedisAddr == "" {
		errs = append(errs, errors.New("storage.redis_addr is required for the redis backend"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// checkKey validates the value of one key in cfg on its own.
func checkKey(key string, cfg Config) error {
	switch key {
	case "storage.backend":
		if !slices.Contains(storageBackends, cfg.Storage.Backend) {
			return fmt.Errorf("storage.backend: unknown backend %q (want %s)", cfg.Storage.Backend, strings.Join(storageBackends, ", "))
		}
	case "llm.provider":
		if !slices.Contains(llmProviders, cfg.LLM.Provider) {
			return fmt.Errorf("llm.provider: unknown provider %q (want %s)", cfg.LLM.Provider, strings.Join(llmProviders, ", "))
		}
	case "autosave.debounce":
		if d, err := time.ParseDuration(cfg.Autosave.Debounce); err != nil || d < 0 {
			return fmt.Errorf("autosave.debounce: invalid duration %q", cfg.Autosave.Debounce)
		}
	case "server.port":
		if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
			return fmt.Errorf("server.port: %d out of range", cfg.Server.Port)
		}
	case "storage.redis_db":
		if cfg.Storage.RedisDB < 0 {
			return fmt.Errorf("storage.redis_db: %d is negative", cfg.Storage.RedisDB)
		}
	}
	return nil
}

type platformKeychain struct{}

// NewKeychain returns the platform secret store.
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
