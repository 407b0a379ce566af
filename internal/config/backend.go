package config

// appName names the anamnesis directories, the macOS defaults domain and the
// secret store service.
const appName = "anamnesis"

// ConfigBackend holds the non-secret settings that `anamnesis config set`
// writes: the server port, the storage backend and the model provider. The
// LLM API key never goes through it; see Keychain.
//
// macOS keeps them in user defaults; other platforms in a JSON file under
// $XDG_CONFIG_HOME/anamnesis.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	// Delete drops a stored value so the default applies again.
	Delete(key string) error
}
