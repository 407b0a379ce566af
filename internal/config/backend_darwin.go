//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const defaultsDomain = "com." + appName + ".app"

// defaultDataDir holds the SQLite session database and the PID file.
func defaultDataDir() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, "Library", "Application Support", appName)
	}
	return appName + "-data"
}

// darwinBackend keeps the settings in user defaults, so
// `defaults read com.anamnesis.app` shows them.
type darwinBackend struct {
	domain string
}

// notFound reports whether a defaults command failed because the key is
// absent. defaults exits 1 in that case.
func notFound(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr) && exitErr.ExitCode() == 1
}

func newPlatformBackend() ConfigBackend {
	return &darwinBackend{domain: defaultsDomain}
}

func (b *darwinBackend) read(key string) (string, bool, error) {
	cmd := exec.Command("defaults", "read", b.domain, key)
	out, err := cmd.CombinedOutput()
	s := strings.TrimSpace(string(out))
	if notFound(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading %s from %s: %w: %s", key, b.domain, err, s)
	}
	return s, true, nil
}

func (b *darwinBackend) GetString(key string) (string, bool, error) {
	return b.read(key)
}

func (b *darwinBackend) GetInt(key string) (int, bool, error) {
	s, ok, err := b.read(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, true, fmt.Errorf("%s: %q is not an integer", key, s)
	}
	return i, true, nil
}

func (b *darwinBackend) write(key, typ, val string) error {
	if err := exec.Command("defaults", "write", b.domain, key, typ, val).Run(); err != nil {
		return fmt.Errorf("writing %s to %s: %w", key, b.domain, err)
	}
	return nil
}

func (b *darwinBackend) SetString(key, val string) error {
	return b.write(key, "-string", val)
}

func (b *darwinBackend) SetInt(key string, val int) error {
	return b.write(key, "-int", strconv.Itoa(val))
}

func (b *darwinBackend) Delete(key string) error {
	err := exec.Command("defaults", "delete", b.domain, key).Run()
	if err != nil && !notFound(err) {
		return fmt.Errorf("deleting %s from %s: %w", key, b.domain, err)
	}
	return nil
}
