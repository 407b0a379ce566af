package storage

import (
	"errors"
	"os"
	"testing"
)

func TestOpenSelectsBackend(t *testing.T) {
	b, err := Open(Options{Type: BackendMemory})
	if err != nil {
		t.Fatalf("Open(memory): %v", err)
	}
	if _, ok := b.(*Memory); !ok {
		t.Errorf("Open(memory) returned %T", b)
	}

	b, err = Open(Options{Type: BackendSQLite, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Open(sqlite): %v", err)
	}
	defer b.Close()
	if _, ok := b.(*SQLite); !ok {
		t.Errorf("Open(sqlite) returned %T", b)
	}
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	if _, err := Open(Options{Type: "etcd"}); !errors.Is(err, ErrInvalidBackend) {
		t.Errorf("error = %v, want ErrInvalidBackend", err)
	}
	if _, err := Open(Options{Type: BackendRedis}); !errors.Is(err, ErrInvalidBackend) {
		t.Errorf("redis without address: error = %v, want ErrInvalidBackend", err)
	}
}

func TestRedisBackend(t *testing.T) {
	addr := os.Getenv("ANAMNESIS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ANAMNESIS_TEST_REDIS_ADDR not set")
	}
	r, err := OpenRedis(addr, 15)
	if err != nil {
		t.Fatalf("OpenRedis: %v", err)
	}
	defer r.Close()
	testBackend(t, r)
}
