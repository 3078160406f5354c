package durable

import (
	"context"
	"errors"
	"net/url"
	"path/filepath"
	"testing"
)

func TestBuildStoreFromDSNMemory(t *testing.T) {
	store, err := BuildStoreFromDSN("memory://")
	if err != nil {
		t.Fatalf("build store failed: %v", err)
	}
	if _, ok := store.(*InMemoryStore); !ok {
		t.Fatalf("expected *InMemoryStore, got %T", store)
	}
	store, err = BuildStoreFromDSN("")
	if err != nil {
		t.Fatalf("build empty dsn failed: %v", err)
	}
	if _, ok := store.(*InMemoryStore); !ok {
		t.Fatalf("expected empty dsn to fall back to memory, got %T", store)
	}
}

func TestBuildStoreFromDSNFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	store, err := BuildStoreFromDSN("file://" + dir)
	if err != nil {
		t.Fatalf("build file store failed: %v", err)
	}
	t.Cleanup(func() { _ = Close(store) })
	fileStore, ok := store.(*FileStore)
	if !ok {
		t.Fatalf("expected *FileStore, got %T", store)
	}
	if fileStore.Root() != dir {
		t.Fatalf("expected root %q, got %q", dir, fileStore.Root())
	}

	bare := filepath.Join(t.TempDir(), "bare")
	store, err = BuildStoreFromDSN(bare)
	if err != nil {
		t.Fatalf("build bare path store failed: %v", err)
	}
	_ = Close(store)
}

func TestBuildStoreFromDSNPostgresAndUnsupported(t *testing.T) {
	store, err := BuildStoreFromDSN("postgres://localhost/formsync?sslmode=disable")
	if err != nil {
		t.Fatalf("expected postgres store to be available, got %v", err)
	}
	if _, ok := store.(*PostgresStore); !ok {
		t.Fatalf("expected *PostgresStore, got %T", store)
	}
	if _, err := BuildStoreFromDSN("sqlite://forms.db"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented for sqlite, got %v", err)
	}
	if _, err := BuildStoreFromDSN("ftp://example.com/forms"); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}

func TestRegisterFactoryTakesPrecedence(t *testing.T) {
	custom := NewInMemoryStore()
	_ = custom.Set(context.Background(), "marker", []byte("1"))
	RegisterFactory("Custom-KV", func(dsn string) (Store, error) {
		return custom, nil
	})
	RegisterFactory("", func(string) (Store, error) { return nil, nil })
	RegisterFactory("ignored", nil)

	store, err := BuildStoreFromDSN("custom-kv://anything")
	if err != nil {
		t.Fatalf("build custom store failed: %v", err)
	}
	if _, ok, _ := store.Get(context.Background(), "marker"); !ok {
		t.Fatalf("expected registered factory to be used")
	}
	if _, ok := lookupFactory("ignored"); ok {
		t.Fatalf("nil factory should not be registered")
	}
}

func TestDSNPathKeepsRelativeDirectories(t *testing.T) {
	for raw, want := range map[string]string{
		"file://data/forms":    "data/forms",
		"file:///var/formsync": "/var/formsync",
		"file://.formsync":     ".formsync",
		"state/dir":            "state/dir",
	} {
		parsed, err := url.Parse(raw)
		if err != nil {
			t.Fatalf("parse %s: %v", raw, err)
		}
		got, err := dsnPath(parsed, raw)
		if err != nil || got != want {
			t.Fatalf("dsnPath(%q) = (%q, %v), want %q", raw, got, err, want)
		}
	}
}
