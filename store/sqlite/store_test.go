package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/tailored-agentic-units/sysend/store"
	"github.com/tailored-agentic-units/sysend/store/sqlite"
)

func openTestStore(t *testing.T, path string) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(path, sqlite.WithPollInterval(5*time.Millisecond))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := sqlite.Open("  "); err == nil {
		t.Error("Open(blank) error = nil, want error")
	}
}

func TestStore_GetSetRemove(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "shared.db"))

	if err := s.Set(ctx, "k", "v"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, err := s.Get(ctx, "k")
	if err != nil || got != "v" {
		t.Fatalf("Get() = %q, %v; want v", got, err)
	}

	keys, err := s.Keys(ctx)
	if err != nil || len(keys) != 1 || keys[0] != "k" {
		t.Errorf("Keys() = %v, %v; want [k]", keys, err)
	}

	if err := s.Remove(ctx, "k"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := s.Get(ctx, "k"); !errors.Is(err, store.ErrKeyNotFound) {
		t.Errorf("Get() after Remove error = %v, want %v", err, store.ErrKeyNotFound)
	}
}

func TestStore_WatchAcrossHandles(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "shared.db")
	reader := openTestStore(t, path)
	writer := openTestStore(t, path)

	ch, err := reader.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	writer.Set(ctx, "event", "one")
	writer.Set(ctx, "event", "one") // no-op, produces no change row
	writer.Set(ctx, "event", "two")
	writer.Remove(ctx, "event")

	want := []store.Change{
		{Key: "event", Value: "one"},
		{Key: "event", Value: "two"},
		{Key: "event", Removed: true},
	}
	for i, w := range want {
		select {
		case c := <-ch:
			if c != w {
				t.Errorf("change[%d] = %+v, want %+v", i, c, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for change[%d]", i)
		}
	}
}

func TestStore_CloseEndsWatch(t *testing.T) {
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "shared.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	ch, err := s.Watch(context.Background())
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed")
	}

	if _, err := s.Watch(context.Background()); !errors.Is(err, store.ErrClosed) {
		t.Errorf("Watch() after Close error = %v, want %v", err, store.ErrClosed)
	}
}
