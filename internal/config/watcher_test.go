package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/fleetrelay/internal/config"
)

func startWatcher(t *testing.T, homeDir string) (*config.Watcher, context.CancelFunc) {
	t.Helper()
	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		cancel()
		t.Fatalf("start watcher: %v", err)
	}
	return w, cancel
}

func TestWatcher_ReportsConfigWritesOnly(t *testing.T) {
	homeDir := t.TempDir()
	cfgPath := config.ConfigPath(homeDir)
	if err := os.WriteFile(cfgPath, []byte("log_level: info\n"), 0o600); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	w, cancel := startWatcher(t, homeDir)
	defer cancel()

	if err := os.WriteFile(filepath.Join(homeDir, "fleetrelay.db-wal"), []byte("x"), 0o600); err != nil {
		t.Fatalf("write neighbour: %v", err)
	}

	// Keep touching the file until the watch is live; the debounce folds the
	// repeats into few events.
	rewrite := time.NewTicker(40 * time.Millisecond)
	defer rewrite.Stop()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != "config.yaml" {
				t.Fatalf("event for %s, want config.yaml", ev.Path)
			}
			return
		case <-rewrite.C:
			_ = os.WriteFile(cfgPath, []byte("log_level: debug\n"), 0o600)
		case <-deadline:
			t.Fatal("no reload event for config.yaml")
		}
	}
}

func TestWatcher_CoalescesBurst(t *testing.T) {
	homeDir := t.TempDir()
	cfgPath := config.ConfigPath(homeDir)
	w, cancel := startWatcher(t, homeDir)
	defer cancel()

	for i := 0; i < 10; i++ {
		if err := os.WriteFile(cfgPath, []byte("log_level: warn\n"), 0o600); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	select {
	case <-w.Events():
	case <-time.After(3 * time.Second):
		t.Fatal("no reload event after burst")
	}
	select {
	case ev := <-w.Events():
		t.Fatalf("burst produced a second reload: %+v", ev)
	case <-time.After(4 * config.DefaultReloadDebounce):
	}
}

func TestWatcher_ClosesEventsOnCancel(t *testing.T) {
	w, cancel := startWatcher(t, t.TempDir())
	cancel()
	select {
	case _, ok := <-w.Events():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed after cancel")
	}
}

func TestWatcher_MissingHomeFails(t *testing.T) {
	w := config.NewWatcher(filepath.Join(t.TempDir(), "missing"), nil)
	if err := w.Start(context.Background()); err == nil {
		t.Fatal("expected error watching a missing directory")
	}
}
