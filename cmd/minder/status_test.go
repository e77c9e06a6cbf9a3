package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/minder/internal/config"
	"github.com/basket/minder/internal/store"
)

func TestRunStatusCommand_ExtraArgs(t *testing.T) {
	code := runStatusCommand(context.Background(), []string{"extra"})
	if code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunStatusCommand_UnknownFlag(t *testing.T) {
	setTestHome(t)
	code := runStatusCommand(context.Background(), []string{"-bogus"})
	if code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunStatusCommand_EmptyDatabase(t *testing.T) {
	setTestHome(t)
	code := runStatusCommand(context.Background(), nil)
	if code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
}

func TestRunStatusCommand_WithUnits(t *testing.T) {
	home := setTestHome(t)

	st, err := store.Open(config.DBPath(home), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if _, err := st.CreateTask(context.Background(), "inspect-me", "report something", nil); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	if code := runStatusCommand(context.Background(), nil); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	if code := runStatusCommand(context.Background(), []string{"-json"}); code != 0 {
		t.Fatalf("json output: got exit code %d, want 0", code)
	}
}

func TestRunStatusCommand_CancelledContext(t *testing.T) {
	setTestHome(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	code := runStatusCommand(ctx, nil)
	if code != 1 {
		t.Fatalf("got exit code %d, want 1 for cancelled context", code)
	}
}

// setTestHome points MINDER_HOME at a temp dir with a minimal config.yaml.
func setTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("MINDER_HOME", home)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return home
}
