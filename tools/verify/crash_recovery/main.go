//go:build ignore

// crash_recovery is a standalone chaos check for the engine's restart
// guarantees. It builds the daemon binary, starts it against a temp
// home, opens an in-progress run directly in SQLite, SIGKILLs the
// daemon mid-run, restarts it, and verifies that:
//   - the database is not corrupted (PRAGMA integrity_check passes)
//   - the orphaned run is closed as interrupted by the startup sweep
//   - the unit survives and stays eligible for another occurrence
//
// Usage:
//
//	go run ./tools/verify/crash_recovery/
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/minder/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS (crash_recovery)")
}

func run() error {
	ctx := context.Background()

	root := moduleRoot()
	binDir, err := os.MkdirTemp("", "crash-recovery-bin-*")
	if err != nil {
		return fmt.Errorf("mktemp bin: %w", err)
	}
	defer os.RemoveAll(binDir)
	binPath := filepath.Join(binDir, "minder")

	fmt.Println("BUILD minder binary...")
	build := exec.Command("go", "build", "-o", binPath, "./cmd/minder")
	build.Dir = root
	build.Stdout = os.Stdout
	build.Stderr = os.Stderr
	if err := build.Run(); err != nil {
		return fmt.Errorf("build binary: %w", err)
	}

	home, err := os.MkdirTemp("", "crash-recovery-home-*")
	if err != nil {
		return fmt.Errorf("mktemp home: %w", err)
	}
	defer os.RemoveAll(home)

	// A long poll interval keeps the daemon from admitting the unit
	// before the kill; no API key keeps completions offline.
	configYAML := "log_level: info\ncheck_interval_seconds: 60\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(configYAML), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	daemonEnv := append(os.Environ(), "MINDER_HOME="+home)
	dbPath := filepath.Join(home, "minder.db")

	fmt.Println("START daemon (first run)...")
	daemon := exec.Command(binPath)
	daemon.Env = daemonEnv
	daemon.Stdout = os.Stdout
	daemon.Stderr = os.Stderr
	if err := daemon.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	if err := waitStoreReady(ctx, dbPath, 10*time.Second); err != nil {
		_ = daemon.Process.Kill()
		_ = daemon.Wait()
		return fmt.Errorf("daemon store not ready: %w", err)
	}
	fmt.Println("READY")

	// Open an in-progress run directly. The partial unique index keeps
	// the daemon from starting a second one for the same unit.
	st, err := store.Open(dbPath, nil)
	if err != nil {
		_ = daemon.Process.Kill()
		_ = daemon.Wait()
		return fmt.Errorf("open store: %w", err)
	}
	unitID, err := st.CreateTask(ctx, "chaos-task", "hold this run open", nil)
	if err != nil {
		st.Close()
		_ = daemon.Process.Kill()
		_ = daemon.Wait()
		return fmt.Errorf("create task: %w", err)
	}
	runID, err := st.StartRun(ctx, unitID, time.Now().UTC().Format(time.RFC3339), "chaos-trace")
	if err != nil {
		st.Close()
		_ = daemon.Process.Kill()
		_ = daemon.Wait()
		return fmt.Errorf("start run: %w", err)
	}
	fmt.Printf("IN_PROGRESS run %s on unit %s\n", runID, unitID)
	st.Close()

	fmt.Println("SIGKILL daemon...")
	if err := daemon.Process.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("sigkill: %w", err)
	}
	_ = daemon.Wait()
	fmt.Println("DAEMON killed")

	fmt.Println("RESTART daemon (second run)...")
	daemon2 := exec.Command(binPath)
	daemon2.Env = daemonEnv
	daemon2.Stdout = os.Stdout
	daemon2.Stderr = os.Stderr
	if err := daemon2.Start(); err != nil {
		return fmt.Errorf("restart daemon: %w", err)
	}
	defer func() {
		_ = daemon2.Process.Signal(os.Interrupt)
		done := make(chan struct{})
		go func() { _ = daemon2.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			_ = daemon2.Process.Kill()
			_ = daemon2.Wait()
		}
	}()

	if err := waitStoreReady(ctx, dbPath, 10*time.Second); err != nil {
		return fmt.Errorf("restarted daemon store not ready: %w", err)
	}
	fmt.Println("READY (after restart)")

	st2, err := store.Open(dbPath, nil)
	if err != nil {
		return fmt.Errorf("reopen store after kill: %w", err)
	}
	defer st2.Close()

	// The startup sweep runs before the scheduler, so by the time the
	// store answers queries the orphan must already be closed.
	status, err := waitRunClosed(ctx, st2, runID, 10*time.Second)
	if err != nil {
		return err
	}
	fmt.Printf("RECOVERED run %s status=%s\n", runID, status)
	if status != string(store.RunInterrupted) {
		return fmt.Errorf("expected run %s to be interrupted after recovery, got %s", runID, status)
	}

	unit, err := st2.GetUnit(ctx, unitID)
	if err != nil {
		return fmt.Errorf("get unit after recovery: %w", err)
	}
	fmt.Printf("UNIT %s status=%s\n", unit.ID, unit.Status)
	if unit.Status != store.UnitActive && unit.Status != store.UnitDone {
		return fmt.Errorf("expected unit %s active (or already re-run to done), got %s", unitID, unit.Status)
	}

	var integrityResult string
	if err := st2.DB().QueryRowContext(ctx, "PRAGMA integrity_check;").Scan(&integrityResult); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	fmt.Printf("INTEGRITY_CHECK=%s\n", integrityResult)
	if integrityResult != "ok" {
		return fmt.Errorf("DB integrity check failed: %s", integrityResult)
	}

	fmt.Println("ALL CHECKS PASSED")
	return nil
}

func moduleRoot() string {
	out, err := exec.Command("go", "env", "GOMOD").Output()
	if err != nil {
		fmt.Fprintf(os.Stderr, "go env GOMOD: %v\n", err)
		os.Exit(1)
	}
	gomod := strings.TrimSpace(string(out))
	if gomod == "" || gomod == os.DevNull {
		fmt.Fprintln(os.Stderr, "go env GOMOD returned empty; expected path to go.mod")
		os.Exit(1)
	}
	return filepath.Dir(gomod)
}

// waitStoreReady polls until the daemon has created and migrated the
// database.
func waitStoreReady(ctx context.Context, dbPath string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(dbPath); err == nil {
			st, err := store.Open(dbPath, nil)
			if err == nil {
				_, listErr := st.ListUnits(ctx)
				st.Close()
				if listErr == nil {
					return nil
				}
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("store at %s not ready after %v", dbPath, timeout)
}

func waitRunClosed(ctx context.Context, st *store.Store, runID string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	status := ""
	for time.Now().Before(deadline) {
		if err := st.DB().QueryRowContext(ctx, "SELECT status FROM runs WHERE id = ?;", runID).Scan(&status); err != nil {
			return "", fmt.Errorf("query run %s: %w", runID, err)
		}
		if status != string(store.RunInProgress) {
			return status, nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return status, fmt.Errorf("run %s still in progress after %v", runID, timeout)
}
