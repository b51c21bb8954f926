package mirror

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestFlock(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "lockfile")
	if err := os.WriteFile(lockPath, nil, 0644); err != nil {
		t.Fatal(err)
	}

	// Create a context with a timeout to prevent hangs
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "flock", lockPath, "sleep", "0.2")
	err := cmd.Start()
	if err != nil {
		t.Skip("flock command not available")
		return
	}
	time.Sleep(100 * time.Millisecond)

	f, err := os.Open(lockPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	fl := Flock{f}
	if err = fl.Lock(); err == nil {
		t.Error(`err = fl.Lock(); err == nil`)
	} else {
		t.Log(err)
	}

	err = cmd.Wait()
	if ctx.Err() == context.DeadlineExceeded {
		t.Fatal("test timed out waiting for external flock command")
	}
	if err != nil {
		t.Logf("external flock command exited with error: %v", err)
	}

	if err = fl.Lock(); err != nil {
		t.Fatal(err)
	}
	if err = fl.Unlock(); err != nil {
		t.Error(err)
	}
}

func TestFlock_Contention_NonBlocking(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), LockFilename)
	f1, err := os.Create(lockPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f1.Close()
	f2, err := os.Open(lockPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f2.Close()

	if err := (Flock{f1}).Lock(); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- (Flock{f2}).Lock() }()

	select {
	case err := <-done:
		if err == nil {
			t.Error("second lock on a separate open file should fail")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Lock blocked instead of failing immediately")
	}

	if err := (Flock{f1}).Unlock(); err != nil {
		t.Fatal(err)
	}
	if err := (Flock{f2}).Lock(); err != nil {
		t.Errorf("lock should be free after unlock: %v", err)
	}
}

func TestLockDataPath(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "mirror")

	release, err := LockDataPath(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, LockFilename)); err != nil {
		t.Errorf("lock file should exist: %v", err)
	}

	if _, err := LockDataPath(dir); err == nil {
		t.Error("second LockDataPath on the same directory should fail")
	}

	release()
	if _, err := os.Stat(filepath.Join(dir, LockFilename)); !os.IsNotExist(err) {
		t.Errorf("lock file should be removed, stat err = %v", err)
	}

	release2, err := LockDataPath(dir)
	if err != nil {
		t.Fatalf("lock should be available again: %v", err)
	}
	release2()
}

func TestValidateLockFilePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		lockFile  string
		baseDir   string
		wantError bool
	}{
		{"simple lock file in base dir", "/var/mirror/.lock", "/var/mirror", false},
		{"lock file in subdirectory", "/var/mirror/subdir/.lock", "/var/mirror", false},
		{"trailing slash in base dir", "/var/mirror/.lock", "/var/mirror/", false},
		{"double slashes in path", "/var/mirror//.lock", "/var/mirror", false},
		{"single dot component", "/var/mirror/./.lock", "/var/mirror", false},
		{"simple parent traversal", "/var/mirror/../etc/passwd", "/var/mirror", true},
		{"hidden traversal in middle", "/var/mirror/foo/../../../etc/passwd", "/var/mirror", true},
		{"traversal at start", "../etc/passwd", "/var/mirror", true},
		{"completely different path", "/etc/passwd", "/var/mirror", true},
		{"sibling directory", "/var/other/.lock", "/var/mirror", true},
		{"similar prefix", "/var/mirror-other/.lock", "/var/mirror", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateLockFilePath(tt.lockFile, tt.baseDir)
			if tt.wantError && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantError && err != nil {
				t.Errorf("expected no error, got: %v", err)
			}
		})
	}
}

func TestLockDataPath_SequentialAcquisition(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	const numWorkers = 8
	var (
		holders  atomic.Int32
		acquired atomic.Int32
		wg       sync.WaitGroup
	)
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			deadline := time.Now().Add(5 * time.Second)
			for time.Now().Before(deadline) {
				release, err := LockDataPath(dir)
				if err != nil {
					time.Sleep(5 * time.Millisecond)
					continue
				}
				if n := holders.Add(1); n != 1 {
					t.Errorf("%d holders of the data path lock", n)
				}
				time.Sleep(2 * time.Millisecond)
				holders.Add(-1)
				acquired.Add(1)
				release()
				return
			}
		}()
	}
	wg.Wait()

	if acquired.Load() == 0 {
		t.Error("no worker acquired the lock")
	}
}

func TestFlock_LockAfterClose(t *testing.T) {
	t.Parallel()

	f, err := os.CreateTemp(t.TempDir(), "flock-closed-*")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	fl := Flock{f}
	f.Close()

	if err := fl.Lock(); err == nil {
		t.Error("lock on closed file should fail")
	}
}
