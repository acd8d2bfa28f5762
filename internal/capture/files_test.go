package capture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("SIMPLE  =                    T"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestPollForFileReturnsNewestMatch(t *testing.T) {
	dir := t.TempDir()
	older := filepath.Join(dir, "NT001_2025-08-01_01-00-00__60.00s_0000.fits")
	newer := filepath.Join(dir, "NT001_2025-08-01_01-05-00__60.00s_0001.fits")
	writeFile(t, older)
	writeFile(t, newer)

	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(older, past, past); err != nil {
		t.Fatal(err)
	}

	got, err := PollForFile(context.Background(), dir, "NT001", time.Second)
	if err != nil {
		t.Fatalf("PollForFile: %v", err)
	}
	if got != newer {
		t.Errorf("got %s, want newest file", got)
	}
}

func TestPollForFileWaitsForArrival(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "NT002_0000.fits")

	go func() {
		time.Sleep(150 * time.Millisecond)
		os.WriteFile(path, []byte("x"), 0o644)
	}()

	got, err := PollForFile(context.Background(), dir, "NT002", 3*time.Second)
	if err != nil {
		t.Fatalf("PollForFile: %v", err)
	}
	if got != path {
		t.Errorf("got %s, want %s", got, path)
	}
}

func TestPollForFileTimeout(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "OTHER_0000.fits"))

	_, err := PollForFile(context.Background(), dir, "NT003", 250*time.Millisecond)
	if !errors.Is(err, ErrFileTimeout) {
		t.Errorf("err = %v, want ErrFileTimeout", err)
	}
}

func TestPollForFileMissingDirectory(t *testing.T) {
	_, err := PollForFile(context.Background(), "/no/such/dir", "NT004", time.Second)
	if err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestPollForFileCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := PollForFile(ctx, t.TempDir(), "NT005", time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestWaitForFileSizeStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "img.fits")
	writeFile(t, path)

	if err := WaitForFileSizeStable(context.Background(), path, 50*time.Millisecond, time.Second); err != nil {
		t.Errorf("WaitForFileSizeStable: %v", err)
	}
}

func TestWaitForFileSizeStableGrowingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "img.fits")
	writeFile(t, path)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(25 * time.Millisecond):
				f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
				if err != nil {
					return
				}
				f.Write([]byte("more"))
				f.Close()
			}
		}
	}()

	err := WaitForFileSizeStable(context.Background(), path, 300*time.Millisecond, 600*time.Millisecond)
	if !errors.Is(err, ErrFileTimeout) {
		t.Errorf("err = %v, want ErrFileTimeout while file grows", err)
	}
}

func TestWaitForFileSizeStableMissingFile(t *testing.T) {
	err := WaitForFileSizeStable(context.Background(), "/no/such/file.fits", time.Second, time.Second)
	if err == nil {
		t.Error("expected error for missing file")
	}
}
