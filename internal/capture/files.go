package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrFileTimeout is returned when an image file does not appear or settle in
// time.
var ErrFileTimeout = errors.New("timed out waiting for image file")

// PollForFile waits for an image matching "<targetName>_*.fits" to appear in
// dir and returns the newest match. The camera software writes files with
// the target name as prefix; polling backs off exponentially up to 3.2s.
func PollForFile(ctx context.Context, dir, targetName string, timeout time.Duration) (string, error) {
	if _, err := os.Stat(dir); err != nil {
		return "", fmt.Errorf("image directory: %w", err)
	}

	deadline := time.Now().Add(timeout)
	interval := 100 * time.Millisecond
	pattern := filepath.Join(dir, targetName+"_*.fits")

	for {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return "", fmt.Errorf("globbing %s: %w", pattern, err)
		}
		if newest := newestFile(matches); newest != "" {
			return newest, nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("no image for %q within %s: %w", targetName, timeout, ErrFileTimeout)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(interval):
		}
		if interval *= 2; interval > 3200*time.Millisecond {
			interval = 3200 * time.Millisecond
		}
	}
}

func newestFile(paths []string) string {
	var newest string
	var newestMod time.Time
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = p
			newestMod = info.ModTime()
		}
	}
	return newest
}

// WaitForFileSizeStable blocks until the file size stops changing for
// stableFor, indicating the writer has finished. A size change resets the
// stability timer.
func WaitForFileSizeStable(ctx context.Context, path string, stableFor, timeout time.Duration) error {
	interval := stableFor / 2
	if interval < 20*time.Millisecond {
		interval = 20 * time.Millisecond
	}
	if interval > 500*time.Millisecond {
		interval = 500 * time.Millisecond
	}

	deadline := time.Now().Add(timeout)
	lastSize := int64(-1)
	var stableSince time.Time

	for {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("checking file size: %w", err)
		}
		if info.Size() == lastSize {
			if stableSince.IsZero() {
				stableSince = time.Now()
			} else if time.Since(stableSince) >= stableFor {
				return nil
			}
		} else {
			lastSize = info.Size()
			stableSince = time.Time{}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("size of %s still changing after %s: %w", path, timeout, ErrFileTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
