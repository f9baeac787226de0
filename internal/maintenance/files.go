package maintenance

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/dotclaw/dotclaw/internal/stream"
)

// sweepFiles removes regular files directly under dir whose modtime is
// before the cutoff. pattern filters by name ("" matches everything).
// A missing dir is not an error; individual remove failures are skipped.
func sweepFiles(dir string, cutoff time.Time, pattern string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if pattern != "" {
			if ok, _ := filepath.Match(pattern, entry.Name()); !ok {
				continue
			}
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, entry.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// sweepEntries removes whole entries under dir (files or trees) whose
// modtime is before the cutoff. Used for session snapshots, where each
// entry is one copied session directory.
func sweepEntries(dir string, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	removed := 0
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// sweepIPC removes orphaned stream files under the IPC root: one
// directory per run, chunk files plus a done/error sentinel. Regular
// files age out after maxAge; error sentinels are kept errorMaxAge so
// failures stay inspectable. Run directories that emptied out and have
// not been touched within maxAge are removed.
func sweepIPC(root string, now time.Time, maxAge, errorMaxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	removed := 0
	for _, entry := range entries {
		path := filepath.Join(root, entry.Name())
		if !entry.IsDir() {
			if ipcFileExpired(entry, now, maxAge, errorMaxAge) {
				if err := os.Remove(path); err == nil {
					removed++
				}
			}
			continue
		}

		files, err := os.ReadDir(path)
		if err != nil {
			continue
		}
		live := 0
		for _, f := range files {
			if f.IsDir() {
				live++
				continue
			}
			if !ipcFileExpired(f, now, maxAge, errorMaxAge) {
				live++
				continue
			}
			if err := os.Remove(filepath.Join(path, f.Name())); err == nil {
				removed++
			} else {
				live++
			}
		}

		// An untouched empty run directory is an abandoned run. Freshly
		// emptied ones get their modtime bumped by the removes above and
		// fall to the next pass.
		if live == 0 {
			if info, err := entry.Info(); err == nil && info.ModTime().Before(now.Add(-maxAge)) {
				_ = os.Remove(path)
			}
		}
	}
	return removed, nil
}

func ipcFileExpired(entry fs.DirEntry, now time.Time, maxAge, errorMaxAge time.Duration) bool {
	info, err := entry.Info()
	if err != nil {
		return false
	}
	age := maxAge
	if entry.Name() == stream.SentinelError {
		age = errorMaxAge
	}
	return info.ModTime().Before(now.Add(-age))
}
