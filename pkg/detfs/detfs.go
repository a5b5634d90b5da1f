// Package detfs provides deterministic filesystem wrappers: sorted
// directory walks and charged reads. Governance-critical paths (ledger
// replay, schema loading, evidence export, constitution evaluation) must go
// through these instead of raw os.ReadDir/filepath.Walk, whose entry order
// is not guaranteed stable across platforms.
package detfs

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/adaad/core/pkg/entropy"
)

// ListDir returns the sorted base names of dir's direct entries.
func ListDir(ctx context.Context, dir string) ([]string, error) {
	chargeOrWarn(ctx, "listdir:"+dir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// WalkDeterministic walks root depth-first, visiting entries in
// lexicographic order at every level, and charges FILESYSTEM entropy once
// for the whole walk (not per visited entry) when ctx carries an open
// envelope.
func WalkDeterministic(ctx context.Context, root string, fn func(path string, d fs.DirEntry) error) error {
	chargeOrWarn(ctx, "walk:"+root)
	return walkSorted(ctx, root, fn)
}

func walkSorted(ctx context.Context, dir string, fn func(path string, d fs.DirEntry) error) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		if err := fn(path, e); err != nil {
			return err
		}
		if e.IsDir() {
			if err := walkSorted(ctx, path, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// GlobDeterministic returns sorted matches for pattern, rooted at dir.
func GlobDeterministic(ctx context.Context, dir, pattern string) ([]string, error) {
	chargeOrWarn(ctx, "glob:"+dir+":"+pattern)
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// FindFilesDeterministic returns the sorted paths of every regular file
// under root whose base name satisfies predicate.
func FindFilesDeterministic(ctx context.Context, root string, predicate func(name string) bool) ([]string, error) {
	var found []string
	err := WalkDeterministic(ctx, root, func(path string, d fs.DirEntry) error {
		if d.IsDir() {
			return nil
		}
		if predicate == nil || predicate(d.Name()) {
			found = append(found, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(found)
	return found, nil
}

// ReadFileDeterministic reads a file's full contents, charging FILESYSTEM
// entropy when ctx carries an open envelope.
func ReadFileDeterministic(ctx context.Context, path string) ([]byte, error) {
	chargeOrWarn(ctx, "read:"+path)
	return os.ReadFile(path)
}

func chargeOrWarn(ctx context.Context, label string) {
	ok, err := entropy.ChargeFromContext(ctx, entropy.SourceFilesystem, label)
	if err != nil {
		// Callers that need fail-closed behavior on overflow check the
		// returned error from their own entropy.Scope; detfs itself never
		// fails a read because of budget exhaustion, it only accounts for it.
		return
	}
	if !ok {
		slog.Warn("entropy_untracked", "op", "detfs", "label", label)
	}
}

// IsWithinBannedPrefix reports whether path begins with one of the banned
// absolute path prefixes the invariants module enforces.
func IsWithinBannedPrefix(path string) bool {
	for _, prefix := range BannedAbsolutePrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// BannedAbsolutePrefixes mirrors the invariants module's banned path roots.
var BannedAbsolutePrefixes = []string{"/workspace/", "/home/", "/sdcard/", "/storage/"}

// BannedImportRoots mirrors the invariants module's banned import roots,
// checked by build-time tooling rather than at runtime.
var BannedImportRoots = []string{"core", "engines", "adad_core", "ADAAD22"}
