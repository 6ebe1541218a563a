package checkpoint

import (
	"io/fs"
	"path/filepath"
	"time"
)

// maxSnapshotFileSize is 1 MB. Neither SnapshotDir nor Store.Snapshot
// consults it: Snapshot stores a file's full content whatever its size.
const maxSnapshotFileSize = 1 << 20

// skipDirs are directories skipped during snapshot walks.
var skipDirs = map[string]bool{
	".git": true, "node_modules": true, "__pycache__": true,
	".venv": true, "vendor": true, ".cache": true, ".next": true,
	"dist": true, "build": true, "target": true,
}

// FileStat holds mtime+size for cheap change detection during a directory walk.
type FileStat struct {
	modTime time.Time
	size    int64
}

// SnapshotDir walks root and returns a map of relative path -> FileStat,
// used by tools (like the bash tool) that can mutate an arbitrary set of
// files in one call rather than a single named path.
func SnapshotDir(root string) map[string]FileStat {
	snap := make(map[string]FileStat)
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		snap[rel] = FileStat{modTime: info.ModTime(), size: info.Size()}
		return nil
	})
	return snap
}

// RecordDirDeltas compares two directory snapshots and calls Snapshot on the
// Store for every path that changed or was newly created between pre and
// post, so a subsequent Restore can undo it. It must be called with pre
// taken before the mutating operation and snapshotted into the Store before
// that operation runs, since Snapshot only captures the *first* observed
// state for a (session, path).
func RecordDirDeltas(store *Store, session, root string, pre, post map[string]FileStat) {
	for rel, postInfo := range post {
		preInfo, existed := pre[rel]
		if !existed || preInfo.modTime != postInfo.modTime || preInfo.size != postInfo.size {
			store.Snapshot(session, filepath.Join(root, rel))
		}
	}
	for rel := range pre {
		if _, stillThere := post[rel]; !stillThere {
			store.Snapshot(session, filepath.Join(root, rel))
		}
	}
}
