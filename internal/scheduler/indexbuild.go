package scheduler

import (
	"context"
	"io"
	"os"
	"path/filepath"
)

// CopyDirectoryBuilder is the reference IndexBuilder: it materializes a
// snapshot at snapshotPath by copying every regular file under
// masterPath except its .versioned snapshot directory (which holds
// snapshotPath itself), so FTSReference.Reload (or any other Backend opened
// against a path) sees a stable, independent filesystem tree even while
// the next refresh cycle mutates masterPath underneath it. A real
// vector/SCIP/embedding index builder would replace this with whatever
// on-disk format that backend expects; nothing else in this package
// depends on the snapshot being a plain file copy.
func CopyDirectoryBuilder(ctx context.Context, masterPath, snapshotPath string) error {
	return filepath.WalkDir(masterPath, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rel, err := filepath.Rel(masterPath, path)
		if err != nil {
			return err
		}
		dest := filepath.Join(snapshotPath, rel)

		if d.IsDir() && rel == ".versioned" {
			return filepath.SkipDir
		}
		if d.IsDir() {
			return os.MkdirAll(dest, 0o755)
		}
		return copyFile(path, dest)
	})
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
