package ledger

import (
	"os"
	"path/filepath"
)

// writeFileAtomic writes data to a temp file in the target directory and
// renames it over path, so readers see either the old or the new document.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ioErr("mkdir", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp.*")
	if err != nil {
		return ioErr("create temp", dir, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		return ioErr("write", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		return ioErr("sync", tmpPath, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		return ioErr("chmod", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return ioErr("close", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return ioErr("rename", tmpPath, err)
	}
	return nil
}
