// Package atomicfile provides crash-safe file writing using temporary files
// and atomic renames on an [afero.Fs].
package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// Write atomically writes data to path on the OS filesystem.
// See [WriteFs].
func Write(path string, data []byte, perm os.FileMode) error {
	return WriteFs(afero.NewOsFs(), path, data, perm)
}

// WriteFs writes data to path on fsys using a temporary-file-and-rename
// strategy. The temp file lives in the same directory as path so the final
// [afero.Fs.Rename] never crosses a filesystem boundary. Readers observe
// either the previous content or the complete new content. On any failure
// the temp file is removed.
func WriteFs(fsys afero.Fs, path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	f, err := afero.TempFile(fsys, dir, base+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := f.Name()

	var success bool
	defer func() {
		if !success {
			_ = fsys.Remove(tmpName)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := fsys.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := fsys.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	success = true
	return nil
}
