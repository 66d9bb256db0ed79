package iox

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// WriteStreamToFile copies src into a new file. On failure, the partial file is removed.
func WriteStreamToFile(dstFilename string, src io.Reader) (int64, error) {
	dstFile, err := os.Create(dstFilename)
	if err != nil {
		return 0, err
	}
	defer dstFile.Close()
	n, err := io.Copy(dstFile, src)
	if err == nil {
		err = dstFile.Close()
	}
	if err != nil {
		os.Remove(dstFilename)
		return 0, err
	}
	return n, nil
}

// WriteFileAtomic writes data to a temporary file next to dstFilename, and then renames it.
// A reader (or a resume after a crash) sees either the old file, or the complete new one.
// Missing parent directories are created.
func WriteFileAtomic(dstFilename string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(dstFilename), 0755); err != nil {
		return err
	}
	tempFile := dstFilename + ".tmp"
	f, err := os.Create(tempFile)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tempFile)
		return fmt.Errorf("Failed to write %v: %w", tempFile, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tempFile)
		return err
	}
	return os.Rename(tempFile, dstFilename)
}
