package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ValidateExecutable checks that path is a regular file with an execute bit set
func ValidateExecutable(path string) error {
	fileInfo, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("executable not found: %s", path)
		}
		return fmt.Errorf("failed to stat executable: %w", err)
	}

	if fileInfo.IsDir() {
		return fmt.Errorf("path is a directory, not an executable: %s", path)
	}

	if fileInfo.Mode()&0111 == 0 {
		return fmt.Errorf("file is not executable (missing execute permissions): %s", path)
	}

	return nil
}

// SetExecutablePermissions sets mode 0755 on path
func SetExecutablePermissions(path string) error {
	return os.Chmod(path, 0755)
}

// CopyFile copies src to dst, creating the destination directory. dst is synced before returning
// because a container may start reading it right away.
func CopyFile(src, dst string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer sourceFile.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	destFile, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}
	defer destFile.Close()

	if _, err := io.Copy(destFile, sourceFile); err != nil {
		return fmt.Errorf("failed to copy file contents: %w", err)
	}

	if err := destFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync destination file: %w", err)
	}

	return nil
}
