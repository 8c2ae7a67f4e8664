package utils

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// HashFile calculates the BLAKE3 hash of a file and returns it as a hex string
func HashFile(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("failed to hash file: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// FileChangeTracker remembers the last hash seen for a file so periodic uploaders can skip
// unchanged content
type FileChangeTracker struct {
	path     string
	lastHash string
}

func NewFileChangeTracker(path string) *FileChangeTracker {
	return &FileChangeTracker{path: path}
}

// Changed reports whether the file content differs from the last call that returned true.
// A missing file never counts as changed.
func (t *FileChangeTracker) Changed() (bool, error) {
	hash, err := HashFile(t.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if hash == t.lastHash {
		return false, nil
	}
	t.lastHash = hash
	return true, nil
}

// Forget clears the remembered hash so the next Changed call reports true for any existing file
func (t *FileChangeTracker) Forget() {
	t.lastHash = ""
}
