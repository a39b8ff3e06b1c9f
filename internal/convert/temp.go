package convert

import (
	"fmt"
	"os"
)

// TempProvider allocates fresh file paths for tool outputs.
type TempProvider interface {
	Create(pattern string) (string, error)
}

// DirTempProvider creates empty files in Dir, the OS temp dir when empty.
type DirTempProvider struct {
	Dir string
}

func (p DirTempProvider) Create(pattern string) (string, error) {
	f, err := os.CreateTemp(p.Dir, pattern)
	if err != nil {
		return "", fmt.Errorf("creating temporary file: %w", err)
	}
	path := f.Name()
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("closing temporary file: %w", err)
	}
	return path, nil
}
