package bill

import (
	"fmt"
	"os"
	"path/filepath"
)

// Storage holds the source documents bills were extracted from
type Storage interface {
	// Save stores a source document and returns the key to retrieve it with
	Save(filename string, data []byte) (string, error)

	// Get retrieves a source document by key
	Get(key string) ([]byte, error)

	// Delete removes a source document
	Delete(key string) error
}

// LocalStorage implements Storage on the local filesystem
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates the storage directory if needed
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	return &LocalStorage{basePath: basePath}, nil
}

// keys are flat file names; anything path-like is reduced to its base
func (l *LocalStorage) path(key string) string {
	return filepath.Join(l.basePath, filepath.Base(key))
}

// Save writes a source document under its file name
func (l *LocalStorage) Save(filename string, data []byte) (string, error) {
	key := filepath.Base(filename)
	if err := os.WriteFile(l.path(key), data, 0644); err != nil {
		return "", fmt.Errorf("writing file: %w", err)
	}
	return key, nil
}

// Get reads a source document
func (l *LocalStorage) Get(key string) ([]byte, error) {
	data, err := os.ReadFile(l.path(key))
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

// Delete removes a source document
func (l *LocalStorage) Delete(key string) error {
	if err := os.Remove(l.path(key)); err != nil {
		return fmt.Errorf("deleting file: %w", err)
	}
	return nil
}
