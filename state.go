package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// TargetStore remembers the last session name across restarts.
type TargetStore interface {
	Load() (string, bool)
	Save(name string) error
}

// FileTargetStore keeps the name in a single file.
type FileTargetStore struct {
	path string
}

func NewFileTargetStore(path string) *FileTargetStore {
	return &FileTargetStore{path: path}
}

// lastSessionPath is the default location, next to the config file.
func lastSessionPath() string {
	return filepath.Join(getConfigDir(), "last_session")
}

func (s *FileTargetStore) Load() (string, bool) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return "", false
	}
	name := strings.TrimSpace(string(data))
	return name, name != ""
}

func (s *FileTargetStore) Save(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("empty session name")
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(s.path, []byte(name), 0o600)
}
