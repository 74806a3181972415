// Package storage persists upload manifests: JSON files mapping uploaded
// document paths to the ids the RAG backend assigned them, so later runs can
// delete exactly what was uploaded.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const manifestPrefix = "uploaded_files_"

// ManifestStore reads and writes upload manifests in one directory.
type ManifestStore struct {
	dir string
}

// NewManifestStore creates a store rooted at dir ("." for the originals'
// current-directory behavior).
func NewManifestStore(dir string) *ManifestStore {
	if dir == "" {
		dir = "."
	}
	return &ManifestStore{dir: dir}
}

// Save writes a new manifest named uploaded_files_<timestamp>.json and
// returns its path. Empty manifests are not written.
func (s *ManifestStore) Save(entries map[string]string) (string, error) {
	if len(entries) == 0 {
		return "", fmt.Errorf("refusing to write empty manifest")
	}

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create manifest directory: %w", err)
	}

	filename := fmt.Sprintf("%s%s.json", manifestPrefix, time.Now().Format("20060102_150405"))
	path := filepath.Join(s.dir, filename)

	if err := writeManifest(path, entries); err != nil {
		return "", err
	}

	return path, nil
}

// Load reads one manifest file.
func (s *ManifestStore) Load(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var entries map[string]string
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("manifest %s is not valid JSON: %w", path, err)
	}

	return entries, nil
}

// List returns the paths of all manifests in the store directory, sorted by
// name (and therefore by timestamp).
func (s *ManifestStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read manifest directory: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, manifestPrefix) || filepath.Ext(name) != ".json" {
			continue
		}
		paths = append(paths, filepath.Join(s.dir, name))
	}
	sort.Strings(paths)

	return paths, nil
}

// Rewrite replaces a manifest with the remaining entries, removing the file
// entirely when nothing is left.
func (s *ManifestStore) Rewrite(path string, remaining map[string]string) error {
	if len(remaining) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove manifest: %w", err)
		}
		return nil
	}
	return writeManifest(path, remaining)
}

// Remove deletes a manifest file.
func (s *ManifestStore) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove manifest: %w", err)
	}
	return nil
}

func writeManifest(path string, entries map[string]string) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	return nil
}
