package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FileName is the manifest file name inside an output directory.
const FileName = "manifest.json"

// Store persists a Manifest as a single JSON file, rewritten wholesale.
type Store struct {
	path string
}

// NewStore returns a Store for the manifest inside outputDir.
func NewStore(outputDir string) *Store {
	return &Store{path: filepath.Join(outputDir, FileName)}
}

// Path returns the manifest file path.
func (s *Store) Path() string {
	return s.path
}

// Exists reports whether a manifest file is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Load reads the manifest. A missing file yields an empty manifest.
func (s *Store) Load() (*Manifest, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return New(nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return New(nil), nil
	}

	var records []*Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", s.path, err)
	}
	return New(records), nil
}

// Save rewrites the whole manifest. The file is written to a temporary
// sibling and renamed so readers never see a partial write.
func (s *Store) Save(m *Manifest) error {
	records := m.Records()
	if records == nil {
		records = []*Record{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, FileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp manifest: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("writing manifest: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing manifest: %w", err)
	}
	return nil
}
