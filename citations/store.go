// Package citations extracts visual artifacts (images, tables, diagrams)
// from source manuals, stores their bytes content-addressed, links them to
// canonical entities with confidence scoring, and verifies integrity after
// the graph write.
package citations

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// Store is the content-addressed citation byte store. Files land at
// <dir>/<citation_id>.<ext> and are always verifiable against their SHA-256.
type Store struct {
	dir string
}

// NewStore creates the backing directory when missing.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create citation store: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Put writes the artifact bytes and returns (path, sha256hex).
func (s *Store) Put(citationID, ext string, data []byte) (string, string, error) {
	sum := sha256.Sum256(data)
	path := s.Path(citationID, ext)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", "", fmt.Errorf("failed to store citation bytes: %w", err)
	}
	return path, hex.EncodeToString(sum[:]), nil
}

// Path returns the on-disk location for a citation.
func (s *Store) Path(citationID, ext string) string {
	return filepath.Join(s.dir, citationID+"."+ext)
}

// Verify recomputes the stored file's SHA-256 against wantHash.
// exists=false means the file is gone; match=false means the bytes changed.
func (s *Store) Verify(citationID, ext, wantHash string) (exists, match bool, err error) {
	data, err := os.ReadFile(s.Path(citationID, ext))
	if os.IsNotExist(err) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	sum := sha256.Sum256(data)
	return true, hex.EncodeToString(sum[:]) == wantHash, nil
}

// Remove deletes a stored artifact. Missing files are not an error: the
// compensation path may run more than once.
func (s *Store) Remove(citationID, ext string) error {
	err := os.Remove(s.Path(citationID, ext))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
