package payload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrHashTooShort guards the hash-path layout against malformed keys.
var ErrHashTooShort = errors.New("payload: hash too short for hash-path layout")

const minHashLen = 3

// FilesystemStore persists blobs under base_path/<first-two-hex>/<remaining-hex>
// (spec §6 "Payload store on-disk layout").
type FilesystemStore struct {
	basePath string
}

// NewFilesystemStore returns a FilesystemStore rooted at basePath, creating
// the directory if it does not already exist.
func NewFilesystemStore(basePath string) (*FilesystemStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("payload: create base path %s: %w", basePath, err)
	}

	return &FilesystemStore{basePath: basePath}, nil
}

func (s *FilesystemStore) pathFor(hash string) (string, error) {
	if len(hash) < minHashLen {
		return "", ErrHashTooShort
	}

	return filepath.Join(s.basePath, hash[:2], hash[2:]), nil
}

func (s *FilesystemStore) Store(_ context.Context, b []byte) (string, error) {
	hash := HashBytes(b)

	path, err := s.pathFor(hash)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(path); err == nil {
		return hash, nil // idempotent: already stored
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("payload: mkdir for %s: %w", hash, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return "", fmt.Errorf("payload: write %s: %w", hash, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("payload: finalize %s: %w", hash, err)
	}

	return hash, nil
}

func (s *FilesystemStore) Retrieve(_ context.Context, hash string) ([]byte, error) {
	path, err := s.pathFor(hash)
	if err != nil {
		return nil, err
	}

	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("payload: read %s: %w", hash, err)
	}

	return b, nil
}

func (s *FilesystemStore) Exists(_ context.Context, hash string) (bool, error) {
	path, err := s.pathFor(hash)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("payload: stat %s: %w", hash, err)
	}

	return true, nil
}
