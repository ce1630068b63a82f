package token

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"kirogate/internal/store"
)

// StaticBlobs serves token blobs for config-declared accounts whose
// credentials live in standalone token files instead of the account store.
// Writes go back to the same file so refreshed tokens survive restarts.
type StaticBlobs struct {
	mu    sync.Mutex
	paths map[string]string
}

// NewStaticBlobs maps account names to token file paths.
func NewStaticBlobs(paths map[string]string) *StaticBlobs {
	if paths == nil {
		paths = make(map[string]string)
	}
	return &StaticBlobs{paths: paths}
}

// GetToken reads the account's token file.
func (s *StaticBlobs) GetToken(name string) (*store.TokenBlob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, ok := s.paths[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("read token file: %w", err)
	}
	var blob store.TokenBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("parse token file: %w", err)
	}
	return &blob, nil
}

// SaveToken writes the blob back to the account's token file.
func (s *StaticBlobs) SaveToken(name string, blob *store.TokenBlob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, ok := s.paths[name]
	if !ok {
		return store.ErrNotFound
	}
	data, err := json.MarshalIndent(blob, "", "  ")
	if err != nil {
		return fmt.Errorf("encode token file: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	return nil
}

// Layered tries each blob source in order, reading from the first that
// knows the account and writing back to that same source.
type Layered []Blobs

// GetToken returns the blob from the first source that has it.
func (l Layered) GetToken(name string) (*store.TokenBlob, error) {
	var lastErr error = store.ErrNotFound
	for _, source := range l {
		blob, err := source.GetToken(name)
		if err == nil {
			return blob, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// SaveToken writes back to the source that currently holds the account's
// blob. Refresh always reads before writing, so the blob exists somewhere.
func (l Layered) SaveToken(name string, blob *store.TokenBlob) error {
	for _, source := range l {
		if _, err := source.GetToken(name); err == nil {
			return source.SaveToken(name, blob)
		}
	}
	return store.ErrNotFound
}
