package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opd-ai/chatlink/message"
)

// Persister stores and restores the full message sequence. The store calls
// Save after every mutation, so implementations should be cheap for the
// bounded history sizes involved.
type Persister interface {
	// Save writes the full ordered sequence.
	Save(msgs []*message.Message) error
	// Load returns the previously saved sequence in order. A missing
	// blob returns an empty slice and no error.
	Load() ([]*message.Message, error)
}

// NopPersister discards saves and loads nothing. Used for in-memory-only
// histories and tests.
type NopPersister struct{}

// Save implements Persister.
func (NopPersister) Save([]*message.Message) error { return nil }

// Load implements Persister.
func (NopPersister) Load() ([]*message.Message, error) { return nil, nil }

// FilePersister serializes the history as a single JSON blob at a fixed
// path, the file-system analog of a durable-storage key.
type FilePersister struct {
	path string
}

// NewFilePersister creates a persister writing to the given path. Parent
// directories are created on first save.
func NewFilePersister(path string) *FilePersister {
	return &FilePersister{path: path}
}

// Save implements Persister. The blob is written to a temporary file and
// renamed so a crash mid-write cannot corrupt the previous snapshot.
func (p *FilePersister) Save(msgs []*message.Message) error {
	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0o700); err != nil {
		return fmt.Errorf("create history directory: %w", err)
	}

	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("commit history: %w", err)
	}
	return nil
}

// Load implements Persister.
func (p *FilePersister) Load() ([]*message.Message, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read history: %w", err)
	}

	var msgs []*message.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return msgs, nil
}
