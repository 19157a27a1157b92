package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gemchat-go/internal/keypool"
)

const (
	stateFileName = "key_state.json"
	probeFileName = "probe_history.json"
)

// stateDocument is the on-disk shape of the file store.
type stateDocument struct {
	SavedAt time.Time             `json:"saved_at"`
	Keys    []keypool.KeySnapshot `json:"keys"`
}

// probeDocument wraps the last probe run for persistence.
type probeDocument struct {
	SavedAt time.Time         `json:"saved_at"`
	Run     *keypool.ProbeRun `json:"run"`
}

// FileStore persists key state as a single JSON document under a base
// directory. Writes go through a temp file and rename so a crash never
// leaves a half-written state behind.
type FileStore struct {
	baseDir string
	mu      sync.Mutex
}

// NewFileStore creates a file-backed store rooted at baseDir.
func NewFileStore(baseDir string) *FileStore {
	return &FileStore{baseDir: baseDir}
}

func (f *FileStore) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(f.baseDir, 0o755); err != nil {
		return fmt.Errorf("create state directory %s: %w", f.baseDir, err)
	}
	return nil
}

func (f *FileStore) Close() error { return nil }

func (f *FileStore) Health(ctx context.Context) error {
	_, err := os.Stat(f.baseDir)
	return err
}

func (f *FileStore) SaveKeyState(ctx context.Context, snaps []keypool.KeySnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc := stateDocument{SavedAt: time.Now().UTC(), Keys: snaps}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode key state: %w", err)
	}
	return f.writeAtomic(stateFileName, data)
}

func (f *FileStore) LoadKeyState(ctx context.Context) ([]keypool.KeySnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(f.baseDir, stateFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ErrNotFound{Key: stateFileName}
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}
	var doc stateDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode state file: %w", err)
	}
	return doc.Keys, nil
}

func (f *FileStore) SaveProbeRun(ctx context.Context, run *keypool.ProbeRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc := probeDocument{SavedAt: time.Now().UTC(), Run: run}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode probe run: %w", err)
	}
	return f.writeAtomic(probeFileName, data)
}

func (f *FileStore) LoadProbeRun(ctx context.Context) (*keypool.ProbeRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(f.baseDir, probeFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ErrNotFound{Key: probeFileName}
		}
		return nil, fmt.Errorf("read probe file: %w", err)
	}
	var doc probeDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode probe file: %w", err)
	}
	if doc.Run == nil {
		return nil, &ErrNotFound{Key: probeFileName}
	}
	return doc.Run, nil
}

// writeAtomic replaces name under the base directory via a temp file
// and rename. Callers hold f.mu.
func (f *FileStore) writeAtomic(name string, data []byte) error {
	target := filepath.Join(f.baseDir, name)
	tmp, err := os.CreateTemp(f.baseDir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
