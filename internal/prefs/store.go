// Package prefs persists the learner's local settings: the API key used for
// the realtime session and an optional relay server URL. It is the only
// user state kept on disk.
package prefs

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Prefs are the persisted settings.
type Prefs struct {
	APIKey         string `json:"api_key"`
	RelayServerURL string `json:"relay_server_url,omitempty"`
}

// Validate checks that RelayServerURL, when set, is an absolute http(s) or
// ws(s) URL.
func (p Prefs) Validate() error {
	if p.RelayServerURL == "" {
		return nil
	}
	u, err := url.Parse(p.RelayServerURL)
	if err != nil {
		return fmt.Errorf("prefs: relay_server_url: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("prefs: relay_server_url scheme must be http, https, ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("prefs: relay_server_url must include a host")
	}
	return nil
}

// MaskedKey returns the API key with all but its last four characters
// hidden, or "" when no key is set.
func (p Prefs) MaskedKey() string {
	k := p.APIKey
	if k == "" {
		return ""
	}
	if len(k) <= 4 {
		return strings.Repeat("*", len(k))
	}
	return strings.Repeat("*", len(k)-4) + k[len(k)-4:]
}

// FileStore keeps Prefs in a JSON file. Thread-safe for concurrent use.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a FileStore backed by path. The file is created on
// the first Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the settings. A missing file yields zero Prefs.
func (fs *FileStore) Load() (Prefs, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := os.ReadFile(fs.path)
	if errors.Is(err, os.ErrNotExist) {
		return Prefs{}, nil
	}
	if err != nil {
		return Prefs{}, fmt.Errorf("prefs: read file: %w", err)
	}
	var p Prefs
	if err := json.Unmarshal(data, &p); err != nil {
		return Prefs{}, fmt.Errorf("prefs: unmarshal: %w", err)
	}
	return p, nil
}

// Save validates and writes p, replacing the file atomically. The file is
// readable by its owner only since it holds a credential.
func (fs *FileStore) Save(p Prefs) error {
	if err := p.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("prefs: marshal: %w", err)
	}
	data = append(data, '\n')

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if dir := filepath.Dir(fs.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("prefs: create dir: %w", err)
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(fs.path), ".prefs-*.json")
	if err != nil {
		return fmt.Errorf("prefs: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("prefs: write: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("prefs: chmod: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("prefs: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), fs.path); err != nil {
		return fmt.Errorf("prefs: rename: %w", err)
	}
	return nil
}
