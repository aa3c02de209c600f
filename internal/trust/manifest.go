package trust

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Manifest pins the allowlist contents to a version. The governance state
// snapshot records the version it was written against; a mismatch at startup
// means policy and state have diverged and the service must not come up.
type Manifest struct {
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	UpdatedBy string    `json:"updated_by,omitempty"`
	Domains   []string  `json:"domains"`
}

// LoadManifest reads a trusted-domains manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if m.Version <= 0 {
		return nil, fmt.Errorf("manifest %s: version must be positive, got %d", path, m.Version)
	}
	return &m, nil
}

// WriteManifest persists a manifest atomically (write temp, rename).
func WriteManifest(path string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return os.Rename(tmp, path)
}

// VerifyManifestVersion compares the manifest version against the version
// recorded in the governance snapshot. Mismatch is a hard startup failure.
func VerifyManifestVersion(manifestVersion, snapshotVersion int) error {
	if manifestVersion != snapshotVersion {
		return fmt.Errorf("manifest version %d does not match snapshot version %d",
			manifestVersion, snapshotVersion)
	}
	return nil
}

// Watcher reloads the allowlist when the manifest file changes on disk.
type Watcher struct {
	set      *Set
	path     string
	version  int
	onReload func(*Manifest)
}

// NewWatcher wires a manifest file to a Set. onReload may be nil.
func NewWatcher(set *Set, path string, currentVersion int, onReload func(*Manifest)) *Watcher {
	return &Watcher{set: set, path: path, version: currentVersion, onReload: onReload}
}

// Run watches the manifest until ctx is done. Reload failures keep the
// previous allowlist; a version that moves backwards is refused.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("manifest watcher: %w", err)
	}
	defer fw.Close() //nolint:errcheck // shutdown path

	// Watch the directory: editors and atomic renames replace the inode.
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("manifest watcher add: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.reload()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("manifest watcher error", "err", err)
		}
	}
}

func (w *Watcher) reload() {
	m, err := LoadManifest(w.path)
	if err != nil {
		slog.Error("manifest reload failed, keeping previous allowlist", "err", err)
		return
	}
	if m.Version < w.version {
		slog.Error("manifest version moved backwards, refusing reload",
			"current", w.version, "loaded", m.Version)
		return
	}

	w.set.mu.Lock()
	w.set.domains = make(map[string]bool, len(seedDomains)+len(m.Domains))
	for _, d := range seedDomains {
		w.set.domains[d] = true
	}
	for _, d := range m.Domains {
		w.set.domains[normalize(d)] = true
	}
	w.set.mu.Unlock()

	w.version = m.Version
	slog.Info("trusted domain manifest reloaded", "version", m.Version, "domains", w.set.Len())
	if w.onReload != nil {
		w.onReload(m)
	}
}
