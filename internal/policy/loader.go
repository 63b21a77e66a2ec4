package policy

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

//go:embed default_pack.json
var defaultPackJSON []byte

// SourceEmbedded names the built-in pack source.
const SourceEmbedded = "embedded"

// Snapshot is an immutable view of a loaded pack: the parsed policies, the
// canonical serialization, and its hash. Safe for concurrent reads.
type Snapshot struct {
	Pack      Pack
	Canonical []byte
	SHA256    string
	Source    string
}

// Loader owns the current snapshot. Loading failures at construction are
// fatal; reload failures keep the previous snapshot.
type Loader struct {
	path   string
	logger *zap.Logger

	mu   sync.RWMutex
	snap *Snapshot
}

// NewLoader loads the pack from path, or the embedded default when path is
// empty. A malformed pack is a startup error.
func NewLoader(path string, logger *zap.Logger) (*Loader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Loader{path: path, logger: logger}
	snap, err := l.load()
	if err != nil {
		return nil, err
	}
	l.snap = snap
	logger.Info("policy pack loaded",
		zap.String("source", snap.Source),
		zap.String("sha256", snap.SHA256),
		zap.Int("policies", len(snap.Pack.Policies)))
	return l, nil
}

// Snapshot returns the current immutable snapshot.
func (l *Loader) Snapshot() *Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snap
}

// Reload re-reads the configured source and swaps the snapshot on success.
func (l *Loader) Reload() error {
	snap, err := l.load()
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.snap = snap
	l.mu.Unlock()
	l.logger.Info("policy pack reloaded", zap.String("sha256", snap.SHA256))
	return nil
}

func (l *Loader) load() (*Snapshot, error) {
	raw := defaultPackJSON
	source := SourceEmbedded
	if l.path != "" {
		b, err := os.ReadFile(l.path)
		if err != nil {
			return nil, fmt.Errorf("read policy pack: %w", err)
		}
		raw = b
		source = l.path
	}
	return Parse(raw, source)
}

// Parse validates, canonicalizes and hashes raw pack bytes.
func Parse(raw []byte, source string) (*Snapshot, error) {
	var pack Pack
	if err := json.Unmarshal(raw, &pack); err != nil {
		return nil, fmt.Errorf("parse policy pack: %w", err)
	}
	if err := pack.Validate(); err != nil {
		return nil, err
	}
	canonical, err := Canonicalize(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize policy pack: %w", err)
	}
	return &Snapshot{
		Pack:      pack,
		Canonical: canonical,
		SHA256:    HashCanonical(canonical),
		Source:    source,
	}, nil
}

// Watch reloads the pack on filesystem writes until ctx is cancelled. It is
// a no-op when the loader uses the embedded pack. Reload failures are
// logged; the previous snapshot stays active.
func (l *Loader) Watch(ctx context.Context) error {
	if l.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("policy pack watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors replace files on save.
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		return fmt.Errorf("policy pack watcher: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(l.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := l.Reload(); err != nil {
				l.logger.Warn("policy pack reload failed, keeping previous snapshot", zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn("policy pack watcher error", zap.Error(err))
		}
	}
}
