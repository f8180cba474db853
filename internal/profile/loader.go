package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/normlens/orchestrator/internal/metrics"
)

// Loader reads cartridge documents from a directory, resolves `extends`
// chains onto the built-in base, and optionally hot-reloads on change.
type Loader struct {
	dir     string
	logger  *zap.Logger
	watcher *fsnotify.Watcher
	stopCh  chan struct{}

	mu      sync.RWMutex
	cache   map[string]*AgentProfile
	started bool
}

// NewLoader creates a cartridge loader rooted at dir. The directory may be
// empty; the built-in base profile is always available.
func NewLoader(dir string, logger *zap.Logger) *Loader {
	return &Loader{
		dir:    dir,
		logger: logger,
		cache:  make(map[string]*AgentProfile),
		stopCh: make(chan struct{}),
	}
}

// Start begins watching the cartridge directory for changes. Safe to skip for
// tests or deployments without hot reload.
func (l *Loader) Start() error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return nil
	}
	l.started = true
	l.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create cartridge watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch cartridge dir: %w", err)
	}
	l.watcher = watcher

	go l.watchLoop()
	return nil
}

// Stop shuts down the watcher.
func (l *Loader) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started {
		return
	}
	l.started = false
	close(l.stopCh)
	if l.watcher != nil {
		l.watcher.Close()
	}
}

func (l *Loader) watchLoop() {
	for {
		select {
		case <-l.stopCh:
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, ".yaml") && !strings.HasSuffix(event.Name, ".yml") {
				continue
			}
			id := strings.TrimSuffix(strings.TrimSuffix(filepath.Base(event.Name), ".yaml"), ".yml")
			l.mu.Lock()
			delete(l.cache, id)
			l.mu.Unlock()
			l.logger.Info("Cartridge changed, cache invalidated",
				zap.String("profile_id", id),
				zap.String("op", event.Op.String()),
			)
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("Cartridge watcher error", zap.Error(err))
		}
	}
}

// Exists reports whether a cartridge document exists for the id.
func (l *Loader) Exists(profileID string) bool {
	if profileID == "base" {
		return true
	}
	_, err := os.Stat(l.path(profileID))
	return err == nil
}

// List returns the ids of all cartridges on disk plus the built-in base.
func (l *Loader) List() []string {
	ids := []string{"base"}
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return ids
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		id := strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml")
		if id != "base" {
			ids = append(ids, id)
		}
	}
	return ids
}

// Load returns the validated profile for id, falling back to base when the
// document is missing. Malformed documents return an error so the caller can
// skip the cascade step instead of applying a broken profile.
func (l *Loader) Load(profileID string) (*AgentProfile, error) {
	id := strings.TrimSpace(profileID)
	if id == "" || id == "base" {
		return Base(), nil
	}

	l.mu.RLock()
	if cached, ok := l.cache[id]; ok {
		l.mu.RUnlock()
		return cached, nil
	}
	l.mu.RUnlock()

	p, err := l.loadFromDisk(id, map[string]bool{})
	if err != nil {
		metrics.ProfileValidationFailures.Inc()
		return nil, err
	}

	l.mu.Lock()
	l.cache[id] = p
	l.mu.Unlock()
	return p, nil
}

func (l *Loader) loadFromDisk(id string, seen map[string]bool) (*AgentProfile, error) {
	if seen[id] {
		return nil, fmt.Errorf("cartridge %q: extends cycle", id)
	}
	seen[id] = true

	data, err := os.ReadFile(l.path(id))
	if err != nil {
		return nil, fmt.Errorf("cartridge %q: %w", id, err)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("cartridge %q: %w", id, err)
	}

	// Resolve the extends chain; every cartridge ultimately sits on base.
	parent := Base()
	if ext, ok := raw["extends"].(string); ok && ext != "" && ext != "base" {
		parent, err = l.loadFromDisk(ext, seen)
		if err != nil {
			return nil, err
		}
	}

	merged, err := overlayProfile(parent, raw)
	if err != nil {
		return nil, fmt.Errorf("cartridge %q: %w", id, err)
	}
	merged.ID = id
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return merged, nil
}

// path prefers the .yaml spelling but accepts .yml, matching what List and
// the watcher pick up.
func (l *Loader) path(id string) string {
	p := filepath.Join(l.dir, filepath.Base(id)+".yaml")
	if _, err := os.Stat(p); err == nil {
		return p
	}
	alt := filepath.Join(l.dir, filepath.Base(id)+".yml")
	if _, err := os.Stat(alt); err == nil {
		return alt
	}
	return p
}

// overlayProfile deep-merges an override document onto a parent profile.
func overlayProfile(parent *AgentProfile, override map[string]interface{}) (*AgentProfile, error) {
	baseBytes, err := yaml.Marshal(parent)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]interface{}
	if err := yaml.Unmarshal(baseBytes, &baseMap); err != nil {
		return nil, err
	}

	merged := deepMerge(baseMap, override)
	delete(merged, "extends")

	mergedBytes, err := yaml.Marshal(merged)
	if err != nil {
		return nil, err
	}
	var out AgentProfile
	if err := yaml.Unmarshal(mergedBytes, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// deepMerge recursively merges override into base; lists replace wholesale.
func deepMerge(base, override map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		if ov, ok := v.(map[string]interface{}); ok {
			if bv, ok := out[k].(map[string]interface{}); ok {
				out[k] = deepMerge(bv, ov)
				continue
			}
		}
		out[k] = v
	}
	return out
}
