package discovery

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"spechound/internal/logging"
	"spechound/internal/types"
)

// HostStrategy is one row of the source strategy table. There is no
// code-level adapter registry; every known host is a configurable row.
type HostStrategy struct {
	Tier      types.SourceTier `yaml:"tier"`
	DocKind   types.DocKind    `yaml:"doc_kind"`
	FetchMode types.FetchMode  `yaml:"fetch_mode"`
}

type strategyFile struct {
	Hosts map[string]HostStrategy `yaml:"hosts"`
}

// StrategyTable maps hosts to tiers and fetch preferences, hot-reloaded
// when the backing YAML changes. Unknown hosts get zero values and go
// through the safety gate.
type StrategyTable struct {
	mu      sync.RWMutex
	path    string
	hosts   map[string]HostStrategy
	blocked map[string]bool // permanent safety-gate blocks, in-memory per process
	watcher *fsnotify.Watcher
}

// LoadStrategyTable reads the table from path. An empty path yields an
// empty table (all hosts unknown).
func LoadStrategyTable(path string) (*StrategyTable, error) {
	t := emptyStrategyTable()
	t.path = path
	if path == "" {
		return t, nil
	}
	if err := t.reload(); err != nil {
		return nil, err
	}
	return t, nil
}

func emptyStrategyTable() *StrategyTable {
	return &StrategyTable{
		hosts:   make(map[string]HostStrategy),
		blocked: make(map[string]bool),
	}
}

func (t *StrategyTable) reload() error {
	data, err := os.ReadFile(t.path)
	if err != nil {
		return fmt.Errorf("strategy table %s: %w", t.path, err)
	}
	var f strategyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("strategy table %s: %w", t.path, err)
	}
	hosts := make(map[string]HostStrategy, len(f.Hosts))
	for h, s := range f.Hosts {
		hosts[strings.ToLower(h)] = s
	}
	t.mu.Lock()
	t.hosts = hosts
	t.mu.Unlock()
	logging.Discovery("strategy table reloaded: %d hosts", len(hosts))
	return nil
}

// Watch starts hot reload on table edits. Call Close to stop.
func (t *StrategyTable) Watch() error {
	if t.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(t.path); err != nil {
		w.Close()
		return err
	}
	t.watcher = w
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					if err := t.reload(); err != nil {
						logging.Discovery("strategy reload failed: %v", err)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logging.Discovery("strategy watcher: %v", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher if one is running.
func (t *StrategyTable) Close() {
	if t.watcher != nil {
		t.watcher.Close()
	}
}

// Lookup resolves a host row, walking up parent domains so
// "support.razer.com" inherits "razer.com".
func (t *StrategyTable) Lookup(host string) (HostStrategy, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	host = strings.ToLower(host)
	for host != "" {
		if s, ok := t.hosts[host]; ok {
			return s, true
		}
		i := strings.Index(host, ".")
		if i < 0 {
			break
		}
		host = host[i+1:]
	}
	return HostStrategy{}, false
}

// Block permanently bars a host for this process after classification.
func (t *StrategyTable) Block(host string) {
	t.mu.Lock()
	t.blocked[strings.ToLower(host)] = true
	t.mu.Unlock()
}

// Blocked reports whether the safety gate has barred the host.
func (t *StrategyTable) Blocked(host string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	host = strings.ToLower(host)
	for host != "" {
		if t.blocked[host] {
			return true
		}
		i := strings.Index(host, ".")
		if i < 0 {
			break
		}
		host = host[i+1:]
	}
	return false
}

// unsafeTokens classify a host as permanently blockable. The gate errs
// toward blocking; a false positive only costs one source.
var unsafeTokens = []string{"porn", "xxx", "casino", "crack", "keygen", "warez"}

// ClassifyHost runs the domain safety gate on an unknown host and
// blocks it when it matches an unsafe class.
func (t *StrategyTable) ClassifyHost(host string) bool {
	lower := strings.ToLower(host)
	for _, tok := range unsafeTokens {
		if strings.Contains(lower, tok) {
			t.Block(host)
			logging.Discovery("safety gate blocked host %s", host)
			return false
		}
	}
	return true
}
