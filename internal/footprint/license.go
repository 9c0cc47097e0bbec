package footprint

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"emperror.dev/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
)

// ErrLicenseTable marks a missing or malformed license cost file.
const ErrLicenseTable = errors.Sentinel("invalid license cost table")

// LicenseTable maps process names to license cost in USD.
type LicenseTable struct {
	mu    sync.RWMutex
	costs map[string]float64
}

// NewLicenseTable builds a table from an in-memory mapping.
func NewLicenseTable(costs map[string]float64) *LicenseTable {
	c := make(map[string]float64, len(costs))
	for k, v := range costs {
		c[k] = v
	}
	return &LicenseTable{costs: c}
}

// LoadLicenseTable reads a JSON object of name -> cost. Any failure is fatal to the
// caller: a partial table is never returned.
func LoadLicenseTable(path string) (*LicenseTable, error) {
	costs, err := readCosts(path)
	if err != nil {
		return nil, err
	}
	return &LicenseTable{costs: costs}, nil
}

func readCosts(path string) (map[string]float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(errors.Combine(ErrLicenseTable, err), "read %s", path)
	}
	var costs map[string]float64
	if err := json.Unmarshal(data, &costs); err != nil {
		return nil, errors.Wrapf(errors.Combine(ErrLicenseTable, err), "parse %s", path)
	}
	for name, cost := range costs {
		if cost < 0 {
			return nil, errors.Wrapf(ErrLicenseTable, "negative cost %v for %q", cost, name)
		}
	}
	return costs, nil
}

// Cost returns 0 for names missing from the table.
func (t *LicenseTable) Cost(name string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.costs[name]
}

func (t *LicenseTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.costs)
}

// Reload swaps in the file's contents. On error the current table is kept.
func (t *LicenseTable) Reload(path string) error {
	costs, err := readCosts(path)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.costs = costs
	t.mu.Unlock()
	return nil
}

// Watch reloads the table whenever path is written or replaced, until ctx is done.
func (t *LicenseTable) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory so editors that replace the file by rename are seen.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return errors.New("license watcher closed")
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := t.Reload(path); err != nil {
				log.WithError(err).Warn("keeping previous license cost table")
				continue
			}
			log.WithField("entries", t.Len()).Info("reloaded license cost table")
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("license watcher closed")
			}
			log.WithError(err).Warn("license watcher error")
		}
	}
}
