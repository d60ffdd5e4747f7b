package migrate

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Dir is a directory of revision files. Each revision is one YAML file
// named <YYYYMMDDHHMMSS>_<id>.yaml, so a lexical listing is creation
// order. Files are never rewritten once created.
type Dir struct {
	path string
	log  *slog.Logger
}

// NewDir returns a revision directory rooted at path.
func NewDir(path string, logger ...*slog.Logger) *Dir {
	l := slog.Default()
	if len(logger) == 1 {
		l = logger[0]
	}
	return &Dir{path: path, log: l}
}

// Path returns the directory path.
func (d *Dir) Path() string { return d.path }

// filename returns the canonical file name of a revision.
func (d *Dir) filename(rev *Revision) string {
	return fmt.Sprintf("%s_%s.yaml", rev.CreatedAt.UTC().Format("20060102150405"), rev.ID)
}

// WriteRevision persists a new revision file. An existing file for the
// same revision is never overwritten.
func (d *Dir) WriteRevision(rev *Revision) error {
	if err := os.MkdirAll(d.path, 0o755); err != nil {
		return fmt.Errorf("migrate: create revision dir: %w", err)
	}
	name := filepath.Join(d.path, d.filename(rev))
	if _, err := os.Stat(name); err == nil {
		return fmt.Errorf("migrate: revision file %s already exists", name)
	}
	data, err := yaml.Marshal(rev)
	if err != nil {
		return fmt.Errorf("migrate: encode revision %s: %w", rev.ID, err)
	}
	if err := os.WriteFile(name, data, 0o644); err != nil {
		return fmt.Errorf("migrate: write revision %s: %w", rev.ID, err)
	}
	d.log.Debug("revision written", "id", rev.ID, "file", name)
	return nil
}

// Load scans the directory and builds the revision graph. Files are read
// in lexical (creation) order, but insertion follows parent links:
// revisions created within the same second may list out of order, so each
// revision waits until its parents are in the graph.
func (d *Dir) Load() (*Graph, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewGraph(), nil
		}
		return nil, fmt.Errorf("migrate: read revision dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	pending := make([]*Revision, 0, len(names))
	for _, name := range names {
		rev, err := d.readFile(name)
		if err != nil {
			return nil, err
		}
		pending = append(pending, rev)
	}
	g := NewGraph()
	for len(pending) > 0 {
		next := pending[:0]
		progress := false
		for _, rev := range pending {
			if !g.hasParents(rev) {
				next = append(next, rev)
				continue
			}
			if err := g.Add(rev); err != nil {
				return nil, fmt.Errorf("%w (revision %s)", err, rev.ID)
			}
			progress = true
		}
		if !progress {
			return nil, fmt.Errorf("migrate: revision %s references a parent outside the directory", next[0].ID)
		}
		pending = next
	}
	return g, nil
}

func (d *Dir) readFile(name string) (*Revision, error) {
	data, err := os.ReadFile(filepath.Join(d.path, name))
	if err != nil {
		return nil, fmt.Errorf("migrate: read revision file %s: %w", name, err)
	}
	var rev Revision
	if err := yaml.Unmarshal(data, &rev); err != nil {
		return nil, fmt.Errorf("migrate: decode revision file %s: %w", name, err)
	}
	if rev.ID == "" {
		return nil, fmt.Errorf("migrate: revision file %s has no id", name)
	}
	return &rev, nil
}

// Watch reloads the graph whenever revision files change and delivers
// each successfully loaded graph to onChange. It blocks until ctx is done
// or the watcher fails. Long-lived processes use it to pick up revisions
// authored while they run.
func (d *Dir) Watch(ctx context.Context, onChange func(*Graph)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("migrate: watch revision dir: %w", err)
	}
	defer w.Close()
	if err := w.Add(d.path); err != nil {
		return fmt.Errorf("migrate: watch %s: %w", d.path, err)
	}
	// Debounce bursts: editors and WriteRevision produce several events
	// per file.
	var timer *time.Timer
	reload := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			d.log.Warn("revision watcher error", "err", err)
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Remove) {
				continue
			}
			if !strings.HasSuffix(ev.Name, ".yaml") {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(100*time.Millisecond, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			g, err := d.Load()
			if err != nil {
				d.log.Warn("revision reload failed", "err", err)
				continue
			}
			d.log.Debug("revision graph reloaded", "revisions", g.Len())
			onChange(g)
		}
	}
}
