package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const (
	watchDebounce     = 100 * time.Millisecond
	watchPollInterval = 30 * time.Second
)

// FileWatcher re-imports a YAML plan file whenever it changes on disk and
// invalidates the affected catalog entries. A file that fails to parse is
// logged and the previous plans stay in effect.
type FileWatcher struct {
	path    string
	writer  PlanWriter
	catalog *Catalog

	mu          sync.Mutex
	lastModTime time.Time
}

// NewFileWatcher creates a watcher for path.
func NewFileWatcher(path string, w PlanWriter, c *Catalog) *FileWatcher {
	fw := &FileWatcher{path: path, writer: w, catalog: c}
	if stat, err := os.Stat(path); err == nil {
		fw.lastModTime = stat.ModTime()
	}
	return fw
}

// Reload imports the plan file now.
func (fw *FileWatcher) Reload(ctx context.Context) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	plans, err := LoadFile(fw.path)
	if err != nil {
		return err
	}
	if err := Import(ctx, fw.writer, fw.catalog, plans); err != nil {
		return fmt.Errorf("import plan file: %w", err)
	}
	if stat, err := os.Stat(fw.path); err == nil {
		fw.lastModTime = stat.ModTime()
	}
	return nil
}

// Run watches the plan file until ctx is cancelled. When the directory cannot
// be watched it falls back to polling the modification time.
func (fw *FileWatcher) Run(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("Plan file watcher unavailable, falling back to polling")
		fw.poll(ctx)
		return
	}
	defer watcher.Close()

	// Watch the directory so editors that replace the file are seen.
	dir := filepath.Dir(fw.path)
	if err := watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to watch plan file directory, falling back to polling")
		fw.poll(ctx)
		return
	}
	log.Info().Str("path", fw.path).Msg("Watching plan file for changes")

	target := filepath.Clean(fw.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Debounce - wait a bit for write to complete
			time.Sleep(watchDebounce)
			log.Info().Str("event", event.Op.String()).Str("path", fw.path).Msg("Detected plan file change")
			fw.reload(ctx)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Plan file watcher error")
		}
	}
}

func (fw *FileWatcher) poll(ctx context.Context) {
	ticker := time.NewTicker(watchPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stat, err := os.Stat(fw.path)
			if err != nil {
				continue
			}
			fw.mu.Lock()
			changed := stat.ModTime().After(fw.lastModTime)
			fw.mu.Unlock()
			if changed {
				log.Info().Str("path", fw.path).Msg("Detected plan file change (polling)")
				fw.reload(ctx)
			}
		}
	}
}

func (fw *FileWatcher) reload(ctx context.Context) {
	if err := fw.Reload(ctx); err != nil {
		log.Error().Err(err).Str("path", fw.path).Msg("Plan file reload failed, keeping current plans")
	}
}
