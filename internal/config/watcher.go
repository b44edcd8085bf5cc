package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher reloads the config file on change and swaps the snapshot. Invalid
// files are logged and skipped; the last good snapshot stays live.
type Watcher struct {
	path     string
	snapshot *Snapshot
	onSwap   func(*Config)
	watcher  *fsnotify.Watcher
}

// NewWatcher watches path and replaces snap on successful reloads. onSwap,
// if non-nil, runs after each swap with the new config.
func NewWatcher(path string, snap *Snapshot, onSwap func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	// Watch the directory: editors replace files on save, which drops the
	// watch on the file itself.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching config directory: %w", err)
	}

	return &Watcher{path: path, snapshot: snap, onSwap: onSwap, watcher: fsw}, nil
}

// Run blocks until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		log.Error().Err(err).Str("path", w.path).Msg("Config reload failed, keeping previous snapshot")
		return
	}

	hash, err := w.snapshot.Replace(cfg)
	if err != nil {
		log.Error().Err(err).Msg("Config reload rejected by validation")
		return
	}

	log.Info().Str("hash", hash).Msg("Config reloaded")
	if w.onSwap != nil {
		w.onSwap(cfg)
	}
}
