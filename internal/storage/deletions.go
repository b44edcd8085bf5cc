package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/watzon/quarry/internal/database"
)

const (
	deletionBatchSize   = 64
	deletionMaxAttempts = 10
)

// DeletionWorker drains the _file_deletions queue: each row names blobs a
// record update or delete orphaned. Failed deletions are re-queued with an
// incremented attempt counter until the cap.
type DeletionWorker struct {
	db       *database.DB
	backend  Backend
	interval time.Duration
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

func NewDeletionWorker(db *database.DB, backend Backend, interval time.Duration) *DeletionWorker {
	if interval == 0 {
		interval = 5 * time.Minute
	}
	return &DeletionWorker{db: db, backend: backend, interval: interval}
}

// Start begins the drain loop.
func (w *DeletionWorker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop(ctx)
	log.Info().Dur("interval", w.interval).Msg("File deletion worker started")
}

// Stop cancels the loop and waits for the in-flight pass.
func (w *DeletionWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	log.Info().Msg("File deletion worker stopped")
}

func (w *DeletionWorker) loop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := w.RunOnce(ctx)
			if err != nil {
				log.Error().Err(err).Msg("File deletion pass failed")
			} else if deleted > 0 {
				log.Info().Int("deleted", deleted).Msg("Drained file deletions")
			}
		}
	}
}

type pendingDeletion struct {
	id   int64
	json string
}

// RunOnce drains one batch and returns how many queue rows completed.
func (w *DeletionWorker) RunOnce(ctx context.Context) (int, error) {
	rows, err := w.db.Query(ctx, `
		SELECT id, json FROM _file_deletions
		WHERE attempts < ? ORDER BY id LIMIT ?
	`, deletionMaxAttempts, deletionBatchSize)
	if err != nil {
		return 0, fmt.Errorf("listing pending deletions: %w", err)
	}

	pending := make([]pendingDeletion, 0, len(rows))
	for _, row := range rows {
		p := pendingDeletion{}
		if id, ok := row["id"].(int64); ok {
			p.id = id
		}
		switch v := row["json"].(type) {
		case string:
			p.json = v
		case []byte:
			p.json = string(v)
		}
		pending = append(pending, p)
	}

	deleted := 0
	for _, p := range pending {
		if err := w.deleteBlobs(ctx, p.json); err != nil {
			log.Warn().Err(err).Int64("deletion_id", p.id).Msg("Blob deletion failed, re-queueing")
			if _, uerr := w.db.Execute(ctx, `
				UPDATE _file_deletions SET attempts = attempts + 1, errors = ? WHERE id = ?
			`, err.Error(), p.id); uerr != nil {
				return deleted, fmt.Errorf("re-queueing deletion %d: %w", p.id, uerr)
			}
			continue
		}

		if _, err := w.db.Execute(ctx, `DELETE FROM _file_deletions WHERE id = ?`, p.id); err != nil {
			return deleted, fmt.Errorf("completing deletion %d: %w", p.id, err)
		}
		deleted++
	}

	return deleted, nil
}

// deleteBlobs removes every file id referenced by the queued JSON value,
// which is either a single upload object or a list of them.
func (w *DeletionWorker) deleteBlobs(ctx context.Context, payload string) error {
	for _, id := range extractFileIDs(payload) {
		if err := w.backend.Delete(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func extractFileIDs(payload string) []string {
	var single struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal([]byte(payload), &single); err == nil && single.ID != "" {
		return []string{single.ID}
	}

	var list []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal([]byte(payload), &list); err == nil {
		ids := make([]string, 0, len(list))
		for _, item := range list {
			if item.ID != "" {
				ids = append(ids, item.ID)
			}
		}
		return ids
	}
	return nil
}
