package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/watzon/quarry/internal/config"
)

// ErrWriterBusy is returned when the writer queue could not be entered
// within the retry budget.
var ErrWriterBusy = errors.New("writer is busy")

type writerJob struct {
	ctx  context.Context
	fn   func(ctx context.Context, conn *sql.Conn) error
	done chan error
}

// writer is the single-writer actor. One goroutine owns one connection and
// drains jobs in submission order, which makes commit order equal to
// submission order for all mutations in the process.
type writer struct {
	conn    *sql.Conn
	jobs    chan writerJob
	retries int
	gap     time.Duration
	stopped chan struct{}
	wg      sync.WaitGroup
}

func newWriter(db *sql.DB, cfg config.DatabaseConfig) (*writer, error) {
	conn, err := db.Conn(context.Background())
	if err != nil {
		return nil, fmt.Errorf("acquiring writer connection: %w", err)
	}

	retries := cfg.WriterRetries
	if retries <= 0 {
		retries = 200
	}
	gap := cfg.WriterRetryGap
	if gap <= 0 {
		gap = 500 * time.Microsecond
	}

	w := &writer{
		conn:    conn,
		jobs:    make(chan writerJob),
		retries: retries,
		gap:     gap,
		stopped: make(chan struct{}),
	}

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func (w *writer) loop() {
	defer w.wg.Done()
	for {
		select {
		case job := <-w.jobs:
			if err := job.ctx.Err(); err != nil {
				job.done <- err
				continue
			}
			job.done <- job.fn(job.ctx, w.conn)
		case <-w.stopped:
			return
		}
	}
}

// submit enqueues fn with a bounded retry window, then waits for it to run.
// Once fn has started it is not interrupted by ctx; cancellation before the
// actor picks the job up aborts cleanly.
func (w *writer) submit(ctx context.Context, fn func(ctx context.Context, conn *sql.Conn) error) error {
	job := writerJob{ctx: ctx, fn: fn, done: make(chan error, 1)}

	enqueued := false
	for attempt := 0; attempt < w.retries; attempt++ {
		select {
		case w.jobs <- job:
			enqueued = true
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopped:
			return ErrWriterBusy
		case <-time.After(w.gap):
			continue
		}
		break
	}
	if !enqueued {
		return ErrWriterBusy
	}

	select {
	case err := <-job.done:
		return err
	case <-w.stopped:
		return ErrWriterBusy
	}
}

func (w *writer) stop() {
	close(w.stopped)
	w.wg.Wait()
	_ = w.conn.Close()
}
