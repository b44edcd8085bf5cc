package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/watzon/quarry/internal/database"
)

// Recorder captures admin DDL as migration files. Statements are executed
// inside a transaction that is unconditionally rolled back; the captured
// batch is persisted as a numbered migration file and only then applied
// through the migration runner, so the live schema never diverges from the
// on-disk history.
type Recorder struct {
	db  *database.DB
	dir string
}

// NewRecorder writes migration files into dir.
func NewRecorder(db *database.DB, dir string) *Recorder {
	return &Recorder{db: db, dir: dir}
}

// Record dry-runs the statements, persists them as U<ts>__<slug>.sql, and
// applies the new file. Returns the applied migration.
func (r *Recorder) Record(ctx context.Context, slug string, statements []string) (*Migration, error) {
	if len(statements) == 0 {
		return nil, fmt.Errorf("no statements to record")
	}

	captured, err := r.dryRun(ctx, statements)
	if err != nil {
		return nil, err
	}

	m := &Migration{
		Version: time.Now().UTC().Unix(),
		Name:    slugify(slug),
		Content: strings.Join(captured, ";\n") + ";\n",
	}
	m.Checksum = Checksum(m.Content)

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating migrations directory: %w", err)
	}

	path := filepath.Join(r.dir, m.Filename())
	if err := os.WriteFile(path, []byte(m.Content), 0o644); err != nil {
		return nil, fmt.Errorf("writing migration file: %w", err)
	}

	if err := ApplyOne(ctx, r.db, m); err != nil {
		// The file exists but was never applied; remove it so a retry does
		// not trip the divergence check.
		_ = os.Remove(path)
		return nil, err
	}

	log.Info().Str("migration", m.Filename()).Msg("Recorded schema migration")
	return m, nil
}

// dryRun executes each statement to validate it against the live schema,
// capturing the exact SQL, then rolls the transaction back.
func (r *Recorder) dryRun(ctx context.Context, statements []string) ([]string, error) {
	captured := make([]string, 0, len(statements))

	err := r.db.Write(ctx, func(ctx context.Context, conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, stmt := range statements {
			stmt = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(stmt), ";"))
			if stmt == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("statement failed: %w\nSQL: %s", err, truncate(stmt, 120))
			}
			captured = append(captured, stmt)
		}

		// Rollback happens in the deferred call; nothing from the dry run
		// survives.
		return nil
	})
	if err != nil {
		return nil, err
	}
	return captured, nil
}

var slugPattern = regexp.MustCompile(`[^a-z0-9_]+`)

func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = slugPattern.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		s = "migration"
	}
	return s
}
