package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/watzon/quarry/internal/auth"
	"github.com/watzon/quarry/internal/config"
	"github.com/watzon/quarry/internal/database"
)

// Builtins holds everything the built-in jobs touch.
type Builtins struct {
	Main     *database.DB
	Logs     *database.DB
	Sessions *auth.Sessions
	DataDir  string
	Config   func() *config.Config
}

// RegisterBuiltins installs the stock background jobs.
func (s *Scheduler) RegisterBuiltins(b *Builtins) error {
	if interval := b.Config().Server.BackupInterval; interval > 0 {
		spec := fmt.Sprintf("@every %s", interval)
		// robfig's @every descriptor covers arbitrary periods the 6-field
		// syntax cannot express.
		if err := s.Register("backup", "Database backup", spec, func(ctx context.Context) error {
			return b.Main.Backup(ctx, filepath.Join(b.DataDir, "backups", "backup.db"))
		}); err != nil {
			return err
		}
	}

	if b.Logs != nil {
		if err := s.Register("logs_retention", "Logs retention", "@daily", func(ctx context.Context) error {
			retention := b.Config().Server.LogsRetention
			if retention <= 0 {
				return nil
			}
			cutoff := time.Now().Add(-retention).Unix()
			result, err := b.Logs.Execute(ctx, `DELETE FROM _logs WHERE created < ?`, cutoff)
			if err != nil {
				return err
			}
			if n, err := result.RowsAffected(); err == nil && n > 0 {
				log.Info().Int64("rows", n).Msg("Pruned expired log rows")
			}
			return nil
		}); err != nil {
			return err
		}
	}

	if err := s.Register("session_janitor", "Session janitor", "0 0 */12 * * *", func(ctx context.Context) error {
		ttl := b.Config().Auth.RefreshTokenTTL
		n, err := b.Sessions.DeleteExpired(ctx, ttl)
		if err != nil {
			return err
		}
		if n > 0 {
			log.Info().Int64("sessions", n).Msg("Pruned expired sessions")
		}
		return nil
	}); err != nil {
		return err
	}

	if err := s.Register("optimize", "PRAGMA optimize", "@daily", func(ctx context.Context) error {
		return b.Main.Optimize(ctx)
	}); err != nil {
		return err
	}

	return nil
}
