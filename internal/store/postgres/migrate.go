package postgres

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"

	"github.com/jackc/pgx/v5"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrationLockID is the advisory lock key serialising concurrent migrators.
const migrationLockID int64 = 0x706f6c79736574

type migration struct {
	name     string
	sql      string
	checksum string
}

// loadMigrations returns the embedded migrations in filename order.
func loadMigrations(fsys fs.FS) ([]migration, error) {
	names, err := fs.Glob(fsys, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	out := make([]migration, 0, len(names))
	for _, n := range names {
		body, err := fs.ReadFile(fsys, n)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", n, err)
		}
		sum := sha256.Sum256(body)
		out = append(out, migration{name: path.Base(n), sql: string(body), checksum: hex.EncodeToString(sum[:])})
	}
	return out, nil
}

// RunMigrations applies pending migrations, each in its own transaction.
// Every file's checksum is recorded, and an applied file whose contents have
// since changed aborts the run instead of silently diverging.
func (c *Client) RunMigrations(ctx context.Context) error {
	migs, err := loadMigrations(migrationsFS)
	if err != nil {
		return fmt.Errorf("postgres: load migrations: %w", err)
	}

	const tracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename   TEXT PRIMARY KEY,
			checksum   TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`
	if _, err := c.pool.Exec(ctx, tracker); err != nil {
		return fmt.Errorf("postgres: create schema_migrations: %w", err)
	}

	for _, m := range migs {
		err := pgx.BeginFunc(ctx, c.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", migrationLockID); err != nil {
				return err
			}
			var applied string
			err := tx.QueryRow(ctx, "SELECT checksum FROM schema_migrations WHERE filename = $1", m.name).Scan(&applied)
			switch {
			case err == nil:
				if applied != "" && applied != m.checksum {
					return fmt.Errorf("checksum mismatch: applied %s, embedded %s", applied[:12], m.checksum[:12])
				}
				return nil
			case !errors.Is(err, pgx.ErrNoRows):
				return err
			}
			if _, err := tx.Exec(ctx, m.sql); err != nil {
				return err
			}
			_, err = tx.Exec(ctx, "INSERT INTO schema_migrations (filename, checksum) VALUES ($1, $2)", m.name, m.checksum)
			return err
		})
		if err != nil {
			return fmt.Errorf("postgres: migration %s: %w", m.name, err)
		}
	}
	return nil
}
