package persistence

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"
)

const (
	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"
)

// Migrator applies the numbered SQL files under a directory. Files are
// named {version}_{name}.up.sql with an optional .down.sql twin. Each
// applied file is recorded with its blake3 checksum, and a recorded file
// whose content later changes stops every further run.
type Migrator struct {
	db     *sql.DB
	dir    string
	logger zerolog.Logger
}

// migration is one schema version and the files that move to and from it.
type migration struct {
	version string
	up      string
	down    string // empty when the step cannot be rolled back
}

func NewMigrator(db *sql.DB, migrationsDir string, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, dir: migrationsDir, logger: logger}
}

// Pending lists the up files not applied yet, oldest first.
func (m *Migrator) Pending(ctx context.Context) ([]string, error) {
	steps, err := m.plan(ctx)
	if err != nil {
		return nil, err
	}
	files := make([]string, len(steps))
	for i, s := range steps {
		files[i] = s.up
	}
	return files, nil
}

// Up applies every pending migration, each in its own transaction.
func (m *Migrator) Up(ctx context.Context) error {
	steps, err := m.plan(ctx)
	if err != nil {
		return err
	}

	for _, s := range steps {
		content, err := os.ReadFile(filepath.Join(m.dir, s.up))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", s.up, err)
		}

		m.logger.Info().Str("file", s.up).Msg("applying migration")
		err = m.inTx(ctx, string(content),
			`INSERT INTO public.schema_migrations (version, filename, checksum) VALUES ($1, $2, $3)`,
			s.version, s.up, checksum(content),
		)
		if err != nil {
			return fmt.Errorf("apply %s: %w", s.up, err)
		}
		m.logger.Info().Str("file", s.up).Msg("applied migration")
	}
	return nil
}

// Down rolls back the newest applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return err
	}

	var version string
	err := m.db.QueryRowContext(ctx,
		`SELECT version FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		m.logger.Info().Msg("no migrations to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("latest migration: %w", err)
	}

	all, err := loadMigrations(m.dir)
	if err != nil {
		return err
	}
	idx := sort.Search(len(all), func(i int) bool { return all[i].version >= version })
	if idx == len(all) || all[idx].version != version {
		return fmt.Errorf("migration %s is applied but has no files in %s", version, m.dir)
	}
	step := all[idx]
	if step.down == "" {
		return fmt.Errorf("migration %s has no %s file", step.up, downSuffix)
	}

	content, err := os.ReadFile(filepath.Join(m.dir, step.down))
	if err != nil {
		return fmt.Errorf("read down migration %s: %w", step.down, err)
	}
	err = m.inTx(ctx, string(content),
		`DELETE FROM public.schema_migrations WHERE version = $1`, version,
	)
	if err != nil {
		return fmt.Errorf("roll back %s: %w", step.down, err)
	}

	m.logger.Info().Str("file", step.down).Msg("rolled back migration")
	return nil
}

// plan returns the migrations still to apply after checking that every
// applied file on disk still matches its recorded checksum.
func (m *Migrator) plan(ctx context.Context) ([]migration, error) {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return nil, fmt.Errorf("ensure migration table: %w", err)
	}
	applied, err := m.appliedChecksums(ctx)
	if err != nil {
		return nil, fmt.Errorf("applied migrations: %w", err)
	}
	all, err := loadMigrations(m.dir)
	if err != nil {
		return nil, err
	}

	var pending []migration
	for _, s := range all {
		recorded, ok := applied[s.version]
		if !ok {
			pending = append(pending, s)
			continue
		}
		if recorded == "" {
			continue
		}
		content, err := os.ReadFile(filepath.Join(m.dir, s.up))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", s.up, err)
		}
		if sum := checksum(content); sum != recorded {
			return nil, fmt.Errorf("migration %s changed after it was applied (recorded %s, file %s)",
				s.up, recorded[:12], sum[:12])
		}
	}
	return pending, nil
}

// inTx runs a migration script and its bookkeeping statement atomically.
func (m *Migrator) inTx(ctx context.Context, script, record string, args ...interface{}) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, script); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		tx.Rollback()
		return fmt.Errorf("record: %w", err)
	}
	return tx.Commit()
}

func (m *Migrator) ensureMigrationTable(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			checksum   TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return err
	}
	_, err := m.db.ExecContext(ctx,
		`ALTER TABLE public.schema_migrations ADD COLUMN IF NOT EXISTS checksum TEXT NOT NULL DEFAULT ''`)
	return err
}

func (m *Migrator) appliedChecksums(ctx context.Context) (map[string]string, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version, checksum FROM public.schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]string)
	for rows.Next() {
		var version, sum string
		if err := rows.Scan(&version, &sum); err != nil {
			return nil, err
		}
		applied[version] = sum
	}
	return applied, rows.Err()
}

// loadMigrations pairs the up and down files in dir by version, sorted by
// version. A version needs exactly one up file; a down file alone is an
// error.
func loadMigrations(dir string) ([]migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byVersion := make(map[string]*migration)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		version, ok := migrationVersion(name)
		if !ok {
			return nil, fmt.Errorf("migration %s: want {version}_{name}%s or %s", name, upSuffix, downSuffix)
		}
		step := byVersion[version]
		if step == nil {
			step = &migration{version: version}
			byVersion[version] = step
		}
		switch {
		case strings.HasSuffix(name, upSuffix):
			if step.up != "" {
				return nil, fmt.Errorf("migration %s: version %s already has %s", name, version, step.up)
			}
			step.up = name
		case strings.HasSuffix(name, downSuffix):
			if step.down != "" {
				return nil, fmt.Errorf("migration %s: version %s already has %s", name, version, step.down)
			}
			step.down = name
		}
	}

	steps := make([]migration, 0, len(byVersion))
	for _, s := range byVersion {
		if s.up == "" {
			return nil, fmt.Errorf("migration %s has no %s file", s.down, upSuffix)
		}
		steps = append(steps, *s)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].version < steps[j].version })
	return steps, nil
}

// migrationVersion returns the numeric prefix of a migration file name,
// e.g. "000001" for "000001_event_log.up.sql".
func migrationVersion(name string) (string, bool) {
	if !strings.HasSuffix(name, upSuffix) && !strings.HasSuffix(name, downSuffix) {
		return "", false
	}
	version, _, ok := strings.Cut(name, "_")
	if !ok || version == "" {
		return "", false
	}
	for _, c := range version {
		if c < '0' || c > '9' {
			return "", false
		}
	}
	return version, true
}

func checksum(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}
