// Package migrate applies the embedded Postgres schema and seed files.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"tenantry.org/internal/obs"
)

//go:embed sql/*.sql seeds/*.sql
var embedded embed.FS

const (
	defaultMigrationsTable = "schema_migrations"
	defaultSeedsTable      = "schema_seeds"

	// advisoryLockKey serialises migrators started by concurrent replicas.
	advisoryLockKey int64 = 0x74656e616e7472
)

var ErrNothingApplied = errors.New("migrate: no migrations applied")

// Manager applies versioned up/down files from a filesystem.
type Manager struct {
	db              *sql.DB
	files           fs.FS
	migrationsDir   string
	seedsDir        string
	migrationsTable string
	seedsTable      string
	log             *zap.Logger
}

type Option func(*Manager)

// WithFS replaces the embedded schema, mostly for tests.
func WithFS(fsys fs.FS, migrationsDir, seedsDir string) Option {
	return func(m *Manager) {
		m.files = fsys
		m.migrationsDir = migrationsDir
		m.seedsDir = seedsDir
	}
}

func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

func NewManager(db *sql.DB, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		files:           embedded,
		migrationsDir:   "sql",
		seedsDir:        "seeds",
		migrationsTable: defaultMigrationsTable,
		seedsTable:      defaultSeedsTable,
		log:             obs.Logger().Named("migrate"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies all pending migrations in name order and returns the names applied.
func (m *Manager) Up(ctx context.Context) ([]string, error) {
	var applied []string
	err := m.locked(ctx, func(conn *sql.Conn) error {
		done, err := listNames(ctx, conn, m.migrationsTable)
		if err != nil {
			return err
		}
		files, err := m.collect(m.migrationsDir, ".up.sql")
		if err != nil {
			return err
		}
		for _, name := range files {
			if done[name] {
				continue
			}
			if err := m.apply(ctx, conn, path.Join(m.migrationsDir, name), m.migrationsTable, name); err != nil {
				return fmt.Errorf("apply migration %s: %w", name, err)
			}
			m.log.Info("migration applied", zap.String("name", name))
			applied = append(applied, name)
		}
		return nil
	})
	return applied, err
}

// Down rolls back the most recent migration.
func (m *Manager) Down(ctx context.Context) (string, error) {
	var last string
	err := m.locked(ctx, func(conn *sql.Conn) error {
		history, err := orderedNames(ctx, conn, m.migrationsTable)
		if err != nil {
			return err
		}
		if len(history) == 0 {
			return ErrNothingApplied
		}
		last = history[len(history)-1]
		downPath := path.Join(m.migrationsDir, strings.TrimSuffix(last, ".up.sql")+".down.sql")
		if _, err := fs.Stat(m.files, downPath); err != nil {
			return fmt.Errorf("missing down migration for %s", last)
		}
		body, err := fs.ReadFile(m.files, downPath)
		if err != nil {
			return err
		}
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if err := execAll(ctx, tx, string(body)); err != nil {
			return fmt.Errorf("rollback migration %s: %w", last, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where name = $1`, m.migrationsTable), last); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		m.log.Info("migration rolled back", zap.String("name", last))
		return nil
	})
	return last, err
}

// Status returns applied migrations, oldest first.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	var history []string
	err := m.locked(ctx, func(conn *sql.Conn) error {
		var err error
		history, err = orderedNames(ctx, conn, m.migrationsTable)
		return err
	})
	return history, err
}

// Seed applies each seed file at most once.
func (m *Manager) Seed(ctx context.Context) ([]string, error) {
	var applied []string
	err := m.locked(ctx, func(conn *sql.Conn) error {
		done, err := listNames(ctx, conn, m.seedsTable)
		if err != nil {
			return err
		}
		files, err := m.collect(m.seedsDir, ".sql")
		if err != nil {
			return err
		}
		for _, name := range files {
			if done[name] {
				continue
			}
			if err := m.apply(ctx, conn, path.Join(m.seedsDir, name), m.seedsTable, name); err != nil {
				return fmt.Errorf("apply seed %s: %w", name, err)
			}
			m.log.Info("seed applied", zap.String("name", name))
			applied = append(applied, name)
		}
		return nil
	})
	return applied, err
}

// locked pins one connection, takes the advisory lock on it and makes sure
// the bookkeeping tables exist before running fn.
func (m *Manager) locked(ctx context.Context, fn func(conn *sql.Conn) error) (err error) {
	if m.db == nil {
		return errors.New("migrate: database connection unavailable")
	}
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `select pg_advisory_lock($1)`, advisoryLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		if _, uerr := conn.ExecContext(context.Background(), `select pg_advisory_unlock($1)`, advisoryLockKey); uerr != nil && err == nil {
			err = uerr
		}
	}()

	for _, table := range []string{m.migrationsTable, m.seedsTable} {
		ddl := fmt.Sprintf(`create table if not exists %s (name text primary key, applied_at timestamptz not null default now())`, table)
		if _, err := conn.ExecContext(ctx, ddl); err != nil {
			return err
		}
	}
	return fn(conn)
}

func (m *Manager) apply(ctx context.Context, conn *sql.Conn, file, table, name string) error {
	body, err := fs.ReadFile(m.files, file)
	if err != nil {
		return err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := execAll(ctx, tx, string(body)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`insert into %s(name) values ($1)`, table), name); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) collect(dir, suffix string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := fs.ReadDir(m.files, dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func execAll(ctx context.Context, tx *sql.Tx, body string) error {
	for _, stmt := range splitStatements(body) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func listNames(ctx context.Context, conn *sql.Conn, table string) (map[string]bool, error) {
	names, err := orderedNames(ctx, conn, table)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out, nil
}

func orderedNames(ctx context.Context, conn *sql.Conn, table string) ([]string, error) {
	rows, err := conn.QueryContext(ctx, fmt.Sprintf(`select name from %s order by applied_at, name`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// splitStatements splits on semicolons outside quoted strings and line
// comments. Empty statements are dropped.
func splitStatements(body string) []string {
	var (
		stmts     []string
		cur       strings.Builder
		inString  bool
		inComment bool
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			stmts = append(stmts, s)
		}
		cur.Reset()
	}
	runes := []rune(body)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case inComment:
			if r == '\n' {
				inComment = false
				cur.WriteRune(r)
			}
		case !inString && r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			inComment = true
			i++
		case r == '\'':
			inString = !inString
			cur.WriteRune(r)
		case r == ';' && !inString:
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return stmts
}
