package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"tenantry.org/internal/auth"
	"tenantry.org/internal/authz"
	"tenantry.org/internal/cascade"
)

// DefaultChannel is the NOTIFY channel carrying config invalidations.
const DefaultChannel = "tenantry_config"

const pgErrForeignKeyViolation = "23503"

var errNoDB = errors.New("database connection unavailable")

// Store implements every collaborator of the authorization engine over
// Postgres. It never writes resources or memberships.
type Store struct {
	db      *sql.DB
	channel string
}

var (
	_ auth.Directory         = (*Store)(nil)
	_ authz.ResourceLookup   = (*Store)(nil)
	_ authz.WorkspaceLocator = (*Store)(nil)
	_ cascade.Store          = (*Store)(nil)
	_ cascade.OverrideStore  = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithChannel sets the NOTIFY channel used on override writes.
func WithChannel(channel string) Option {
	return func(s *Store) {
		if strings.TrimSpace(channel) != "" {
			s.channel = channel
		}
	}
}

// Open connects through the pgx stdlib driver.
func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db, opts...), nil
}

// New wraps an existing pool.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, channel: DefaultChannel}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB { return s.db }

// Channel returns the NOTIFY channel name.
func (s *Store) Channel() string { return s.channel }

// Ping checks connectivity for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errNoDB
	}
	return s.db.PingContext(ctx)
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
