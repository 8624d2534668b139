package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/flowstate-io/flowstate/backend"
	"github.com/flowstate-io/flowstate/core"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// NewInMemoryBackend creates a backend backed by an in-memory SQLite
// database. Data is lost when the backend is closed.
func NewInMemoryBackend(opts ...backend.BackendOption) (backend.Backend, error) {
	b, err := newSqliteBackend("file::memory:", opts...)
	if err != nil {
		return nil, err
	}

	// An in-memory database exists per connection, so restrict the pool
	// to a single one.
	b.db.SetMaxOpenConns(1)

	if err := b.migrate(); err != nil {
		return nil, err
	}

	return b, nil
}

// NewSqliteBackend creates a backend storing its data in the SQLite
// database at the given path, creating it if it does not exist.
func NewSqliteBackend(path string, opts ...backend.BackendOption) (backend.Backend, error) {
	b, err := newSqliteBackend(fmt.Sprintf("file:%v", path), opts...)
	if err != nil {
		return nil, err
	}

	if err := b.migrate(); err != nil {
		return nil, err
	}

	return b, nil
}

func newSqliteBackend(dsn string, opts ...backend.BackendOption) (*sqliteBackend, error) {
	dsn += "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(on)&_time_format=sqlite"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	options := backend.ApplyOptions(opts...)

	return &sqliteBackend{
		db:      db,
		options: &options,
	}, nil
}

type sqliteBackend struct {
	db      *sql.DB
	options *backend.Options
}

var _ backend.Backend = (*sqliteBackend)(nil)

func (sb *sqliteBackend) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	dbDriver, err := migratesqlite.WithInstance(sb.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("applying migrations: %w", err)
	}

	return nil
}

func (sb *sqliteBackend) Options() *backend.Options {
	return sb.options
}

func (sb *sqliteBackend) Close() error {
	return sb.db.Close()
}

func (sb *sqliteBackend) Tx(ctx context.Context) (*sql.Tx, error) {
	return sb.db.BeginTx(ctx, nil)
}

func marshalIdentity(identity core.Identity) (string, error) {
	b, err := json.Marshal(identity)
	if err != nil {
		return "", fmt.Errorf("marshaling identity: %w", err)
	}

	return string(b), nil
}

func unmarshalIdentity(s string) (core.Identity, error) {
	var identity core.Identity
	if err := json.Unmarshal([]byte(s), &identity); err != nil {
		return core.Identity{}, fmt.Errorf("unmarshaling identity: %w", err)
	}

	return identity, nil
}

func marshalIdentityPtr(identity *core.Identity) (*string, error) {
	if identity == nil {
		return nil, nil
	}

	s, err := marshalIdentity(*identity)
	if err != nil {
		return nil, err
	}

	return &s, nil
}

func unmarshalIdentityPtr(s *string) (*core.Identity, error) {
	if s == nil {
		return nil, nil
	}

	identity, err := unmarshalIdentity(*s)
	if err != nil {
		return nil, err
	}

	return &identity, nil
}

func marshalError(berr *backend.Error) (*string, error) {
	if berr == nil {
		return nil, nil
	}

	b, err := json.Marshal(berr)
	if err != nil {
		return nil, fmt.Errorf("marshaling error: %w", err)
	}

	s := string(b)
	return &s, nil
}

func unmarshalError(s *string) (*backend.Error, error) {
	if s == nil {
		return nil, nil
	}

	var berr backend.Error
	if err := json.Unmarshal([]byte(*s), &berr); err != nil {
		return nil, fmt.Errorf("unmarshaling error: %w", err)
	}

	return &berr, nil
}
