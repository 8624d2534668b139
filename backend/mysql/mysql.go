package mysql

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	"github.com/golang-migrate/migrate/v4"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/flowstate-io/flowstate/backend"
	"github.com/flowstate-io/flowstate/core"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// NewMysqlBackend creates a backend storing its data in the given MySQL
// database. The schema is migrated on startup.
func NewMysqlBackend(host string, port int, user, password, database string, opts ...backend.BackendOption) (backend.Backend, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&interpolateParams=true&multiStatements=true", user, password, host, port, database)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening mysql database: %w", err)
	}

	options := backend.ApplyOptions(opts...)

	b := &mysqlBackend{
		db:      db,
		options: &options,
	}

	if err := b.migrate(); err != nil {
		return nil, err
	}

	return b, nil
}

type mysqlBackend struct {
	db      *sql.DB
	options *backend.Options
}

var _ backend.Backend = (*mysqlBackend)(nil)

func (mb *mysqlBackend) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	dbDriver, err := migratemysql.WithInstance(mb.db, &migratemysql.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "mysql", dbDriver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("applying migrations: %w", err)
	}

	return nil
}

func (mb *mysqlBackend) Options() *backend.Options {
	return mb.options
}

func (mb *mysqlBackend) Close() error {
	return mb.db.Close()
}

// MySQL requires a LIMIT to use an OFFSET, anything above this is not a
// realistic page size.
const unboundedLimit = 1<<31 - 1

func sqlLimit(limit int) int {
	if limit <= 0 {
		return unboundedLimit
	}

	return limit
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}

	return &s
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
