package migration

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"net/url"
	"strings"

	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"

	"github.com/BaSui01/minionflow/config"
)

//go:embed migrations
var migrationsFS embed.FS

// DatabaseType is a supported SQL dialect.
type DatabaseType string

const (
	DatabaseTypePostgres DatabaseType = "postgres"
	DatabaseTypeMySQL    DatabaseType = "mysql"
	DatabaseTypeSQLite   DatabaseType = "sqlite"
)

// dialect bundles what the migrator needs per database type.
type dialect struct {
	// database/sql driver name registered by the golang-migrate driver package
	driver string
	// wraps an open handle for golang-migrate
	instance func(db *sql.DB, table string) (database.Driver, error)
}

var dialects = map[DatabaseType]dialect{
	DatabaseTypePostgres: {
		driver: "postgres",
		instance: func(db *sql.DB, table string) (database.Driver, error) {
			return postgres.WithInstance(db, &postgres.Config{MigrationsTable: table})
		},
	},
	DatabaseTypeMySQL: {
		driver: "mysql",
		instance: func(db *sql.DB, table string) (database.Driver, error) {
			return mysql.WithInstance(db, &mysql.Config{MigrationsTable: table})
		},
	},
	DatabaseTypeSQLite: {
		driver: "sqlite",
		instance: func(db *sql.DB, table string) (database.Driver, error) {
			return sqlite.WithInstance(db, &sqlite.Config{MigrationsTable: table})
		},
	},
}

// scripts returns the embedded directory holding the dialect's files.
func scripts(t DatabaseType) (fs.FS, error) {
	if _, ok := dialects[t]; !ok {
		return nil, fmt.Errorf("unsupported database type: %s", t)
	}
	return fs.Sub(migrationsFS, "migrations/"+string(t))
}

// ParseDatabaseType accepts the driver names used in configuration and
// their common aliases.
func ParseDatabaseType(s string) (DatabaseType, error) {
	switch strings.ToLower(s) {
	case "postgres", "postgresql", "pg":
		return DatabaseTypePostgres, nil
	case "mysql", "mariadb":
		return DatabaseTypeMySQL, nil
	case "sqlite", "sqlite3":
		return DatabaseTypeSQLite, nil
	default:
		return "", fmt.Errorf("unsupported database type: %s", s)
	}
}

// BuildDatabaseURL builds the connection string the migrator opens. For
// sqlite, name is the database file.
func BuildDatabaseURL(t DatabaseType, host string, port int, name, user, password, sslMode string) string {
	switch t {
	case DatabaseTypePostgres:
		if sslMode == "" {
			sslMode = "require"
		}
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(user, password),
			Host:     fmt.Sprintf("%s:%d", host, port),
			Path:     "/" + name,
			RawQuery: "sslmode=" + sslMode,
		}
		return u.String()
	case DatabaseTypeMySQL:
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true",
			user, password, host, port, name)
	case DatabaseTypeSQLite:
		return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)", name)
	default:
		return ""
	}
}

// ConfigFromDatabase derives migrator settings from the ledger database
// section.
func ConfigFromDatabase(cfg config.DatabaseConfig) (*Config, error) {
	t, err := ParseDatabaseType(cfg.Driver)
	if err != nil {
		return nil, err
	}
	return &Config{
		DatabaseType: t,
		DatabaseURL:  BuildDatabaseURL(t, cfg.Host, cfg.Port, cfg.Name, cfg.User, cfg.Password, cfg.SSLMode),
	}, nil
}
