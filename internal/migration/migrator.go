package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// DefaultTable records the applied ledger schema version.
const DefaultTable = "mf_schema_migrations"

// ErrNotMigrated means the database is behind the embedded scripts or
// left dirty by a failed run.
var ErrNotMigrated = errors.New("ledger schema is not up to date")

// Config selects the database to migrate.
type Config struct {
	DatabaseType DatabaseType
	DatabaseURL  string
	// TableName defaults to DefaultTable.
	TableName string
}

// Status is the state of one embedded script.
type Status struct {
	Version uint
	Name    string
	Applied bool
	Dirty   bool
}

// Info summarizes the schema state.
type Info struct {
	Current uint
	Latest  uint
	Dirty   bool
	Applied int
	Pending int
}

// UpToDate reports whether every script is applied cleanly.
func (i Info) UpToDate() bool {
	return !i.Dirty && i.Pending == 0
}

// Migrator applies the embedded ledger schema (mf_jobs, mf_job_returns).
type Migrator struct {
	cfg     Config
	m       *migrate.Migrate
	scripts []Status
}

// New opens the database and prepares the embedded scripts of its dialect.
func New(cfg *Config) (*Migrator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required")
	}
	d, ok := dialects[cfg.DatabaseType]
	if !ok {
		return nil, fmt.Errorf("unsupported database type: %s", cfg.DatabaseType)
	}
	c := *cfg
	if c.TableName == "" {
		c.TableName = DefaultTable
	}

	dir, err := scripts(c.DatabaseType)
	if err != nil {
		return nil, err
	}
	list, err := listScripts(dir)
	if err != nil {
		return nil, err
	}
	src, err := iofs.New(dir, ".")
	if err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}

	db, err := sql.Open(d.driver, c.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	drv, err := d.instance(db, c.TableName)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare %s driver: %w", c.DatabaseType, err)
	}
	m, err := migrate.NewWithInstance("iofs", src, string(c.DatabaseType), drv)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}
	return &Migrator{cfg: c, m: m, scripts: list}, nil
}

func ignoreNoChange(op string, err error) error {
	if err == nil || errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Up applies every pending script.
func (m *Migrator) Up(context.Context) error {
	return ignoreNoChange("migrate up", m.m.Up())
}

// Down rolls back the last applied script.
func (m *Migrator) Down(context.Context) error {
	return ignoreNoChange("migrate down", m.m.Steps(-1))
}

// Reset rolls back every script.
func (m *Migrator) Reset(context.Context) error {
	return ignoreNoChange("migrate reset", m.m.Down())
}

// Goto migrates up or down to version.
func (m *Migrator) Goto(_ context.Context, version uint) error {
	return ignoreNoChange("migrate goto", m.m.Migrate(version))
}

// Force sets the version without running scripts, clearing the dirty flag.
func (m *Migrator) Force(_ context.Context, version int) error {
	if err := m.m.Force(version); err != nil {
		return fmt.Errorf("migrate force: %w", err)
	}
	return nil
}

// Version returns the applied version; 0 when nothing is applied.
func (m *Migrator) Version(context.Context) (uint, bool, error) {
	v, dirty, err := m.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read version: %w", err)
	}
	return v, dirty, nil
}

// Status lists the embedded scripts with their applied state.
func (m *Migrator) Status(ctx context.Context) ([]Status, error) {
	cur, dirty, err := m.Version(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Status, len(m.scripts))
	for i, s := range m.scripts {
		s.Applied = s.Version <= cur && cur > 0
		s.Dirty = dirty && s.Version == cur
		out[i] = s
	}
	return out, nil
}

// Info summarizes Status.
func (m *Migrator) Info(ctx context.Context) (Info, error) {
	list, err := m.Status(ctx)
	if err != nil {
		return Info{}, err
	}
	var info Info
	for _, s := range list {
		info.Latest = s.Version
		if s.Applied {
			info.Applied++
			info.Current = s.Version
		} else {
			info.Pending++
		}
		if s.Dirty {
			info.Dirty = true
		}
	}
	return info, nil
}

// Check returns ErrNotMigrated unless the schema is current. The daemon
// calls it before serving a SQL ledger.
func (m *Migrator) Check(ctx context.Context) error {
	info, err := m.Info(ctx)
	if err != nil {
		return err
	}
	if !info.UpToDate() {
		return fmt.Errorf("%w: at version %d of %d (dirty=%v)", ErrNotMigrated, info.Current, info.Latest, info.Dirty)
	}
	return nil
}

// Close releases the source and the database handle.
func (m *Migrator) Close() error {
	srcErr, dbErr := m.m.Close()
	return errors.Join(srcErr, dbErr)
}

// listScripts reads NNNNNN_name.up.sql files, sorted by version.
func listScripts(dir fs.FS) ([]Status, error) {
	entries, err := fs.ReadDir(dir, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	var out []Status
	for _, e := range entries {
		base, ok := strings.CutSuffix(e.Name(), ".up.sql")
		if e.IsDir() || !ok {
			continue
		}
		num, name, ok := strings.Cut(base, "_")
		if !ok {
			continue
		}
		v, err := strconv.ParseUint(num, 10, 32)
		if err != nil {
			continue
		}
		out = append(out, Status{Version: uint(v), Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}
