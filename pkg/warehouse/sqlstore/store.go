// Package sqlstore implements the warehouse over database/sql for SQLite,
// PostgreSQL and Snowflake.
//
// Statements are built with go-sqlbuilder in the dialect's flavor and
// scanned with sqlx. Timestamps are stored as epoch microseconds so the
// three engines agree on ordering and round-trips are exact.
package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"embed"
	"io/fs"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	// database/sql drivers
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/snowflakedb/gosnowflake"
	_ "modernc.org/sqlite"

	"github.com/ajitpratap0/tidewater/pkg/config"
	"github.com/ajitpratap0/tidewater/pkg/errors"
	"github.com/ajitpratap0/tidewater/pkg/warehouse"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// writeChunk bounds the rows per multi-row statement.
const writeChunk = 200

// Store is a warehouse.Warehouse over one SQL database.
type Store struct {
	db      *sqlx.DB
	dialect Dialect
	logger  *zap.Logger
}

var _ warehouse.Warehouse = (*Store)(nil)

// Open connects to the configured warehouse, verifies it is reachable and
// applies bootstrap migrations when cfg.Migrate is set.
func Open(ctx context.Context, cfg config.WarehouseConfig, logger *zap.Logger) (*Store, error) {
	d, err := DialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}

	dsn := cfg.DSN
	if d.Name == config.DriverSQLite {
		dsn = sqliteDSN(dsn)
	}

	db, err := sqlx.Open(d.driverName, dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "opening warehouse")
	}
	switch {
	case dsn == ":memory:":
		// every connection would see its own empty database
		db.SetMaxOpenConns(1)
	case d.Name != config.DriverSQLite && cfg.MaxOpenConns > 0:
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	s := New(db, d, logger)

	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 10 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := s.Ping(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if cfg.Migrate && d.migratable {
		if err := s.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if d.Name == config.DriverSQLite {
		// one writer; WAL plus busy_timeout cannot avoid upgrade deadlocks between connections
		db.SetMaxOpenConns(1)
	}
	return s, nil
}

// New wraps an open database.
func New(db *sqlx.DB, d Dialect, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	d.configure(db)
	return &Store{
		db:      db,
		dialect: d,
		logger:  logger.With(zap.String("component", "warehouse"), zap.String("driver", d.Name)),
	}
}

// Dialect returns the store's dialect
func (s *Store) Dialect() Dialect { return s.dialect }

// Ping verifies the warehouse is reachable. Failure is fatal for a run.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		if ctx.Err() == nil || errors.Is(err, context.DeadlineExceeded) {
			return errors.Wrap(err, errors.ErrorTypeWarehouseUnreachable, "warehouse is unreachable")
		}
		return errors.Wrap(err, errors.TypeOf(ctx.Err()), "pinging warehouse")
	}
	return nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded bootstrap schema.
func (s *Store) Migrate(ctx context.Context) error {
	var dialect goose.Dialect
	switch s.dialect.Name {
	case config.DriverSQLite:
		dialect = goose.DialectSQLite3
	case config.DriverPostgres:
		dialect = goose.DialectPostgres
	default:
		return errors.Newf(errors.ErrorTypeConfig, "%s schema is deployed outside tidewater", s.dialect.Name)
	}

	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "reading embedded migrations")
	}
	provider, err := goose.NewProvider(dialect, s.db.DB, fsys)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "preparing migrations")
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return s.classify(ctx, err, "applying migrations")
	}
	for _, r := range results {
		s.logger.Info("applied migration", zap.String("migration", r.Source.Path), zap.Duration("duration", r.Duration))
	}
	return nil
}

// inTx runs fn in a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return s.classify(ctx, err, op)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		if _, typed := err.(*errors.Error); typed {
			return err
		}
		return s.classify(ctx, err, op)
	}
	if err := tx.Commit(); err != nil {
		return s.classify(ctx, err, op)
	}
	return nil
}

// execUpsert writes rows in chunks and returns the rows affected.
func (s *Store) execUpsert(ctx context.Context, tx *sqlx.Tx, u upsert, rows [][]interface{}) (int, error) {
	total := 0
	for start := 0; start < len(rows); start += writeChunk {
		end := start + writeChunk
		if end > len(rows) {
			end = len(rows)
		}
		query, args := s.dialect.build(u, rows[start:end])
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return total, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += int(n)
	}
	return total, nil
}

// classify maps driver errors onto the warehouse error taxonomy: lost
// connections are unreachable (fatal), everything else is a transient
// write error.
func (s *Store) classify(ctx context.Context, err error, op string) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.Wrap(ctxErr, errors.TypeOf(ctxErr), op)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrap(err, errors.ErrorTypeNotFound, op)
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.As(err, &netErr) {
		return errors.Wrap(err, errors.ErrorTypeWarehouseUnreachable, op)
	}
	return errors.Wrap(err, errors.ErrorTypeWarehouse, op)
}

// sqliteDSN turns a file path into a modernc DSN with the pragmas the
// pipeline relies on. Explicit DSNs are used verbatim.
func sqliteDSN(path string) string {
	if path == "" {
		path = "tidewater.db"
	}
	if strings.HasPrefix(path, "file:") || path == ":memory:" {
		return path
	}

	values := url.Values{}
	values.Add("_pragma", "foreign_keys(ON)")
	values.Add("_pragma", "journal_mode(WAL)")
	values.Add("_pragma", "synchronous(NORMAL)")
	values.Add("_pragma", "busy_timeout(5000)")
	return "file:" + path + "?" + values.Encode()
}

func micros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func fromMicros(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMicro(v).UTC()
}
