package postgis

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/couchcryptid/forecast-raster-etl/internal/domain"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var tableNameRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Store is the spatial store gateway over a PostGIS raster table. It is safe
// for concurrent use; every insert checks out its own connection.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects to PostGIS and sizes the pool. maxOpenConns bounds how many
// tasks can write at once.
func Open(dsn string, maxOpenConns int, logger *slog.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return nil, classify("connect", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxOpenConns)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	return New(db, logger), nil
}

// New wraps an existing gorm handle.
func New(db *gorm.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// DB exposes the underlying handle for migrations and the run recorder.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CheckReadiness pings the database.
func (s *Store) CheckReadiness(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}

// TableExists reports whether table exists in the public schema.
func (s *Store) TableExists(ctx context.Context, table string) (bool, error) {
	if err := validateTable(table); err != nil {
		return false, err
	}

	var exists bool
	row := s.db.WithContext(ctx).Raw(
		"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = ?)",
		table,
	).Row()
	if err := row.Scan(&exists); err != nil {
		return false, classify("table exists", err)
	}
	return exists, nil
}

// EnsureTable creates table with its spatial index and raster constraints if it
// does not exist. Losing a creation race to another caller is not an error.
func (s *Store) EnsureTable(ctx context.Context, table string) error {
	exists, err := s.TableExists(ctx, table)
	switch {
	case errors.Is(err, domain.ErrStoreUnavailable):
		return err
	case err != nil:
		return &domain.SchemaBootstrapError{Table: table, Err: err}
	case exists:
		return nil
	}

	statements := []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS public.%s (id SERIAL PRIMARY KEY, time TIMESTAMP, rast RASTER)", table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_rast_idx ON public.%s USING GIST (ST_ConvexHull(rast))", table, table),
		fmt.Sprintf("SELECT AddRasterConstraints('%s'::name, 'rast'::name)", table),
	}

	db := s.db.WithContext(ctx)
	for _, stmt := range statements {
		err := db.Exec(stmt).Error
		switch {
		case err == nil:
		case isDuplicateObject(err):
			s.logger.Debug("schema object already created concurrently", "table", table, "error", err)
		case isUnavailable(err):
			return &domain.StoreUnavailableError{Op: "ensure table", Err: err}
		default:
			return &domain.SchemaBootstrapError{Table: table, Err: err}
		}
	}

	s.logger.Info("raster table created", "table", table)
	return nil
}

// LatestTimestamp returns the newest stored valid time, or nil when the table is
// missing or empty.
func (s *Store) LatestTimestamp(ctx context.Context, table string) (*time.Time, error) {
	exists, err := s.TableExists(ctx, table)
	if err != nil || !exists {
		return nil, err
	}

	var latest sql.NullTime
	row := s.db.WithContext(ctx).Raw(fmt.Sprintf("SELECT MAX(time) FROM public.%s", table)).Row()
	if err := row.Scan(&latest); err != nil {
		return nil, classify("latest timestamp", err)
	}
	if !latest.Valid {
		return nil, nil
	}
	t := asUTC(latest.Time)
	return &t, nil
}

// InsertRaster stores one raster at instant. Raster bytes are any format GDAL
// can read; PostGIS decodes them with ST_FromGDALRaster. Inserting an instant
// twice creates two rows.
func (s *Store) InsertRaster(ctx context.Context, table string, instant time.Time, raster []byte) error {
	if err := validateTable(table); err != nil {
		return err
	}

	stmt := fmt.Sprintf("INSERT INTO public.%s (time, rast) VALUES (?, ST_FromGDALRaster(?))", table)
	err := s.db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		return conn.Exec(stmt, instant.UTC(), raster).Error
	})
	if err != nil {
		return classify("insert raster", err)
	}
	return nil
}

func validateTable(table string) error {
	if !tableNameRe.MatchString(table) {
		return fmt.Errorf("invalid table name %q", table)
	}
	return nil
}

// asUTC reinterprets a timestamp-without-time-zone value as UTC wall time.
func asUTC(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

func classify(op string, err error) error {
	if isUnavailable(err) {
		return &domain.StoreUnavailableError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isDuplicateObject matches the errors a concurrent CREATE ... IF NOT EXISTS or
// AddRasterConstraints can raise after another session won the race.
func isDuplicateObject(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "42P07", // duplicate_table
		"42710", // duplicate_object
		"23505": // unique_violation on pg_type during concurrent CREATE TABLE
		return true
	}
	return false
}

func isUnavailable(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 connection exceptions, admin shutdown, too many connections.
		return strings.HasPrefix(pgErr.Code, "08") || pgErr.Code == "57P01" || pgErr.Code == "53300"
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
