package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Store struct {
	db      *sql.DB
	dialect string
	sql     sq.StatementBuilderType
}

// Open connects with one of the registered database/sql drivers:
// postgres/pgx use pgx, pq uses lib/pq, sqlite uses modernc.
func Open(ctx context.Context, driver, dsn string, autoMigrate bool) (*Store, error) {
	sqlDriver, dialect, err := resolveDriver(driver)
	if err != nil {
		return nil, err
	}
	if dsn == "" {
		return nil, fmt.Errorf("dsn is empty")
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if dialect == "sqlite3" {
		// a single writer avoids SQLITE_BUSY under concurrent history writes
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if autoMigrate {
		if err := migrate(db, dialect); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	var placeholder sq.PlaceholderFormat = sq.Question
	if dialect == "postgres" {
		placeholder = sq.Dollar
	}

	return &Store{
		db:      db,
		dialect: dialect,
		sql:     sq.StatementBuilder.PlaceholderFormat(placeholder),
	}, nil
}

func resolveDriver(driver string) (sqlDriver, dialect string, err error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "pgx":
		return "pgx", "postgres", nil
	case "pq":
		return "postgres", "postgres", nil
	case "sqlite", "sqlite3":
		return "sqlite", "sqlite3", nil
	default:
		return "", "", fmt.Errorf("unsupported driver %q", driver)
	}
}

func migrate(db *sql.DB, dialect string) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) exec(ctx context.Context, what string, q sq.Sqlizer) (sql.Result, error) {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build %s query: %w", what, err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	return res, nil
}

func (s *Store) now() any {
	if s.dialect == "postgres" {
		return sq.Expr("NOW()")
	}
	return time.Now().UTC()
}
