package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/crypdick/pynchy/internal/common/config"
	"github.com/crypdick/pynchy/internal/common/logger"
	"github.com/crypdick/pynchy/internal/db"
)

// Provide opens the single sqlite file backing the host's relational
// store and runs schema migration. It returns the raw *sql.DB (kept for
// callers that still want it directly) alongside a ready Store.
func Provide(cfg *config.Config, log *logger.Logger) (*Store, func() error, error) {
	dbPath := os.Getenv("PYNCHY_DB_PATH")
	if dbPath == "" {
		dataDir := "."
		if cfg != nil && cfg.Pynchy.DataDir != "" {
			if expanded, err := cfg.Pynchy.ExpandedDataDir(); err == nil {
				dataDir = expanded
			}
		}
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create data dir: %w", err)
		}
		dbPath = filepath.Join(dataDir, "pynchy.db")
	}

	conn, err := db.OpenSQLite(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	store, err := NewStore(conn)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}

	if log != nil {
		log.Info("persistence store initialized", zap.String("db_path", dbPath))
	}

	cleanup := func() error {
		_, _ = conn.Exec("PRAGMA optimize")
		return conn.Close()
	}
	return store, cleanup, nil
}

// Store is the host's sole relational persistence surface (spec §6). All
// methods take an explicit context.Context; blocking calls may suspend
// (spec §5) so no caller should assume atomicity across two Store calls
// without an explicit transaction.
type Store struct {
	db *sqlx.DB
}

// NewStore wraps an already-open *sql.DB (typically from db.OpenSQLite)
// and ensures the schema exists.
func NewStore(conn *sql.DB) (*Store, error) {
	sx := sqlx.NewDb(conn, "sqlite3")
	s := &Store{db: sx}
	if _, err := sx.Exec(schemaSQL); err != nil {
		return nil, fmt.Errorf("failed to initialize persistence schema: %w", err)
	}
	return s, nil
}

// DB exposes the shared sqlx connection for packages that keep their own
// tables in the same sqlite file (e.g. worktree.NewSQLiteStore) rather
// than maintaining a second connection to the same database.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic. Used where two or more writes must be atomic
// (e.g. ledger insert + delivery rows, or cursor + ingestion updates).
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	err = fn(tx)
	return err
}
