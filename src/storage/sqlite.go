package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cognitive_lattice/src/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps session documents and leases in a SQLite database
type SQLiteStore struct {
	db   *sql.DB
	opts options
}

// NewSQLiteStore opens (and creates) the database at path
func NewSQLiteStore(ctx context.Context, path string, opts ...Option) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection serialises writers and avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db, opts: buildOptions(opts)}
	if err := store.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		document BLOB NOT NULL,
		updated_at DATETIME NOT NULL
	);

	-- lease times are unix nanoseconds
	CREATE TABLE IF NOT EXISTS leases (
		session_id TEXT PRIMARY KEY,
		token TEXT NOT NULL,
		acquired_at INTEGER NOT NULL,
		expires_at INTEGER
	);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Acquire(ctx context.Context, sessionID string) (*Lease, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	now := s.opts.now()
	lease := newLease(sessionID, now, s.opts.leaseTTL)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM leases WHERE session_id = ? AND expires_at IS NOT NULL AND expires_at < ?`,
		sessionID, now.UnixNano()); err != nil {
		return nil, fmt.Errorf("failed to expire stale lease: %w", err)
	}

	var expires any
	if !lease.ExpiresAt.IsZero() {
		expires = lease.ExpiresAt.UnixNano()
	}
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO leases (session_id, token, acquired_at, expires_at) VALUES (?, ?, ?, ?)`,
		sessionID, lease.Token, lease.AcquiredAt.UnixNano(), expires)
	if err != nil {
		return nil, fmt.Errorf("failed to insert lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, model.NewSessionError("acquire", sessionID, model.ErrConcurrentAccess, nil)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit lease: %w", err)
	}
	return lease, nil
}

func (s *SQLiteStore) Load(ctx context.Context, sessionID string) (*model.Session, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT document FROM sessions WHERE id = ?`, sessionID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NewSessionError("load", sessionID, model.ErrSessionNotFound, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return decodeSession(sessionID, data)
}

func (s *SQLiteStore) Save(ctx context.Context, lease *Lease, session *model.Session) error {
	data, err := encodeSession(session)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var token string
	var expires sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT token, expires_at FROM leases WHERE session_id = ?`, session.ID).
		Scan(&token, &expires)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && token != lease.Token) {
		return leaseLost("save", session.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to read lease: %w", err)
	}
	if expires.Valid && s.opts.now().UnixNano() > expires.Int64 {
		return leaseLost("save", session.ID)
	}

	if session.Version == 0 {
		return checkVersion("save", session.ID, 0, 0)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET version = ?, document = ?, updated_at = ? WHERE id = ? AND version = ?`,
		session.Version, data, session.LastActiveAt, session.ID, session.Version-1)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 && session.Version == 1 {
		res, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO sessions (id, version, document, updated_at) VALUES (?, ?, ?, ?)`,
			session.ID, session.Version, data, session.LastActiveAt)
		if err != nil {
			return fmt.Errorf("failed to save session: %w", err)
		}
		n, _ = res.RowsAffected()
	}
	if n == 0 {
		return model.NewSessionError("save", session.ID, model.ErrConcurrentAccess,
			fmt.Errorf("version conflict writing %d", session.Version))
	}

	if s.opts.leaseTTL > 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE leases SET expires_at = ? WHERE session_id = ? AND token = ?`,
			s.opts.now().Add(s.opts.leaseTTL).UnixNano(), session.ID, lease.Token); err != nil {
			return fmt.Errorf("failed to renew lease: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Release(ctx context.Context, lease *Lease) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM leases WHERE session_id = ? AND token = ?`, lease.SessionID, lease.Token)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
