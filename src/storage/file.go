package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"cognitive_lattice/src/logger"
	"cognitive_lattice/src/model"

	"github.com/google/uuid"
)

// FileStore keeps one JSON document per session in a directory.
//
//	<dir>/<session_id>.json   committed document
//	<dir>/<session_id>.lock   write lease, created with O_EXCL
//
// Documents are replaced by writing a temp file in the same directory,
// syncing it and renaming it over the old one.
type FileStore struct {
	dir  string
	opts options
}

// NewFileStore creates the directory if needed
func NewFileStore(dir string, opts ...Option) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	return &FileStore{dir: dir, opts: buildOptions(opts)}, nil
}

func (s *FileStore) docPath(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".json")
}

func (s *FileStore) lockPath(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".lock")
}

func (s *FileStore) Acquire(ctx context.Context, sessionID string) (*Lease, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	lease := newLease(sessionID, s.opts.now(), s.opts.leaseTTL)
	err := s.createLock(lease)
	if errors.Is(err, fs.ErrExist) && s.takeOverStale(sessionID) {
		err = s.createLock(lease)
	}
	if errors.Is(err, fs.ErrExist) {
		return nil, model.NewSessionError("acquire", sessionID, model.ErrConcurrentAccess, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create lock for session %s: %w", sessionID, err)
	}
	return lease, nil
}

func (s *FileStore) createLock(lease *Lease) error {
	data, err := codec.Marshal(lease)
	if err != nil {
		return fmt.Errorf("failed to marshal lease: %w", err)
	}
	f, err := os.OpenFile(s.lockPath(lease.SessionID), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(f.Name())
		return err
	}
	return f.Close()
}

// takeOverStale removes an expired lock file. Unreadable locks are left alone.
//
// The lock is renamed to a name only this caller knows before it is
// checked again and removed, so of several contenders that saw the same
// expired lease at most one clears it. A contender whose rename caught a
// newer lock links it back without overwriting anything.
func (s *FileStore) takeOverStale(sessionID string) bool {
	held, err := s.readLock(sessionID)
	if err != nil || !held.Expired(s.opts.now()) {
		return false
	}

	lockPath := s.lockPath(sessionID)
	aside := lockPath + "." + uuid.NewString() + ".stale"
	if err := os.Rename(lockPath, aside); err != nil {
		return false
	}
	defer os.Remove(aside)

	moved, err := readLeaseFile(aside)
	if err != nil || moved.Token != held.Token {
		if err := os.Link(aside, lockPath); err != nil {
			logger.Warn().Err(err).
				Str("session_id", sessionID).
				Msg("Failed to restore session lease displaced during takeover")
		}
		return false
	}

	logger.Warn().
		Str("session_id", sessionID).
		Time("expired_at", held.ExpiresAt).
		Msg("Taking over expired session lease")
	return true
}

func (s *FileStore) readLock(sessionID string) (*Lease, error) {
	return readLeaseFile(s.lockPath(sessionID))
}

func readLeaseFile(path string) (*Lease, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lease Lease
	if err := codec.Unmarshal(data, &lease); err != nil {
		return nil, fmt.Errorf("failed to parse lock file: %w", err)
	}
	return &lease, nil
}

func (s *FileStore) holds(lease *Lease) bool {
	held, err := s.readLock(lease.SessionID)
	return err == nil && held.Token == lease.Token
}

// renew pushes the lock's expiry out by another lease TTL
func (s *FileStore) renew(lease *Lease) error {
	if s.opts.leaseTTL <= 0 {
		return nil
	}
	renewed := *lease
	renewed.ExpiresAt = s.opts.now().Add(s.opts.leaseTTL)
	data, err := codec.Marshal(&renewed)
	if err != nil {
		return fmt.Errorf("failed to marshal lease: %w", err)
	}
	if err := s.writeAtomic(s.lockPath(lease.SessionID), data); err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	return nil
}

func (s *FileStore) Load(ctx context.Context, sessionID string) (*model.Session, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.docPath(sessionID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, model.NewSessionError("load", sessionID, model.ErrSessionNotFound, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session %s: %w", sessionID, err)
	}
	return decodeSession(sessionID, data)
}

func (s *FileStore) Save(ctx context.Context, lease *Lease, session *model.Session) error {
	// an expired lock may be taken over at any moment, so it cannot be renewed
	held, err := s.readLock(session.ID)
	if err != nil || held.Token != lease.Token || lease.SessionID != session.ID || held.Expired(s.opts.now()) {
		return leaseLost("save", session.ID)
	}

	var stored uint64
	current, err := os.ReadFile(s.docPath(session.ID))
	switch {
	case err == nil:
		if stored, err = peekVersion(current); err != nil {
			return err
		}
	case !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("failed to read current document: %w", err)
	}
	if err := checkVersion("save", session.ID, stored, session.Version); err != nil {
		return err
	}

	data, err := encodeSession(session)
	if err != nil {
		return err
	}
	if err := s.writeAtomic(s.docPath(session.ID), data); err != nil {
		return err
	}
	return s.renew(held)
}

func (s *FileStore) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to commit document: %w", err)
	}

	// Make the rename itself durable
	dir, err := os.Open(s.dir)
	if err != nil {
		return fmt.Errorf("failed to open session directory: %w", err)
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		return fmt.Errorf("failed to sync session directory: %w", err)
	}
	return nil
}

func (s *FileStore) Release(ctx context.Context, lease *Lease) error {
	if !s.holds(lease) {
		return nil
	}
	if err := os.Remove(s.lockPath(lease.SessionID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to release session %s: %w", lease.SessionID, err)
	}
	return nil
}

func (s *FileStore) Close() error {
	return nil
}
