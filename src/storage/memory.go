package storage

import (
	"context"
	"sync"

	"cognitive_lattice/src/model"
)

// MemoryStore keeps encoded documents in process memory. It is used for
// development and tests; documents still go through the codec so the
// behaviour matches the durable backends.
type MemoryStore struct {
	mu     sync.Mutex
	docs   map[string][]byte
	leases map[string]*Lease
	opts   options

	// FailSaves makes every Save fail with this error when non-nil
	FailSaves error
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		docs:   make(map[string][]byte),
		leases: make(map[string]*Lease),
		opts:   buildOptions(opts),
	}
}

func (m *MemoryStore) Acquire(ctx context.Context, sessionID string) (*Lease, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.now()
	if held, ok := m.leases[sessionID]; ok && !held.Expired(now) {
		return nil, model.NewSessionError("acquire", sessionID, model.ErrConcurrentAccess, nil)
	}
	lease := newLease(sessionID, now, m.opts.leaseTTL)
	m.leases[sessionID] = lease
	return lease, nil
}

func (m *MemoryStore) Load(ctx context.Context, sessionID string) (*model.Session, error) {
	m.mu.Lock()
	data, ok := m.docs[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, model.NewSessionError("load", sessionID, model.ErrSessionNotFound, nil)
	}
	return decodeSession(sessionID, data)
}

func (m *MemoryStore) Save(ctx context.Context, lease *Lease, session *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailSaves != nil {
		return m.FailSaves
	}
	held, ok := m.leases[session.ID]
	if !ok || held.Token != lease.Token || held.Expired(m.opts.now()) {
		return leaseLost("save", session.ID)
	}
	var stored uint64
	if data, ok := m.docs[session.ID]; ok {
		v, err := peekVersion(data)
		if err != nil {
			return err
		}
		stored = v
	}
	if err := checkVersion("save", session.ID, stored, session.Version); err != nil {
		return err
	}
	data, err := encodeSession(session)
	if err != nil {
		return err
	}
	m.docs[session.ID] = data

	if m.opts.leaseTTL > 0 {
		renewed := *held
		renewed.ExpiresAt = m.opts.now().Add(m.opts.leaseTTL)
		m.leases[session.ID] = &renewed
	}
	return nil
}

func (m *MemoryStore) Release(ctx context.Context, lease *Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.leases[lease.SessionID]; ok && held.Token == lease.Token {
		delete(m.leases, lease.SessionID)
	}
	return nil
}

// Put stores raw bytes for a session, bypassing validation. Useful for
// seeding corrupt or legacy documents.
func (m *MemoryStore) Put(sessionID string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[sessionID] = data
}

func (m *MemoryStore) Close() error {
	return nil
}
