package storage

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"cognitive_lattice/src/model"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

// Store persists one document per session and hands out the exclusive
// write lease for it. Save must be atomic: a reader sees either the old
// or the new document, never a partial one.
type Store interface {
	// Acquire takes the write lease or fails with model.ErrConcurrentAccess.
	Acquire(ctx context.Context, sessionID string) (*Lease, error)
	// Load returns model.ErrSessionNotFound or model.ErrCorruptSession on failure.
	Load(ctx context.Context, sessionID string) (*model.Session, error)
	// Save writes session when lease is still held and unexpired and
	// session.Version is exactly one past the stored version. A successful
	// Save renews the lease for another lease TTL.
	Save(ctx context.Context, lease *Lease, session *model.Session) error
	Release(ctx context.Context, lease *Lease) error
	Close() error
}

// Lease is proof of exclusive write access to one session
type Lease struct {
	SessionID  string    `json:"session_id"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the lease had a TTL that has passed
func (l *Lease) Expired(now time.Time) bool {
	return !l.ExpiresAt.IsZero() && now.After(l.ExpiresAt)
}

func newLease(sessionID string, now time.Time, ttl time.Duration) *Lease {
	l := &Lease{
		SessionID:  sessionID,
		Token:      uuid.NewString(),
		AcquiredAt: now,
	}
	if ttl > 0 {
		l.ExpiresAt = now.Add(ttl)
	}
	return l
}

// Option tunes a store
type Option func(*options)

type options struct {
	leaseTTL   time.Duration
	sessionTTL time.Duration
	now        func() time.Time
}

// WithLeaseTTL lets a lease expire so a crashed writer does not hold a
// session forever. Every Save renews it, so the TTL bounds the time between
// writes rather than the life of the lease. Zero means leases never expire.
func WithLeaseTTL(d time.Duration) Option {
	return func(o *options) { o.leaseTTL = d }
}

// WithSessionTTL expires idle session documents (Redis only)
func WithSessionTTL(d time.Duration) Option {
	return func(o *options) { o.sessionTTL = d }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ====================== Codec ======================

var codec = sonic.ConfigStd

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:@-]{0,127}$`)

// ValidateSessionID rejects ids that cannot be used as file names or keys
func ValidateSessionID(sessionID string) error {
	if !sessionIDPattern.MatchString(sessionID) {
		return fmt.Errorf("invalid session id %q", sessionID)
	}
	return nil
}

func encodeSession(session *model.Session) ([]byte, error) {
	data, err := codec.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}
	return data, nil
}

func decodeSession(sessionID string, data []byte) (*model.Session, error) {
	var session model.Session
	if err := codec.Unmarshal(data, &session); err != nil {
		return nil, model.NewSessionError("load", sessionID, model.ErrCorruptSession, err)
	}
	if session.ID != sessionID {
		return nil, model.NewSessionError("load", sessionID, model.ErrCorruptSession,
			fmt.Errorf("document belongs to session %q", session.ID))
	}
	if err := session.Validate(); err != nil {
		return nil, model.NewSessionError("load", sessionID, model.ErrCorruptSession, err)
	}
	if session.Nodes == nil {
		session.Nodes = []model.Node{}
	}
	return &session, nil
}

// peekVersion reads only the version field of a stored document. A missing
// version is 0, the same value decodeSession gives it.
func peekVersion(data []byte) (uint64, error) {
	var doc struct {
		Version uint64 `json:"version"`
	}
	if err := codec.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("invalid document version: %w", err)
	}
	return doc.Version, nil
}

func checkVersion(op, sessionID string, stored, next uint64) error {
	if next != stored+1 {
		return model.NewSessionError(op, sessionID, model.ErrConcurrentAccess,
			fmt.Errorf("version conflict: stored %d, writing %d", stored, next))
	}
	return nil
}

func leaseLost(op, sessionID string) error {
	return model.NewSessionError(op, sessionID, model.ErrConcurrentAccess, fmt.Errorf("lease no longer held"))
}
