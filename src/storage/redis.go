package storage

import (
	"context"
	"errors"
	"fmt"

	"cognitive_lattice/src/model"

	"github.com/redis/go-redis/v9"
)

const (
	sessionPrefix = "lattice:session:"
	leasePrefix   = "lattice:lease:"
)

// compare-and-delete so a writer can never drop somebody else's lease
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore implements Store on Redis. The lease is a SET NX key holding
// the lease token; saves run under WATCH on both the document and lease keys.
type RedisStore struct {
	client *redis.Client
	opts   options
}

// NewRedisStore connects using a redis:// URL
func NewRedisStore(ctx context.Context, redisURL string, opts ...Option) (*RedisStore, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis URL is required")
	}

	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(redisOpts)

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStoreWithClient(client, opts...), nil
}

// NewRedisStoreWithClient wraps an existing client
func NewRedisStoreWithClient(client *redis.Client, opts ...Option) *RedisStore {
	return &RedisStore{client: client, opts: buildOptions(opts)}
}

// key generates the document key for the given session ID
func (r *RedisStore) key(sessionID string) string {
	return sessionPrefix + sessionID
}

func (r *RedisStore) leaseKey(sessionID string) string {
	return leasePrefix + sessionID
}

func (r *RedisStore) Acquire(ctx context.Context, sessionID string) (*Lease, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	lease := newLease(sessionID, r.opts.now(), r.opts.leaseTTL)
	ok, err := r.client.SetNX(ctx, r.leaseKey(sessionID), lease.Token, r.opts.leaseTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease: %w", err)
	}
	if !ok {
		return nil, model.NewSessionError("acquire", sessionID, model.ErrConcurrentAccess, nil)
	}
	return lease, nil
}

// Load reads the document, extending its TTL when a session TTL is configured
func (r *RedisStore) Load(ctx context.Context, sessionID string) (*model.Session, error) {
	var cmd *redis.StringCmd
	if r.opts.sessionTTL > 0 {
		cmd = r.client.GetEx(ctx, r.key(sessionID), r.opts.sessionTTL)
	} else {
		cmd = r.client.Get(ctx, r.key(sessionID))
	}
	data, err := cmd.Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, model.NewSessionError("load", sessionID, model.ErrSessionNotFound, nil)
		}
		return nil, fmt.Errorf("failed to get session data: %w", err)
	}
	return decodeSession(sessionID, data)
}

func (r *RedisStore) Save(ctx context.Context, lease *Lease, session *model.Session) error {
	data, err := encodeSession(session)
	if err != nil {
		return err
	}
	docKey, leaseKey := r.key(session.ID), r.leaseKey(session.ID)

	txf := func(tx *redis.Tx) error {
		holder, err := tx.Get(ctx, leaseKey).Result()
		if errors.Is(err, redis.Nil) || (err == nil && holder != lease.Token) {
			return leaseLost("save", session.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to read lease: %w", err)
		}

		var stored uint64
		current, err := tx.Get(ctx, docKey).Bytes()
		switch {
		case err == nil:
			if stored, err = peekVersion(current); err != nil {
				return err
			}
		case !errors.Is(err, redis.Nil):
			return fmt.Errorf("failed to read current document: %w", err)
		}
		if err := checkVersion("save", session.ID, stored, session.Version); err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, docKey, data, r.opts.sessionTTL)
			if r.opts.leaseTTL > 0 {
				pipe.PExpire(ctx, leaseKey, r.opts.leaseTTL)
			}
			return nil
		})
		return err
	}

	err = r.client.Watch(ctx, txf, docKey, leaseKey)
	if errors.Is(err, redis.TxFailedErr) {
		return model.NewSessionError("save", session.ID, model.ErrConcurrentAccess, err)
	}
	if err != nil {
		return fmt.Errorf("failed to set session data: %w", err)
	}
	return nil
}

func (r *RedisStore) Release(ctx context.Context, lease *Lease) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.leaseKey(lease.SessionID)}, lease.Token).Err(); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// Ping tests Redis connection
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (r *RedisStore) Close() error {
	return r.client.Close()
}
