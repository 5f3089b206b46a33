package apiclient

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNoPersistedSession is returned by SessionPersister.Load when nothing is
// stored.
var ErrNoPersistedSession = errors.New("apiclient: no persisted session")

// SessionPersister stores one opaque (already sealed) session blob. Delete
// must succeed when nothing is stored.
type SessionPersister interface {
	Save(ctx context.Context, payload []byte) error
	Load(ctx context.Context) ([]byte, error)
	Delete(ctx context.Context) error
}

// FilePersister keeps the blob in a single file readable only by the owner.
type FilePersister struct {
	path string
}

// NewFilePersister stores the session at path; parent directories are created
// on first save.
func NewFilePersister(path string) *FilePersister {
	return &FilePersister{path: path}
}

func (p *FilePersister) Save(_ context.Context, payload []byte) error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o700); err != nil {
		return err
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, p.path)
}

func (p *FilePersister) Load(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoPersistedSession
	}
	return data, err
}

func (p *FilePersister) Delete(_ context.Context) error {
	err := os.Remove(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// RedisPersister keeps the blob under a single redis key, for deployments
// where the portal session outlives the process host.
type RedisPersister struct {
	rdb redis.UniversalClient
	key string
	ttl time.Duration
}

// NewRedisPersister stores the session under key. A ttl of zero keeps it
// until deleted.
func NewRedisPersister(rdb redis.UniversalClient, key string, ttl time.Duration) *RedisPersister {
	return &RedisPersister{rdb: rdb, key: key, ttl: ttl}
}

func (p *RedisPersister) Save(ctx context.Context, payload []byte) error {
	if err := p.rdb.Set(ctx, p.key, payload, p.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", p.key, err)
	}
	return nil
}

func (p *RedisPersister) Load(ctx context.Context) ([]byte, error) {
	data, err := p.rdb.Get(ctx, p.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoPersistedSession
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", p.key, err)
	}
	return data, nil
}

func (p *RedisPersister) Delete(ctx context.Context) error {
	if err := p.rdb.Del(ctx, p.key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", p.key, err)
	}
	return nil
}
