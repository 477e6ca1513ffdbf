package config

import (
	"context"
	"fmt"

	"github.com/absfs/vaultfs"
	"github.com/absfs/vaultfs/backend"
	"github.com/absfs/vaultfs/backend/s3"
	"github.com/absfs/vaultfs/backend/sqlstore"
	"github.com/absfs/vaultfs/redislock"
)

func nopClose() error { return nil }

// OpenBackend builds the backend selected by backend.type. The returned
// close function releases connections held by the backend.
func (c *Config) OpenBackend(ctx context.Context) (backend.Backend, func() error, error) {
	switch c.Backend.Type {
	case BackendDisk:
		be, err := backend.NewDisk(c.Backend.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open disk backend: %w", err)
		}
		return be, nopClose, nil

	case BackendMemory:
		be, err := backend.NewMemory()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open memory backend: %w", err)
		}
		return be, nopClose, nil

	case BackendS3:
		be, err := s3.NewAdapter(ctx, s3.Config{
			Endpoint:        c.Backend.S3.Endpoint,
			Region:          c.Backend.S3.Region,
			Bucket:          c.Backend.S3.Bucket,
			Prefix:          c.Backend.S3.Prefix,
			AccessKeyID:     c.Backend.S3.AccessKeyID,
			SecretAccessKey: c.Backend.S3.SecretAccessKey,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open s3 backend: %w", err)
		}
		return be, nopClose, nil

	case BackendSQL:
		st, err := sqlstore.Open(ctx, sqlstore.Config{
			Driver: c.Backend.SQL.Driver,
			DSN:    c.Backend.SQL.DSN,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sql backend: %w", err)
		}
		return st, st.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported backend type: %q", c.Backend.Type)
	}
}

// OpenLocker returns a Redis lock when lock.redis_url is set and an
// in-process lock otherwise
func (c *Config) OpenLocker(ctx context.Context) (vaultfs.Locker, func() error, error) {
	if c.Lock.RedisURL == "" {
		return vaultfs.NewKeyedLocker(), nopClose, nil
	}
	l, err := redislock.New(ctx, redislock.Config{
		RedisURL: c.Lock.RedisURL,
		Prefix:   c.Lock.Prefix,
		TTL:      c.Lock.TTL,
	})
	if err != nil {
		return nil, nil, err
	}
	return l, l.Close, nil
}
