package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"hierarchyflow/internal/model"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const cachePrefix = "dir:"

// CachedDirectory is a read-through Redis cache in front of another Directory.
// Only positive lookups are cached; a missing principal is always asked again.
// Redis failures degrade to the wrapped directory.
type CachedDirectory struct {
	next   Directory
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

func NewCachedDirectory(next Directory, client *redis.Client, ttl time.Duration, log *zap.Logger) *CachedDirectory {
	if log == nil {
		log = zap.NewNop()
	}
	return &CachedDirectory{next: next, client: client, ttl: ttl, log: log}
}

// NewRedisClient parses a redis:// URL and checks the connection.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

func (c *CachedDirectory) get(ctx context.Context, key string, dst any) bool {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("directory cache read failed", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.log.Warn("directory cache entry corrupt", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

func (c *CachedDirectory) put(ctx context.Context, key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.log.Warn("directory cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *CachedDirectory) Assignments(ctx context.Context, principalID string) ([]model.RoleAssignment, error) {
	key := cachePrefix + "assign:" + principalID
	var grants []model.RoleAssignment
	if c.get(ctx, key, &grants) {
		return grants, nil
	}
	grants, err := c.next.Assignments(ctx, principalID)
	if err != nil {
		return nil, err
	}
	if len(grants) > 0 {
		c.put(ctx, key, grants)
	}
	return grants, nil
}

func (c *CachedDirectory) FindPrincipal(ctx context.Context, role model.Role, state, division string) (string, bool, error) {
	key := fmt.Sprintf("%sfind:%s:%s:%s", cachePrefix, role, state, division)
	var id string
	if c.get(ctx, key, &id) && id != "" {
		return id, true, nil
	}
	id, found, err := c.next.FindPrincipal(ctx, role, state, division)
	if err != nil || !found {
		return id, found, err
	}
	c.put(ctx, key, id)
	return id, true, nil
}

func (c *CachedDirectory) Divisions(ctx context.Context, state string) ([]string, error) {
	key := cachePrefix + "divisions:" + state
	var divisions []string
	if c.get(ctx, key, &divisions) {
		return divisions, nil
	}
	divisions, err := c.next.Divisions(ctx, state)
	if err != nil {
		return nil, err
	}
	if len(divisions) > 0 {
		c.put(ctx, key, divisions)
	}
	return divisions, nil
}

func (c *CachedDirectory) Principal(ctx context.Context, id string) (*model.Principal, error) {
	return c.next.Principal(ctx, id)
}

func (c *CachedDirectory) PrincipalByEmail(ctx context.Context, email string) (*model.Principal, error) {
	return c.next.PrincipalByEmail(ctx, email)
}

func (c *CachedDirectory) ListPrincipals(ctx context.Context, page, limit int) ([]model.Principal, int64, error) {
	return c.next.ListPrincipals(ctx, page, limit)
}

// Invalidate drops every cached directory entry, e.g. after a reseed.
func (c *CachedDirectory) Invalidate(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, cachePrefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan directory cache: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}
