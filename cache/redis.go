package cache

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"prism-sync/domain"
)

const (
	tasksCachePrefix = "tc"
	cacheVersion     = 1
	scanBatch        = 100
)

type cachedEntry struct {
	Version int `json:"version"`
	Entry
}

// Redis stores entries as versioned JSON documents keyed by owner and filter.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
	log    *log.Logger
}

// NewRedis creates a Redis backed cache. A non-positive ttl selects DefaultTTL.
func NewRedis(client *redis.Client, ttl time.Duration, logger *log.Logger) *Redis {
	if client == nil {
		panic("cache.NewRedis: redis client is nil")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Redis{client: client, ttl: ttl, now: time.Now, log: logger}
}

func (c *Redis) Get(ctx context.Context, owner string, f domain.Filter) ([]domain.Task, bool) {
	f = f.Normalize()
	key := cacheKey(owner, f)
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.WithError(err).WithField("owner", owner).Warn("read cache unavailable")
		}
		return nil, false
	}
	var e cachedEntry
	if err := sonic.Unmarshal(data, &e); err != nil || e.Version != cacheVersion {
		_ = c.client.Del(ctx, key).Err()
		return nil, false
	}
	if !e.fresh(c.now(), c.ttl, f) {
		return nil, false
	}
	return cloneTasks(e.Tasks), true
}

func (c *Redis) Set(ctx context.Context, owner string, f domain.Filter, tasks []domain.Task) {
	f = f.Normalize()
	payload := cachedEntry{
		Version: cacheVersion,
		Entry:   Entry{Tasks: cloneTasks(tasks), StoredAt: c.now().UTC(), Filter: f},
	}
	data, err := sonic.Marshal(payload)
	if err != nil {
		c.log.WithError(err).WithField("owner", owner).Error("failed to marshal read cache entry")
		return
	}
	if err := c.client.Set(ctx, cacheKey(owner, f), data, c.ttl).Err(); err != nil {
		c.log.WithError(err).WithField("owner", owner).Error("failed to store read cache entry")
	}
}

// Invalidate removes every key under the owner's prefix.
func (c *Redis) Invalidate(ctx context.Context, owner string) error {
	match := globEscape(ownerPrefix(owner)) + "*"
	iter := c.client.Scan(ctx, 0, match, scanBatch).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) == scanBatch {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) > 0 {
		return c.client.Del(ctx, keys...).Err()
	}
	return nil
}

// ownerPrefix starts every key of owner. The length segment keeps one owner's prefix
// from being a prefix of another owner's keys.
func ownerPrefix(owner string) string {
	return tasksCachePrefix + ":" + strconv.Itoa(len(owner)) + ":" + owner + ":"
}

func cacheKey(owner string, f domain.Filter) string {
	return ownerPrefix(owner) + f.Key()
}

func globEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
