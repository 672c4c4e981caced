package storage

import (
	"context"
	"encoding/json"

	"github.com/juju/errors"
	"github.com/redis/go-redis/v9"

	"github.com/fleetgate/fleetgate/log2"
)

// Cache keeps the latest sample per device in redis so the relay
// confirmation poll and telemetry dedupe do not hit SQL on the hot path.
// All methods are nil-safe and best-effort: cache errors are logged, the
// caller falls back to SQL.
type Cache struct {
	rdb *redis.Client
	log *log2.Log
}

func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Annotate(err, "redis parse url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Annotate(err, "redis ping")
	}
	return client, nil
}

func NewCache(rdb *redis.Client, log *log2.Log) *Cache {
	return &Cache{rdb: rdb, log: log}
}

func keyStatus(imei string) string   { return "fleetgate:last:status:" + imei }
func keyLocation(imei string) string { return "fleetgate:last:location:" + imei }

func (c *Cache) putStatus(ctx context.Context, st *StatusSample) {
	c.put(ctx, keyStatus(st.IMEI), st)
}

func (c *Cache) getStatus(ctx context.Context, imei string) *StatusSample {
	st := &StatusSample{}
	if c.get(ctx, keyStatus(imei), st) {
		return st
	}
	return nil
}

func (c *Cache) putLocation(ctx context.Context, l *LocationSample) {
	c.put(ctx, keyLocation(l.IMEI), l)
}

func (c *Cache) getLocation(ctx context.Context, imei string) *LocationSample {
	l := &LocationSample{}
	if c.get(ctx, keyLocation(imei), l) {
		return l
	}
	return nil
}

func (c *Cache) put(ctx context.Context, key string, v interface{}) {
	if c == nil {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		c.log.Errorf("cache marshal key=%s err=%v", key, err)
		return
	}
	if err := c.rdb.Set(ctx, key, b, 0).Err(); err != nil {
		c.log.Errorf("cache set key=%s err=%v", key, err)
	}
}

func (c *Cache) get(ctx context.Context, key string, v interface{}) bool {
	if c == nil {
		return false
	}
	b, err := c.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		c.log.Errorf("cache get key=%s err=%v", key, err)
		return false
	}
	if err := json.Unmarshal(b, v); err != nil {
		c.log.Errorf("cache unmarshal key=%s err=%v", key, err)
		return false
	}
	return true
}
