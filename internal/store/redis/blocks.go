// Package redis keeps block timestamps in Redis so later runs can skip the
// explorer probes an earlier run already made.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/emperorhan/volume-backfill/internal/domain/model"
	goredis "github.com/redis/go-redis/v9"
)

const keyPrefix = "backfill:block:"

// Client opens and pings a Redis client from a redis:// URL.
func Client(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

type commands interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
}

// BlockStore maps heights of one chain to block times, stored as unix
// seconds under backfill:block:<chain>:<height>.
type BlockStore struct {
	rdb   commands
	chain string
	ttl   time.Duration
}

// NewBlockStore returns a store for chain. A ttl of zero keeps keys forever.
func NewBlockStore(rdb commands, chain string, ttl time.Duration) *BlockStore {
	return &BlockStore{rdb: rdb, chain: chain, ttl: ttl}
}

func (s *BlockStore) key(height int64) string {
	return keyPrefix + s.chain + ":" + strconv.FormatInt(height, 10)
}

// Get reports ok=false when the height has not been stored.
func (s *BlockStore) Get(ctx context.Context, height int64) (model.BlockInfo, bool, error) {
	raw, err := s.rdb.Get(ctx, s.key(height)).Result()
	if errors.Is(err, goredis.Nil) {
		return model.BlockInfo{}, false, nil
	}
	if err != nil {
		return model.BlockInfo{}, false, fmt.Errorf("get block %d: %w", height, err)
	}
	unix, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || unix <= 0 {
		return model.BlockInfo{}, false, fmt.Errorf("block %d: bad stored value %q", height, raw)
	}
	return model.BlockInfo{Height: height, Time: time.Unix(unix, 0).UTC()}, true, nil
}

// Put stores b. Blocks without a time are ignored.
func (s *BlockStore) Put(ctx context.Context, b model.BlockInfo) error {
	if !b.HasTime() {
		return nil
	}
	if err := s.rdb.Set(ctx, s.key(b.Height), strconv.FormatInt(b.Time.Unix(), 10), s.ttl).Err(); err != nil {
		return fmt.Errorf("set block %d: %w", b.Height, err)
	}
	return nil
}
