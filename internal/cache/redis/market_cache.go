package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polysettle/internal/domain"
)

const defaultMarketTTL = 5 * time.Minute

// MarketCache implements domain.MarketCache using Redis hashes with JSON
// snapshots and a question-to-markets index.
//
// Key schema (inside the client namespace):
//
//	market:{address}          - hash with field "data" containing the snapshot
//	market:question:{qid}     - set of market addresses settling on qid
type MarketCache struct {
	c   *Client
	rdb *redis.Client
	ttl time.Duration
}

// NewMarketCache creates a MarketCache. A non-positive ttl selects the
// default of five minutes.
func NewMarketCache(c *Client, ttl time.Duration) *MarketCache {
	if ttl <= 0 {
		ttl = defaultMarketTTL
	}
	return &MarketCache{c: c, rdb: c.rdb, ttl: ttl}
}

func (mc *MarketCache) marketKey(addr common.Address) string {
	return mc.c.Key("market:" + addr.Hex())
}

func (mc *MarketCache) questionKey(qid common.Hash) string {
	return mc.c.Key("market:question:" + qid.Hex())
}

// Set stores a snapshot and indexes it under its question id.
func (mc *MarketCache) Set(ctx context.Context, snap domain.MarketSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis: marshal market %s: %w", snap.Address.Hex(), err)
	}

	key := mc.marketKey(snap.Address)
	qkey := mc.questionKey(snap.QuestionID)

	pipe := mc.rdb.TxPipeline()
	pipe.HSet(ctx, key, "data", data)
	pipe.Expire(ctx, key, mc.ttl)
	pipe.SAdd(ctx, qkey, snap.Address.Hex())
	pipe.Expire(ctx, qkey, mc.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set market %s: %w", snap.Address.Hex(), err)
	}
	return nil
}

// Get returns the cached snapshot, or domain.ErrNotFound.
func (mc *MarketCache) Get(ctx context.Context, addr common.Address) (domain.MarketSnapshot, error) {
	data, err := mc.rdb.HGet(ctx, mc.marketKey(addr), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.MarketSnapshot{}, domain.ErrNotFound
		}
		return domain.MarketSnapshot{}, fmt.Errorf("redis: get market %s: %w", addr.Hex(), err)
	}

	var snap domain.MarketSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("redis: unmarshal market %s: %w", addr.Hex(), err)
	}
	return snap, nil
}

// GetByQuestion returns the addresses of cached markets that settle on
// questionID. An unknown question yields an empty slice.
func (mc *MarketCache) GetByQuestion(ctx context.Context, questionID common.Hash) ([]common.Address, error) {
	members, err := mc.rdb.SMembers(ctx, mc.questionKey(questionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: get markets by question %s: %w", questionID.Hex(), err)
	}
	out := make([]common.Address, 0, len(members))
	for _, m := range members {
		out = append(out, common.HexToAddress(m))
	}
	return out, nil
}

// Invalidate removes a snapshot and its question index entry.
func (mc *MarketCache) Invalidate(ctx context.Context, addr common.Address) error {
	snap, err := mc.Get(ctx, addr)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("redis: invalidate market %s: %w", addr.Hex(), err)
	}

	pipe := mc.rdb.TxPipeline()
	pipe.Del(ctx, mc.marketKey(addr))
	if err == nil {
		pipe.SRem(ctx, mc.questionKey(snap.QuestionID), addr.Hex())
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: invalidate market %s: %w", addr.Hex(), err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.MarketCache = (*MarketCache)(nil)
