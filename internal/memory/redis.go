package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/user/agentcore/internal/types"
)

// RedisStore keeps the ledger of one scope as a JSON string and handoffs as
// JSON strings indexed by a sorted set scored by creation time.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Client *redis.Client
	// Scope namespaces the keys, typically the working directory.
	Scope string
	// Prefix defaults to "agentcore".
	Prefix string
}

// NewRedisStore validates opts and returns a store.
func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "agentcore"
	}
	if opts.Scope != "" {
		prefix += ":" + opts.Scope
	}
	return &RedisStore{client: opts.Client, prefix: prefix}, nil
}

// DialRedis parses a redis:// URL and pings the server.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	c := redis.NewClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return c, nil
}

func (r *RedisStore) ledgerKey() string           { return r.prefix + ":ledger" }
func (r *RedisStore) indexKey() string            { return r.prefix + ":handoffs" }
func (r *RedisStore) handoffKey(id string) string { return r.prefix + ":handoff:" + id }

// ReadLedger returns the encoded ledger, or nil if none was written yet.
func (r *RedisStore) ReadLedger(ctx context.Context) ([]byte, error) {
	data, err := r.client.Get(ctx, r.ledgerKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return data, err
}

// WriteLedger replaces the ledger value.
func (r *RedisStore) WriteLedger(ctx context.Context, data []byte) error {
	return r.client.Set(ctx, r.ledgerKey(), data, 0).Err()
}

// Create stores h and indexes it by creation time.
func (r *RedisStore) Create(ctx context.Context, h *Handoff) (types.HandoffID, error) {
	if err := prepareHandoff(h); err != nil {
		return "", err
	}
	data, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("marshal handoff: %w", err)
	}
	ok, err := r.client.SetNX(ctx, r.handoffKey(string(h.ID)), data, 0).Result()
	if err != nil {
		return "", fmt.Errorf("store handoff: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("handoff %s already exists", h.ID)
	}
	score := float64(h.CreatedAt.UnixNano())
	if err := r.client.ZAdd(ctx, r.indexKey(), redis.Z{Score: score, Member: string(h.ID)}).Err(); err != nil {
		return "", fmt.Errorf("index handoff: %w", err)
	}
	return h.ID, nil
}

// Get reads one handoff.
func (r *RedisStore) Get(ctx context.Context, id types.HandoffID) (*Handoff, error) {
	data, err := r.client.Get(ctx, r.handoffKey(string(id))).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrHandoffNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get handoff: %w", err)
	}
	var h Handoff
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("unmarshal handoff: %w", err)
	}
	return &h, nil
}

// GetRecent returns up to n handoffs, newest first.
func (r *RedisStore) GetRecent(ctx context.Context, n int) ([]*Handoff, error) {
	if n == 0 {
		return nil, nil
	}
	stop := int64(n - 1)
	if n < 0 {
		stop = -1
	}
	ids, err := r.client.ZRevRange(ctx, r.indexKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list handoffs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.handoffKey(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load handoffs: %w", err)
	}
	out := make([]*Handoff, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var h Handoff
		if err := json.Unmarshal([]byte(s), &h); err != nil {
			return nil, fmt.Errorf("unmarshal handoff: %w", err)
		}
		out = append(out, &h)
	}
	return out, nil
}

// Prune deletes handoffs older than cutoff beyond the keep most recent.
func (r *RedisStore) Prune(ctx context.Context, cutoff time.Time, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	candidates, err := r.client.ZRevRangeWithScores(ctx, r.indexKey(), int64(keep), -1).Result()
	if err != nil {
		return 0, fmt.Errorf("list handoffs: %w", err)
	}
	limit := float64(cutoff.UnixNano())
	var members []any
	var keys []string
	for _, z := range candidates {
		if z.Score >= limit {
			continue
		}
		id, _ := z.Member.(string)
		members = append(members, id)
		keys = append(keys, r.handoffKey(id))
	}
	if len(members) == 0 {
		return 0, nil
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, r.indexKey(), members...)
		pipe.Del(ctx, keys...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune handoffs: %w", err)
	}
	return len(members), nil
}
