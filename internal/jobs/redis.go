package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures a Redis persister.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisPersister stores each job as a JSON string under <prefix>job:<id> and
// keeps a sorted set <prefix>jobs scored by submission sequence.
type RedisPersister struct {
	client redis.UniversalClient
	prefix string
}

// OpenRedis connects and pings the server.
func OpenRedis(ctx context.Context, o RedisOptions) (*RedisPersister, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     o.Addr,
		Password: o.Password,
		DB:       o.DB,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: connect %s: %w", o.Addr, err)
	}
	return NewRedisPersister(client, o.KeyPrefix), nil
}

// NewRedisPersister wraps an existing client. An empty prefix becomes
// "meshd:".
func NewRedisPersister(client redis.UniversalClient, prefix string) *RedisPersister {
	if prefix == "" {
		prefix = "meshd:"
	}
	return &RedisPersister{client: client, prefix: prefix}
}

func (p *RedisPersister) jobKey(id string) string { return p.prefix + "job:" + id }
func (p *RedisPersister) indexKey() string { return p.prefix + "jobs" }

func (p *RedisPersister) Save(ctx context.Context, j Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("redis: marshal job %s: %w", j.ID, err)
	}
	pipe := p.client.TxPipeline()
	pipe.Set(ctx, p.jobKey(j.ID), data, 0)
	pipe.ZAdd(ctx, p.indexKey(), redis.Z{Score: float64(j.Seq), Member: j.ID})
	_, err = pipe.Exec(ctx)
	return err
}

func (p *RedisPersister) Delete(ctx context.Context, id string) error {
	pipe := p.client.TxPipeline()
	pipe.Del(ctx, p.jobKey(id))
	pipe.ZRem(ctx, p.indexKey(), id)
	_, err := pipe.Exec(ctx)
	return err
}

// LoadAll returns jobs in submission order. Index entries whose record is
// gone are dropped from the index.
func (p *RedisPersister) LoadAll(ctx context.Context) ([]Job, error) {
	ids, err := p.client.ZRange(ctx, p.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list jobs: %w", err)
	}
	out := make([]Job, 0, len(ids))
	for _, id := range ids {
		data, err := p.client.Get(ctx, p.jobKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			p.client.ZRem(ctx, p.indexKey(), id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis: get job %s: %w", id, err)
		}
		var j Job
		if err := json.Unmarshal(data, &j); err != nil {
			return nil, fmt.Errorf("redis: decode job %s: %w", id, err)
		}
		out = append(out, j)
	}
	return out, nil
}

func (p *RedisPersister) Close() error { return p.client.Close() }
