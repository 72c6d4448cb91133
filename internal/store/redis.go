package store

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const maxUpdateRetries = 64

var ErrUpdateConflict = errors.New("concurrent update retries exhausted")

type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// DialRedis connects and pings. A URL of the form redis://host:port/db takes
// precedence over addr and db.
func DialRedis(ctx context.Context, url, addr string, db int) (*Redis, error) {
	var opts *redis.Options
	if url != "" {
		parsed, err := redis.ParseURL(url)
		if err != nil {
			return nil, errors.Wrap(err, "parse redis url")
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: addr, DB: db}
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "ping redis at %s", opts.Addr)
	}
	return NewRedis(client), nil
}

func (r *Redis) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return 0, errors.Wrapf(err, "incr %s", key)
	}
	return incr.Val(), nil
}

func (r *Redis) GetFloat(ctx context.Context, key string) (float64, bool, error) {
	value, err := r.client.Get(ctx, key).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrapf(err, "get %s", key)
	}
	return value, true, nil
}

func (r *Redis) SetFloat(ctx context.Context, key string, value float64, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, formatFloat(value), ttl).Err(); err != nil {
		return errors.Wrapf(err, "set %s", key)
	}
	return nil
}

// Update runs fn inside a WATCH transaction and retries when another writer
// touched the key in between.
func (r *Redis) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) (float64, error) {
	var next float64
	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Float64()
		ok := err == nil
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		next = fn(current, ok)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, formatFloat(next), ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return next, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return 0, errors.Wrapf(err, "update %s", key)
	}
	return 0, errors.Wrapf(ErrUpdateConflict, "update %s", key)
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
