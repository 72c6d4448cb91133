package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   1, // Use DB 1 for testing
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		t.Skip("Redis not available for testing")
	}
	r := NewRedis(client)
	t.Cleanup(func() { r.Close() })
	return r
}

func stores(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"redis":  func(t *testing.T) Store { return setupTestRedis(t) },
	}
}

func testKey(name string) string {
	return "test:" + uuid.NewString() + ":" + name
}

func TestIncrCountsAndExpires(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			key := testKey("rate")

			for i := int64(1); i <= 3; i++ {
				n, err := s.Incr(ctx, key, time.Minute)
				require.NoError(t, err)
				require.Equal(t, i, n)
			}
			value, ok, err := s.GetFloat(ctx, key)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, 3.0, value)
		})
	}
}

func TestGetMissing(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := open(t).GetFloat(context.Background(), testKey("missing"))
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestUpdateIsAtomic(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			key := testKey("ema")

			var wg sync.WaitGroup
			for i := 0; i < 25; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := s.Update(ctx, key, time.Hour, func(current float64, ok bool) float64 {
						return current + 1
					})
					require.NoError(t, err)
				}()
			}
			wg.Wait()

			value, ok, err := s.GetFloat(ctx, key)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, 25.0, value)
		})
	}
}

func TestConcurrentIncrLosesNothing(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Incr(ctx, "rate:fp", time.Minute)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	value, _, _ := s.GetFloat(ctx, "rate:fp")
	require.Equal(t, 100.0, value)
}

func TestMemoryExpiry(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemory().WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, s.SetFloat(ctx, "velocity:fp", 350, time.Hour))
	_, err := s.Incr(ctx, "rate:fp", time.Minute)
	require.NoError(t, err)

	now = now.Add(61 * time.Second)
	_, ok, _ := s.GetFloat(ctx, "rate:fp")
	require.False(t, ok)
	value, ok, _ := s.GetFloat(ctx, "velocity:fp")
	require.True(t, ok)
	require.Equal(t, 350.0, value)

	n, err := s.Incr(ctx, "rate:fp", time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	updated, err := s.Update(ctx, "velocity:fp", time.Hour, func(current float64, ok bool) float64 {
		require.True(t, ok)
		return current * 2
	})
	require.NoError(t, err)
	require.Equal(t, 700.0, updated)
}
