package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Registry caches endpoint health so Channel.getConnection can skip
// dialing an address other processes have already marked down, grounded
// on the teacher's Redis connection pool used for cross-process shared
// state.
type Registry struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRegistry wraps an existing redis.Cmdable (a *redis.Client, a
// *redis.ClusterClient, or a miniredis-backed client in tests).
func NewRegistry(client redis.Cmdable, prefix string, ttl time.Duration) *Registry {
	if prefix == "" {
		prefix = "callcore:endpoint:"
	}
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	return &Registry{client: client, prefix: prefix, ttl: ttl}
}

// MarkDown records endpoint as unhealthy for the registry's TTL.
func (r *Registry) MarkDown(ctx context.Context, endpoint string) error {
	return r.client.Set(ctx, r.key(endpoint), "down", r.ttl).Err()
}

// MarkUp clears a prior down marking for endpoint.
func (r *Registry) MarkUp(ctx context.Context, endpoint string) error {
	return r.client.Del(ctx, r.key(endpoint)).Err()
}

// IsDown reports whether another process has recently marked endpoint
// unhealthy.
func (r *Registry) IsDown(ctx context.Context, endpoint string) (bool, error) {
	_, err := r.client.Get(ctx, r.key(endpoint)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *Registry) key(endpoint string) string {
	return fmt.Sprintf("%s%s", r.prefix, endpoint)
}
