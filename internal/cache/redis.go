package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-sync/internal/models"
)

const DefaultTTL = 24 * time.Hour

// putIfNewer replaces the hash only when the incoming snapshot orders after
// the stored one. ARGV[1] is the version and ARGV[2] a fixed-width
// updated_at stamp, used only when neither side has a version.
var putIfNewer = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'version', 'updated')
if cur[1] then
  local v, nv = tonumber(cur[1]), tonumber(ARGV[1])
  if v ~= 0 or nv ~= 0 then
    if nv <= v then
      return 0
    end
  elseif ARGV[2] <= (cur[2] or '') then
    return 0
  end
end
redis.call('HSET', KEYS[1], 'version', ARGV[1], 'updated', ARGV[2], 'status', ARGV[3], 'snapshot', ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`)

// updatedStamp sorts lexically in time order for any time after 1970.
func updatedStamp(t time.Time) string {
	if t.IsZero() {
		return strings.Repeat("0", 20)
	}
	return fmt.Sprintf("%020d", t.UnixNano())
}

type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedis(addr, password string) *Redis {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &Redis{client: c, prefix: "ride:snapshot:", ttl: DefaultTTL}
}

func NewRedisFromClient(c *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: c, prefix: "ride:snapshot:", ttl: ttl}
}

func (r *Redis) key(rideID string) string { return r.prefix + rideID }

func (r *Redis) Put(ctx context.Context, snap models.RideSnapshot) (bool, error) {
	b, err := json.Marshal(snap)
	if err != nil {
		return false, err
	}
	n, err := putIfNewer.Run(ctx, r.client, []string{r.key(snap.ID)}, snap.Version, updatedStamp(snap.UpdatedAt), string(snap.Status), b, r.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("cache snapshot %s: %w", snap.ID, err)
	}
	return n == 1, nil
}

func (r *Redis) Get(ctx context.Context, rideID string) (models.RideSnapshot, bool, error) {
	raw, err := r.client.HGet(ctx, r.key(rideID), "snapshot").Result()
	if errors.Is(err, redis.Nil) {
		return models.RideSnapshot{}, false, nil
	}
	if err != nil {
		return models.RideSnapshot{}, false, err
	}
	var s models.RideSnapshot
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return models.RideSnapshot{}, false, fmt.Errorf("decode cached snapshot %s: %w", rideID, err)
	}
	return s, true, nil
}

func (r *Redis) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *Redis) Close() error { return r.client.Close() }
