package redis

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"hackthestudy/internal/domain"
	"hackthestudy/internal/domain/model"
	"hackthestudy/internal/domain/ports/repository"
)

// Lease records live in a hash at lock:<session> with fields
// owner, host, pid, acquired_at (unix ms) and the key's PTTL as expiry.

var luaAcquire = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("HSET", KEYS[1], "owner", ARGV[1], "host", ARGV[2], "pid", ARGV[3], "acquired_at", ARGV[4])
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return 1`)

var luaRenew = redis.NewScript(`
if redis.call("HGET", KEYS[1], "owner") == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`)

var luaRelease = redis.NewScript(`
if redis.call("HGET", KEYS[1], "owner") == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)

var _ repository.LeaseManager = (*LeaseManager)(nil)

type LeaseManager struct {
	cli  *redis.Client
	host string
	pid  int
	now  func() time.Time
}

func NewLeaseManager(c *Client) *LeaseManager {
	host, _ := os.Hostname()
	return &LeaseManager{cli: c.cli, host: host, pid: os.Getpid(), now: time.Now}
}

func (l *LeaseManager) Acquire(ctx context.Context, sessionID string, ttl time.Duration) (*model.Lease, error) {
	token := uuid.NewString()
	now := l.now()
	ok, err := luaAcquire.Run(ctx, l.cli, []string{lockKey(sessionID)},
		token, l.host, l.pid, now.UnixMilli(), ttl.Milliseconds()).Int()
	if err != nil {
		return nil, err
	}
	if ok == 0 {
		return nil, domain.ErrLockConflict
	}
	return &model.Lease{
		SessionID:  sessionID,
		OwnerToken: token,
		Host:       l.host,
		PID:        l.pid,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}, nil
}

func (l *LeaseManager) Renew(ctx context.Context, sessionID, ownerToken string, ttl time.Duration) (bool, error) {
	n, err := luaRenew.Run(ctx, l.cli, []string{lockKey(sessionID)}, ownerToken, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release is idempotent: a missing or foreign lease yields false, nil.
func (l *LeaseManager) Release(ctx context.Context, sessionID, ownerToken string) (bool, error) {
	n, err := luaRelease.Run(ctx, l.cli, []string{lockKey(sessionID)}, ownerToken).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *LeaseManager) Holder(ctx context.Context, sessionID string) (*model.Lease, error) {
	key := lockKey(sessionID)
	var (
		fields *redis.StringStringMapCmd
		pttl   *redis.DurationCmd
	)
	_, err := l.cli.TxPipelined(ctx, func(p redis.Pipeliner) error {
		fields = p.HGetAll(ctx, key)
		pttl = p.PTTL(ctx, key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	m := fields.Val()
	if len(m) == 0 || m["owner"] == "" {
		return nil, nil
	}
	pid, _ := strconv.Atoi(m["pid"])
	acq, _ := strconv.ParseInt(m["acquired_at"], 10, 64)
	lease := &model.Lease{
		SessionID:  sessionID,
		OwnerToken: m["owner"],
		Host:       m["host"],
		PID:        pid,
		AcquiredAt: time.UnixMilli(acq),
	}
	if d := pttl.Val(); d > 0 {
		lease.ExpiresAt = l.now().Add(d)
	}
	return lease, nil
}

// ForceExpire drops the lease regardless of owner. Only the reaper uses it.
func (l *LeaseManager) ForceExpire(ctx context.Context, sessionID string) error {
	return l.cli.Del(ctx, lockKey(sessionID)).Err()
}
