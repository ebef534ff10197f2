package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker grants short-lived exclusive leases on dunning executions so
// that overlapping scans in different replicas do not dispatch the same
// execution twice. The database claim remains the source of truth.
type Locker struct {
	client *redis.Client
	ttl    time.Duration
	owner  string
}

// NewLocker creates a locker identified by owner (typically the
// instance hostname plus a random suffix).
func NewLocker(client *redis.Client, ttl time.Duration, owner string) *Locker {
	if owner == "" {
		owner = uuid.NewString()
	}
	return &Locker{client: client, ttl: ttl, owner: owner}
}

func key(executionID uuid.UUID) string {
	return "dunning:lease:" + executionID.String()
}

// Acquire takes the lease for an execution. It returns false when
// another holder already has it.
func (l *Locker) Acquire(ctx context.Context, executionID uuid.UUID) (bool, error) {
	ok, err := l.client.SetNX(ctx, key(executionID), l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquiring lease for %s: %w", executionID, err)
	}
	return ok, nil
}

// Release drops the lease if this locker still holds it. A lease held
// by another owner is left alone.
func (l *Locker) Release(ctx context.Context, executionID uuid.UUID) error {
	const script = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`
	if err := l.client.Eval(ctx, script, []string{key(executionID)}, l.owner).Err(); err != nil {
		return fmt.Errorf("releasing lease for %s: %w", executionID, err)
	}
	return nil
}
