package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SlotLocker provides single-attempt distributed mutual exclusion keyed by
// slot. Acquire never blocks or retries; a contended key is reported to the
// caller, who decides what a failed acquisition means.
type SlotLocker struct {
	client *redis.Client
}

func NewSlotLocker(client *redis.Client) *SlotLocker {
	return &SlotLocker{client: client}
}

// Acquire attempts an atomic set-if-absent with the given lease. On success
// it returns the random ownership token needed to release the lock. ok=false
// with a nil error means another holder owns the key.
func (l *SlotLocker) Acquire(ctx context.Context, key string, lease time.Duration) (token string, ok bool, err error) {
	token = uuid.NewString()

	ok, err = l.client.SetNX(ctx, key, token, lease).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire slot lock: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// unlockScript deletes the key only while it still holds our token. Checking
// and deleting in two round trips would race against lease expiry followed by
// re-acquisition, so both happen server-side in one script.
var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

// Release removes the lock if the caller still owns it. Releasing an expired
// or re-acquired lock is a no-op, not an error.
func (l *SlotLocker) Release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release slot lock: %w", err)
	}
	return nil
}
