// Package locks provides the per-upload critical section the resumable
// session protocol takes around the read-modify-write of received_bytes
// and the blob append (spec §4.C.5, §5 "shared-resource policy").
//
// Release is always token-checked: a holder can only release the lock it
// acquired, never a later holder's. A prior Redis-backed lock in this
// codebase's ancestry fell back to an unconditional DEL when the token
// was unset, letting a stale holder drop a live lock out from under its
// owner; that fallback is deliberately not reproduced here.
package locks

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	uploadredis "github.com/nmxmxh/uploadcore/pkg/redis"
)

var lockKeys = uploadredis.NewKeyBuilder("uploadcore", "upload")

// ErrNotHeld is returned by Release when the caller's token does not
// match the current holder (already expired, or released by this same
// caller already).
var ErrNotHeld = errors.New("locks: token does not match current holder")

// Lock is a Redis-backed mutual-exclusion lock scoped to a single key,
// identified by a random token so only its acquirer can release it.
type Lock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

const extendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate lock token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Acquire attempts to take the lock for key, blocking up to wait with a
// short poll interval before giving up. ttl bounds how long the lock is
// held if the holder crashes without releasing it.
func Acquire(ctx context.Context, client *redis.Client, key string, ttl, wait time.Duration) (*Lock, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(wait)
	const pollInterval = 20 * time.Millisecond

	for {
		ok, err := client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to attempt lock acquisition: %w", err)
		}
		if ok {
			return &Lock{client: client, key: key, token: token, ttl: ttl}, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("locks: timed out acquiring %s", key)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Release drops the lock if and only if it is still held by this token.
func (l *Lock) Release(ctx context.Context) error {
	n, err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Extend pushes the lock's expiry out by its configured TTL, for a
// holder whose critical section is running long (a large chunk write).
func (l *Lock) Extend(ctx context.Context) error {
	n, err := l.client.Eval(ctx, extendScript, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to extend lock: %w", err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// UploadKey derives the lock key for a session's critical section.
func UploadKey(uploadID string) string {
	return lockKeys.BuildLock("session", uploadID)
}
