package session

import (
	"context"
	"time"

	uploadredis "github.com/nmxmxh/uploadcore/pkg/redis"
)

// cacheTTL bounds how stale a cached Get can be; short enough that a
// client polling status (spec §6.1, §7 "the client discovers them by
// polling status") never waits much longer than this for a state change
// it would otherwise have seen immediately from the database.
const cacheTTL = 2 * time.Second

// CachingRepository wraps a Repository with a Redis read-through cache in
// front of Get, the endpoint status polling hits hardest. Every mutating
// call invalidates its target upload_id's cache entry before returning,
// so a poller never observes a state the mutation that produced it
// hasn't committed yet.
type CachingRepository struct {
	Repository
	cache *uploadredis.Cache
}

// NewCachingRepository wraps repo with cache. cache may be nil, in which
// case the wrapper degrades to calling through to repo directly — useful
// for tests and for deployments that run without a dedicated cache pool.
func NewCachingRepository(repo Repository, cache *uploadredis.Cache) *CachingRepository {
	return &CachingRepository{Repository: repo, cache: cache}
}

func (c *CachingRepository) Get(ctx context.Context, uploadID string) (*Session, error) {
	if c.cache == nil {
		return c.Repository.Get(ctx, uploadID)
	}
	var s Session
	if err := c.cache.Get(ctx, uploadID, "", &s); err == nil {
		return &s, nil
	}

	s2, err := c.Repository.Get(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	_ = c.cache.Set(ctx, uploadID, "", s2, cacheTTL)
	return s2, nil
}

func (c *CachingRepository) invalidate(ctx context.Context, uploadID string) {
	if c.cache == nil {
		return
	}
	_ = c.cache.Delete(ctx, uploadID, "")
}

func (c *CachingRepository) UpdateProgress(ctx context.Context, uploadID string, expectedReceivedBytes, newReceivedBytes int64, next State, now time.Time) (*Session, error) {
	defer c.invalidate(ctx, uploadID)
	return c.Repository.UpdateProgress(ctx, uploadID, expectedReceivedBytes, newReceivedBytes, next, now)
}

func (c *CachingRepository) CompareAndSetState(ctx context.Context, uploadID string, from, to State, now time.Time) (bool, error) {
	defer c.invalidate(ctx, uploadID)
	return c.Repository.CompareAndSetState(ctx, uploadID, from, to, now)
}

func (c *CachingRepository) Fail(ctx context.Context, uploadID, errorCode string, now time.Time) error {
	defer c.invalidate(ctx, uploadID)
	return c.Repository.Fail(ctx, uploadID, errorCode, now)
}

func (c *CachingRepository) AttachPin(ctx context.Context, uploadID string, pin PinRecord) error {
	defer c.invalidate(ctx, uploadID)
	return c.Repository.AttachPin(ctx, uploadID, pin)
}

func (c *CachingRepository) AppendWarning(ctx context.Context, uploadID string, w Warning) error {
	defer c.invalidate(ctx, uploadID)
	return c.Repository.AppendWarning(ctx, uploadID, w)
}

func (c *CachingRepository) SetDraftID(ctx context.Context, uploadID, draftID string) error {
	defer c.invalidate(ctx, uploadID)
	return c.Repository.SetDraftID(ctx, uploadID, draftID)
}

func (c *CachingRepository) Delete(ctx context.Context, uploadID string) error {
	defer c.invalidate(ctx, uploadID)
	return c.Repository.Delete(ctx, uploadID)
}

var _ Repository = (*CachingRepository)(nil)
