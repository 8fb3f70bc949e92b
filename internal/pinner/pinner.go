// Package pinner moves a finished rendition set into durable,
// content-addressed storage keyed by the SHA-256 of its bytes, verifying
// the write before the session is allowed to advance past the pinning
// step (spec §4.F "content-address pinner").
package pinner

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/nmxmxh/uploadcore/internal/errcode"
)

// ErrVerifyFailed is returned when a pinned object's readback does not
// match the digest computed before the write.
var ErrVerifyFailed = errors.New("pinner: verification readback mismatch")

// Pin identifies durable, content-addressed bytes.
type Pin struct {
	ContentAddress string
	Size           int64
}

// Store is the content-addressed backing store a Pinner writes through.
// Put must be idempotent under the same address: re-pinning identical
// bytes to an address that already exists is a no-op success.
type Store interface {
	Put(ctx context.Context, address string, r io.Reader, size int64) error
	Get(ctx context.Context, address string) (io.ReadCloser, error)
	Exists(ctx context.Context, address string) (bool, error)
}

// PinError wraps a non-retryable pinning failure with errcode.PinFailed.
type PinError struct{ Err error }

func (e *PinError) Error() string { return fmt.Sprintf("%s: %v", errcode.PinFailed, e.Err) }
func (e *PinError) Unwrap() error { return e.Err }

// Pinner hashes and writes bytes to a content-addressed Store, retrying
// transient store failures with bounded exponential backoff before
// surfacing a terminal errcode.PinFailed (spec §4.F, §9 "bounded retries").
type Pinner struct {
	Store  Store
	Verify bool
	Log    *zap.Logger

	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Pin computes the SHA-256 content address of data, writes it to the
// store, and — if Verify is set — reads it back to confirm the digest
// matches before returning.
func (p *Pinner) Pin(ctx context.Context, data []byte) (Pin, error) {
	sum := sha256.Sum256(data)
	address := hex.EncodeToString(sum[:])
	size := int64(len(data))

	op := func() error {
		exists, err := p.Store.Exists(ctx, address)
		if err != nil {
			return err
		}
		if !exists {
			if err := p.Store.Put(ctx, address, bytes.NewReader(data), size); err != nil {
				return err
			}
		}
		if p.Verify {
			return p.verify(ctx, address, sum)
		}
		return nil
	}

	b := backoff.WithContext(p.backoffPolicy(), ctx)
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if attempt > p.maxAttempts() {
			return backoff.Permanent(fmt.Errorf("exceeded %d attempts", p.maxAttempts()))
		}
		return op()
	}, b)
	if err != nil {
		if p.Log != nil {
			p.Log.Warn("pin failed", zap.String("address", address), zap.Error(err))
		}
		return Pin{}, &PinError{Err: err}
	}
	return Pin{ContentAddress: address, Size: size}, nil
}

func (p *Pinner) verify(ctx context.Context, address string, want [32]byte) error {
	rc, err := p.Store.Get(ctx, address)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, rc); err != nil {
		return err
	}
	var got [32]byte
	copy(got[:], h.Sum(nil))
	if got != want {
		return ErrVerifyFailed
	}
	return nil
}

func (p *Pinner) maxAttempts() int {
	if p.MaxAttempts > 0 {
		return p.MaxAttempts
	}
	return 3
}

func (p *Pinner) backoffPolicy() backoff.BackOff {
	base := p.BackoffBase
	if base <= 0 {
		base = 5 * time.Second
	}
	cap := p.BackoffCap
	if cap <= 0 {
		cap = 10 * time.Minute
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = base
	eb.Multiplier = 2
	eb.MaxInterval = cap
	eb.MaxElapsedTime = 0
	return eb
}
