package pinner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPinComputesContentAddress(t *testing.T) {
	store := NewMemoryStore()
	p := &Pinner{Store: store, Verify: true, BackoffBase: time.Millisecond, BackoffCap: time.Millisecond}

	data := []byte("rendition bytes")
	pin, err := p.Pin(context.Background(), data)
	require.NoError(t, err)

	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), pin.ContentAddress)
	assert.Equal(t, int64(len(data)), pin.Size)
}

func TestPinIsIdempotentUnderSameAddress(t *testing.T) {
	store := NewMemoryStore()
	p := &Pinner{Store: store, Verify: true, BackoffBase: time.Millisecond, BackoffCap: time.Millisecond}

	data := []byte("same bytes twice")
	first, err := p.Pin(context.Background(), data)
	require.NoError(t, err)
	second, err := p.Pin(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, first.ContentAddress, second.ContentAddress)
}

func TestPinRetriesTransientFailures(t *testing.T) {
	store := NewMemoryStore()
	store.FailPutUntil = 2
	p := &Pinner{Store: store, Verify: true, MaxAttempts: 5, BackoffBase: time.Millisecond, BackoffCap: time.Millisecond}

	_, err := p.Pin(context.Background(), []byte("flaky"))
	require.NoError(t, err)
}

func TestPinSurfacesTerminalFailureAfterMaxAttempts(t *testing.T) {
	store := NewMemoryStore()
	store.FailPutUntil = 100
	p := &Pinner{Store: store, Verify: true, MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffCap: time.Millisecond}

	_, err := p.Pin(context.Background(), []byte("always flaky"))
	require.Error(t, err)
	var pinErr *PinError
	assert.ErrorAs(t, err, &pinErr)
}
