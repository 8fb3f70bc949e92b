package blobstore

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type azureUploadState struct {
	mu        sync.Mutex
	blockIDs  []string
	size      int64
	completed bool
}

// AzureStore is an alternate Store implementation backed by Azure block
// blobs, staging each appended chunk with StageBlock and durably
// publishing the object with CommitBlockList on Finalize — directly
// mirroring the upload path of the platform's own media pipeline.
type AzureStore struct {
	containerClient *container.Client
	log             *zap.Logger
	breaker         *gobreaker.CircuitBreaker

	mu      sync.Mutex
	uploads map[string]*azureUploadState
}

// NewAzureStore creates a Store against the given container, authenticated
// with a shared-key credential.
func NewAzureStore(accountName, accountKey, containerName string, log *zap.Logger) (*AzureStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cred, err := azblobSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to build shared key credential: %w", err)
	}
	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", accountName)
	containerClient, err := container.NewClientWithSharedKeyCredential(serviceURL+containerName, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create container client: %w", err)
	}
	return &AzureStore{
		containerClient: containerClient,
		log:             log.With(zap.String("module", "blobstore_azure")),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "blobstore-azure",
			MaxRequests: 1,
			Interval:    0,
		}),
		uploads: make(map[string]*azureUploadState),
	}, nil
}

func (s *AzureStore) blockBlobClient(uploadID string) *blockblob.Client {
	return s.containerClient.NewBlockBlobClient(Key(uploadID))
}

func (s *AzureStore) stateFor(uploadID string) *azureUploadState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.uploads[uploadID]
	if !ok {
		st = &azureUploadState{}
		s.uploads[uploadID] = st
	}
	return st
}

func blockID(index int) string {
	buf := make([]byte, 8)
	for i := range buf {
		buf[i] = byte(index >> (8 * (7 - i)))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// Append stages length bytes from r as the next block in the blob's block
// list. Azure requires each staged block's ID up front, so blocks are
// numbered by append order and replayed deterministically from blockIDs on
// retry.
func (s *AzureStore) Append(ctx context.Context, uploadID string, offset int64, r io.Reader, length int64) (int64, error) {
	st := s.stateFor(uploadID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.completed {
		return 0, fmt.Errorf("blobstore: upload %s already finalized", uploadID)
	}
	if offset != st.size {
		return st.size, ErrOffsetMismatch
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return st.size, fmt.Errorf("blobstore: short read appending %d bytes: %w", length, err)
	}

	id := blockID(len(st.blockIDs))
	client := s.blockBlobClient(uploadID)
	if _, err := s.breaker.Execute(func() (interface{}, error) {
		return client.StageBlock(ctx, id, newBytesReadSeekCloser(buf), nil)
	}); err != nil {
		return st.size, fmt.Errorf("failed to stage block: %w", err)
	}

	st.blockIDs = append(st.blockIDs, id)
	st.size += length
	return st.size, nil
}

// Finalize commits the accumulated block list, making the blob readable
// as a single contiguous object.
func (s *AzureStore) Finalize(ctx context.Context, uploadID string) error {
	st := s.stateFor(uploadID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.completed {
		return nil
	}
	client := s.blockBlobClient(uploadID)
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return client.CommitBlockList(ctx, st.blockIDs, nil)
	})
	if err != nil {
		return fmt.Errorf("failed to commit block list: %w", err)
	}
	st.completed = true
	return nil
}

// Size returns the staged size before Finalize, or the blob's committed
// size afterward.
func (s *AzureStore) Size(ctx context.Context, uploadID string) (int64, error) {
	s.mu.Lock()
	st, tracked := s.uploads[uploadID]
	s.mu.Unlock()
	if tracked {
		st.mu.Lock()
		completed := st.completed
		size := st.size
		st.mu.Unlock()
		if !completed {
			return size, nil
		}
	}

	client := s.blockBlobClient(uploadID)
	out, err := s.breaker.Execute(func() (interface{}, error) {
		return client.GetProperties(ctx, nil)
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	props := out.(blob.GetPropertiesResponse)
	if props.ContentLength == nil {
		return 0, nil
	}
	return *props.ContentLength, nil
}

// ReadRange downloads [start, end] of the committed blob.
func (s *AzureStore) ReadRange(ctx context.Context, uploadID string, start, end int64) (io.ReadCloser, error) {
	client := s.blockBlobClient(uploadID)
	out, err := s.breaker.Execute(func() (interface{}, error) {
		return client.DownloadStream(ctx, &blob.DownloadStreamOptions{
			Range: blob.HTTPRange{Offset: start, Count: end - start + 1},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return out.(blob.DownloadStreamResponse).Body, nil
}

// Delete removes the blob and drops any staged block state.
func (s *AzureStore) Delete(ctx context.Context, uploadID string) error {
	s.mu.Lock()
	delete(s.uploads, uploadID)
	s.mu.Unlock()

	client := s.blockBlobClient(uploadID)
	if _, err := client.Delete(ctx, nil); err != nil {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}
