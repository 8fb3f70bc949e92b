package blobstore

import (
	"bytes"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

// azblobSharedKeyCredential builds the shared-key credential used to
// authenticate block blob clients against a single storage account.
func azblobSharedKeyCredential(accountName, accountKey string) (*azblob.SharedKeyCredential, error) {
	return azblob.NewSharedKeyCredential(accountName, accountKey)
}

// bytesReadSeekCloser adapts an in-memory chunk to the ReadSeekCloser
// StageBlock requires, since a single append is always fully buffered
// before it is staged.
type bytesReadSeekCloser struct {
	*bytes.Reader
}

func newBytesReadSeekCloser(b []byte) *bytesReadSeekCloser {
	return &bytesReadSeekCloser{Reader: bytes.NewReader(b)}
}

func (b *bytesReadSeekCloser) Close() error { return nil }
