package pinner

import "bytes"

// bytesReader adapts a byte slice to the io.ReadSeeker the S3 SDK's
// PutObjectInput.Body requires.
func bytesReader(b []byte) *bytes.Reader {
	return bytes.NewReader(b)
}
