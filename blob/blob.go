// Package blob defines the contract for the content-addressed blob store used
// for encrypted attachments.
package blob

import "context"

type UploadResult struct {
	URL  string
	Hash []byte
	Size uint64
}

type Store interface {
	Upload(ctx context.Context, data []byte) (*UploadResult, error)
	Download(ctx context.Context, url string) ([]byte, error)
}
