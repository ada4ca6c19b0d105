// Package blob is the object-storage boundary: opaque keys in, bytes
// and time-limited read URLs out.
package blob

import "context"

type Storage interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	SignedReadURL(ctx context.Context, key string) (string, error)
}
