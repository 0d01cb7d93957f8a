package storage

import "context"

type Storage interface {
	Upload(ctx context.Context, objectPath string, data []byte) error
	Download(ctx context.Context, objectPath string) ([]byte, error)
	Stat(ctx context.Context, objectPath string) error
	Close()
}
