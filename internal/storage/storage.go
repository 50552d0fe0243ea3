package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("storage: object not found")
	ErrUploadUnknown = errors.New("storage: unknown multipart upload")
	ErrInvalidKey    = errors.New("storage: invalid key")
)

// Part is one uploaded chunk of a multipart upload as the object store
// reports it. The store's listing, not the client's etag reports, is the
// authoritative record at finalization.
type Part struct {
	Number int
	ETag   string
	Size   int64
}

// ObjectStore is the S3-compatible surface the upload pipeline consumes.
// Part bytes never pass through this process: browsers PUT them directly
// against presigned URLs.
type ObjectStore interface {
	CreateMultipartUpload(ctx context.Context, key, contentType string) (string, error)
	PresignPartURL(ctx context.Context, key, uploadID string, partNumber int, expiry time.Duration) (string, error)
	ListParts(ctx context.Context, key, uploadID string) ([]Part, error)
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []Part) error
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error
	PresignGetURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
	HealthCheck(ctx context.Context) error
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Region    string
}
