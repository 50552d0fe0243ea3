package storage

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/fairenow/flmlnk-admin-sub001/internal/logger"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var _ ObjectStore = (*MinIOStore)(nil)

// MinIOStore talks to any S3-compatible endpoint through minio-go. The
// multipart operations use the low-level Core API because the high-level
// client hides upload ids, which the coordinator needs to hand to browsers.
type MinIOStore struct {
	client *minio.Client
	core   *minio.Core
	bucket string
	config *Config
}

func NewMinIOStore(cfg *Config) (*MinIOStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &MinIOStore{
		client: client,
		core:   &minio.Core{Client: client},
		bucket: cfg.Bucket,
		config: cfg,
	}, nil
}

func (s *MinIOStore) EnsureBucket(ctx context.Context) error {
	log := logger.FromContext(ctx)

	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		log.Info("creating bucket", "bucket", s.bucket, "region", s.config.Region)
		err = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{
			Region: s.config.Region,
		})
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
		log.Info("bucket created", "bucket", s.bucket)
	}

	return nil
}

func (s *MinIOStore) CreateMultipartUpload(ctx context.Context, key, contentType string) (string, error) {
	log := logger.FromContext(ctx)

	if key == "" {
		return "", ErrInvalidKey
	}

	uploadID, err := s.core.NewMultipartUpload(ctx, s.bucket, key, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		log.Error("multipart create failed", "key", key, "error", err)
		return "", fmt.Errorf("create multipart upload for %s: %w", key, err)
	}

	log.Debug("multipart upload created", "key", key, "upload_id", uploadID)
	return uploadID, nil
}

func (s *MinIOStore) PresignPartURL(ctx context.Context, key, uploadID string, partNumber int, expiry time.Duration) (string, error) {
	params := make(url.Values)
	params.Set("uploadId", uploadID)
	params.Set("partNumber", strconv.Itoa(partNumber))

	u, err := s.client.Presign(ctx, http.MethodPut, s.bucket, key, expiry, params)
	if err != nil {
		return "", fmt.Errorf("presign part %d of %s: %w", partNumber, key, err)
	}
	return u.String(), nil
}

// ListParts pages through the store's part listing until it is exhausted
// and returns the parts sorted by part number.
func (s *MinIOStore) ListParts(ctx context.Context, key, uploadID string) ([]Part, error) {
	log := logger.FromContext(ctx)

	var parts []Part
	marker := 0
	for {
		result, err := s.core.ListObjectParts(ctx, s.bucket, key, uploadID, marker, 1000)
		if err != nil {
			log.Error("multipart list failed", "key", key, "upload_id", uploadID, "error", err)
			return nil, fmt.Errorf("list parts of %s: %w", key, err)
		}

		for _, p := range result.ObjectParts {
			parts = append(parts, Part{
				Number: p.PartNumber,
				ETag:   p.ETag,
				Size:   p.Size,
			})
		}

		if !result.IsTruncated {
			break
		}
		marker = result.NextPartNumberMarker
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].Number < parts[j].Number })
	return parts, nil
}

func (s *MinIOStore) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []Part) error {
	log := logger.FromContext(ctx)
	start := time.Now()

	completeParts := make([]minio.CompletePart, len(parts))
	for i, p := range parts {
		completeParts[i] = minio.CompletePart{
			PartNumber: p.Number,
			ETag:       p.ETag,
		}
	}

	_, err := s.core.CompleteMultipartUpload(ctx, s.bucket, key, uploadID, completeParts, minio.PutObjectOptions{})
	if err != nil {
		log.Error("multipart complete failed", "key", key, "upload_id", uploadID, "error", err)
		return fmt.Errorf("complete multipart upload of %s: %w", key, err)
	}

	log.Debug("multipart upload completed", "key", key, "parts", len(parts), "duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (s *MinIOStore) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	log := logger.FromContext(ctx)

	if err := s.core.AbortMultipartUpload(ctx, s.bucket, key, uploadID); err != nil {
		log.Error("multipart abort failed", "key", key, "upload_id", uploadID, "error", err)
		return fmt.Errorf("abort multipart upload of %s: %w", key, err)
	}

	log.Debug("multipart upload aborted", "key", key, "upload_id", uploadID)
	return nil
}

func (s *MinIOStore) PresignGetURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return u.String(), nil
}

func (s *MinIOStore) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *MinIOStore) HealthCheck(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucket)
	return err
}
