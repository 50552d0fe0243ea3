package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory ObjectStore for testing. Parts are recorded
// per upload id so tests can make the authoritative listing diverge from
// what a client reported.
type MemoryStore struct {
	mu      sync.RWMutex
	uploads map[string]*memoryUpload
	objects map[string][]Part

	CreateErr   error
	ListErr     error
	CompleteErr error
	AbortErr    error
}

type memoryUpload struct {
	key         string
	contentType string
	parts       map[int]Part
	aborted     bool
}

var _ ObjectStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		uploads: make(map[string]*memoryUpload),
		objects: make(map[string][]Part),
	}
}

func (s *MemoryStore) CreateMultipartUpload(ctx context.Context, key, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.CreateErr != nil {
		return "", s.CreateErr
	}
	if key == "" {
		return "", ErrInvalidKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	uploadID := uuid.New().String()
	s.uploads[uploadID] = &memoryUpload{
		key:         key,
		contentType: contentType,
		parts:       make(map[int]Part),
	}
	return uploadID, nil
}

func (s *MemoryStore) PresignPartURL(ctx context.Context, key, uploadID string, partNumber int, expiry time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.uploads[uploadID]; !ok {
		return "", ErrUploadUnknown
	}
	return fmt.Sprintf("http://test-storage/%s?uploadId=%s&partNumber=%d&expires=%d", key, uploadID, partNumber, int(expiry.Seconds())), nil
}

func (s *MemoryStore) ListParts(ctx context.Context, key, uploadID string) ([]Part, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.ListErr != nil {
		return nil, s.ListErr
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	up, ok := s.uploads[uploadID]
	if !ok {
		return nil, ErrUploadUnknown
	}

	parts := make([]Part, 0, len(up.parts))
	for _, p := range up.parts {
		parts = append(parts, p)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Number < parts[j].Number })
	return parts, nil
}

func (s *MemoryStore) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []Part) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.CompleteErr != nil {
		return s.CompleteErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	up, ok := s.uploads[uploadID]
	if !ok {
		return ErrUploadUnknown
	}

	for _, p := range parts {
		if _, ok := up.parts[p.Number]; !ok {
			return fmt.Errorf("part %d was never uploaded", p.Number)
		}
	}

	s.objects[key] = parts
	delete(s.uploads, uploadID)
	return nil
}

func (s *MemoryStore) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.AbortErr != nil {
		return s.AbortErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.uploads, uploadID)
	return nil
}

func (s *MemoryStore) PresignGetURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.objects[key]; !ok {
		return "", ErrNotFound
	}
	return fmt.Sprintf("http://test-storage/%s?expires=%d", key, int(expiry.Seconds())), nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.objects, key)
	return nil
}

func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	return ctx.Err()
}

// PutPart records a part as uploaded, standing in for the browser's direct
// PUT against a presigned URL (test helper).
func (s *MemoryStore) PutPart(uploadID string, partNumber int, etag string, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	up, ok := s.uploads[uploadID]
	if !ok {
		return ErrUploadUnknown
	}
	up.parts[partNumber] = Part{Number: partNumber, ETag: etag, Size: size}
	return nil
}

// DropPart removes a recorded part so reconciliation tests can make the
// authoritative listing disagree with client reports (test helper).
func (s *MemoryStore) DropPart(uploadID string, partNumber int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if up, ok := s.uploads[uploadID]; ok {
		delete(up.parts, partNumber)
	}
}

// HasObject reports whether a finalized object exists (test helper).
func (s *MemoryStore) HasObject(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.objects[key]
	return ok
}

// UploadCount returns the number of in-flight multipart uploads (test helper).
func (s *MemoryStore) UploadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.uploads)
}
