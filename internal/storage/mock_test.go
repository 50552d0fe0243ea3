package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreMultipartLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	uploadID, err := s.CreateMultipartUpload(ctx, "uploads/u/j/video.mp4", "video/mp4")
	require.NoError(t, err)
	require.NotEmpty(t, uploadID)

	url, err := s.PresignPartURL(ctx, "uploads/u/j/video.mp4", uploadID, 1, time.Hour)
	require.NoError(t, err)
	assert.Contains(t, url, uploadID)
	assert.Contains(t, url, "partNumber=1")

	require.NoError(t, s.PutPart(uploadID, 1, "e1", 100))
	require.NoError(t, s.PutPart(uploadID, 3, "e3", 50))
	require.NoError(t, s.PutPart(uploadID, 2, "e2", 100))

	parts, err := s.ListParts(ctx, "uploads/u/j/video.mp4", uploadID)
	require.NoError(t, err)
	require.Len(t, parts, 3)
	// Listing comes back ordered by part number.
	assert.Equal(t, []int{1, 2, 3}, []int{parts[0].Number, parts[1].Number, parts[2].Number})

	require.NoError(t, s.CompleteMultipartUpload(ctx, "uploads/u/j/video.mp4", uploadID, parts))
	assert.True(t, s.HasObject("uploads/u/j/video.mp4"))
	assert.Equal(t, 0, s.UploadCount())

	// The upload id is consumed by completion.
	_, err = s.ListParts(ctx, "uploads/u/j/video.mp4", uploadID)
	assert.ErrorIs(t, err, ErrUploadUnknown)
}

func TestMemoryStoreCompleteRejectsPhantomPart(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	uploadID, err := s.CreateMultipartUpload(ctx, "k", "video/mp4")
	require.NoError(t, err)
	require.NoError(t, s.PutPart(uploadID, 1, "e1", 100))

	err = s.CompleteMultipartUpload(ctx, "k", uploadID, []Part{
		{Number: 1, ETag: "e1", Size: 100},
		{Number: 2, ETag: "e2", Size: 100},
	})
	assert.Error(t, err)
	assert.False(t, s.HasObject("k"))
}

func TestMemoryStoreAbort(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	uploadID, err := s.CreateMultipartUpload(ctx, "k", "video/mp4")
	require.NoError(t, err)

	require.NoError(t, s.AbortMultipartUpload(ctx, "k", uploadID))
	assert.Equal(t, 0, s.UploadCount())

	// Aborting twice is harmless.
	assert.NoError(t, s.AbortMultipartUpload(ctx, "k", uploadID))
}

func TestMemoryStorePresignGetUnknownKey(t *testing.T) {
	s := NewMemoryStore()

	_, err := s.PresignGetURL(context.Background(), "missing", time.Hour)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreCreateRequiresKey(t *testing.T) {
	s := NewMemoryStore()

	_, err := s.CreateMultipartUpload(context.Background(), "", "video/mp4")
	assert.ErrorIs(t, err, ErrInvalidKey)
}
