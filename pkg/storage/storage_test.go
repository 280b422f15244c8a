package storage

import (
	"context"
	"errors"
	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"stitch-media/entities"
	"sync"
	"testing"
	"time"
)

type fakeStore struct {
	mu      sync.Mutex
	getErr  error
	putErr  map[string]error
	gets    int
	puts    []string
	objects map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{putErr: map[string]error{}, objects: map[string][]byte{}}
}

func (s *fakeStore) FGetObject(ctx context.Context, bucket, object, filePath string, opts minio.GetObjectOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.getErr != nil {
		return s.getErr
	}
	return os.WriteFile(filePath, s.objects[object], 0644)
}

func (s *fakeStore) FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.putErr[object]; err != nil {
		return minio.UploadInfo{}, err
	}
	s.puts = append(s.puts, object)
	return minio.UploadInfo{Bucket: bucket, Key: object}, nil
}

func TestFetcherDownloads(t *testing.T) {
	store := newFakeStore()
	store.objects["posts/1.mp4"] = []byte("video")
	f := NewFetcher(context.Background(), store, "media", DefaultBreakerConfig("test"))

	dst := filepath.Join(t.TempDir(), "out")
	require.NoError(t, f.Fetch(context.Background(), "posts/1.mp4", dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "video", string(data))
}

func TestFetcherOpensBreaker(t *testing.T) {
	store := newFakeStore()
	store.getErr = errors.New("503")
	cfg := DefaultBreakerConfig("test")
	cfg.MinRequests = 2
	cfg.Timeout = time.Hour
	f := NewFetcher(context.Background(), store, "media", cfg)

	dst := filepath.Join(t.TempDir(), "out")
	assert.Error(t, f.Fetch(context.Background(), "k", dst))
	assert.Error(t, f.Fetch(context.Background(), "k", dst))

	err := f.Fetch(context.Background(), "k", dst)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 2, store.gets, "open breaker fails fast")
}

func TestUploaderUploadsPair(t *testing.T) {
	store := newFakeStore()
	u := NewUploader(store, "media")

	got, err := u.Upload(context.Background(), "posts/abc/", &entities.ExportArtifact{
		VideoPath:     "/tmp/x/final.mp4",
		ThumbnailPath: "/tmp/x/final.jpg",
	})
	require.NoError(t, err)
	assert.Equal(t, "posts/abc/video.mp4", got.VideoKey)
	assert.Equal(t, "posts/abc/thumbnail.jpg", got.ThumbnailKey)
	assert.Equal(t, []string{"posts/abc/video.mp4", "posts/abc/thumbnail.jpg"}, store.puts)
}

func TestUploaderRejectsIncompleteArtifact(t *testing.T) {
	u := NewUploader(newFakeStore(), "media")
	_, err := u.Upload(context.Background(), "p", &entities.ExportArtifact{VideoPath: "v.mp4"})
	assert.ErrorIs(t, err, entities.ErrIncompleteArtifact)
}

func TestUploaderVideoFailureSkipsThumbnail(t *testing.T) {
	store := newFakeStore()
	store.putErr["p/video.mp4"] = errors.New("denied")
	u := NewUploader(store, "media")

	_, err := u.Upload(context.Background(), "p", &entities.ExportArtifact{VideoPath: "v.mp4", ThumbnailPath: "t.jpg"})
	assert.ErrorContains(t, err, "upload video")
	assert.Empty(t, store.puts)
}
