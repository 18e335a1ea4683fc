package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeBucket records object writes the way an S3-compatible server would receive them
type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeBucket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodHead:
		w.WriteHeader(http.StatusOK)
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.objects[r.URL.Path] = body
		f.types[r.URL.Path] = r.Header.Get("Content-Type")
		f.mu.Unlock()
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeBucket) object(path string) ([]byte, string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[path]
	return b, f.types[path], ok
}

func isolateAWSEnv(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	t.Setenv("AWS_REGION", "us-east-1")
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(dir, "config"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(dir, "credentials"))
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "models/u1/alex21.zip", ObjectKey("u1", "alex21.zip"))
}

func TestS3PublicURL(t *testing.T) {
	tests := []struct {
		name     string
		cfg      S3Config
		expected string
		wantErr  bool
	}{
		{
			name:     "public base",
			cfg:      S3Config{Bucket: "b", PublicBaseURL: "https://cdn.example.com/"},
			expected: "https://cdn.example.com/models/u1/alex21.zip",
		},
		{
			name:     "virtual hosted",
			cfg:      S3Config{Bucket: "archives", Region: "eu-west-1"},
			expected: "https://archives.s3.eu-west-1.amazonaws.com/models/u1/alex21.zip",
		},
		{
			name:     "path style endpoint",
			cfg:      S3Config{Bucket: "archives", Endpoint: "http://localhost:9000", UsePathStyle: true},
			expected: "http://localhost:9000/archives/models/u1/alex21.zip",
		},
		{
			name:    "custom endpoint without path style",
			cfg:     S3Config{Bucket: "archives", Endpoint: "http://localhost:9000"},
			wantErr: true,
		},
		{
			name:    "nothing to go on",
			cfg:     S3Config{Bucket: "archives"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s3PublicURL(tt.cfg, ObjectKey("u1", "alex21.zip"))
			if tt.wantErr {
				require.Error(t, err)
				assert.Empty(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestJoinURLEscapesSegments(t *testing.T) {
	got, err := joinURL("https://cdn.example.com", "models/user 1/alex21.zip")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/models/user%201/alex21.zip", got)

	_, err = joinURL("not a url", "models/u1/x.zip")
	assert.Error(t, err)
}

func TestS3StoreUpload(t *testing.T) {
	isolateAWSEnv(t)
	bucket := newFakeBucket()
	srv := httptest.NewServer(bucket)
	t.Cleanup(srv.Close)

	ctx := context.Background()
	store, err := NewS3Store(ctx, S3Config{
		Bucket:       "archives",
		Endpoint:     srv.URL,
		UsePathStyle: true,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	key, err := store.Upload(ctx, "u1", "alex21.zip", []byte("zip-v1"))
	require.NoError(t, err)
	assert.Equal(t, "models/u1/alex21.zip", key)

	// a second upload with the same name replaces the first
	_, err = store.Upload(ctx, "u1", "alex21.zip", []byte("zip-v2"))
	require.NoError(t, err)

	body, contentType, ok := bucket.object("/archives/models/u1/alex21.zip")
	require.True(t, ok)
	assert.Equal(t, "zip-v2", string(body))
	assert.Equal(t, ArchiveContentType, contentType)

	u, err := store.PublicURL(ctx, "u1", "alex21.zip")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/archives/models/u1/alex21.zip", u)
}

func TestS3StoreRejectsBadSegments(t *testing.T) {
	isolateAWSEnv(t)
	store, err := NewS3Store(context.Background(), S3Config{Bucket: "archives"}, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = store.Upload(context.Background(), "u1/../u2", "x.zip", []byte("x"))
	assert.Error(t, err)

	_, err = store.PublicURL(context.Background(), "", "x.zip")
	assert.Error(t, err)
}

func TestMinIOStoreUpload(t *testing.T) {
	bucket := newFakeBucket()
	srv := httptest.NewServer(bucket)
	t.Cleanup(srv.Close)

	ctx := context.Background()
	store, err := NewMinIOStore(ctx, MinIOConfig{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
		Bucket:    "archives",
		Region:    "us-east-1",
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	key, err := store.Upload(ctx, "u1", "alex21.zip", []byte("zip-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "models/u1/alex21.zip", key)

	body, _, ok := bucket.object("/archives/models/u1/alex21.zip")
	require.True(t, ok)
	// plain-HTTP uploads arrive with a chunked signature framing around the payload
	assert.Contains(t, string(body), "zip-bytes")

	u, err := store.PublicURL(ctx, "u1", "alex21.zip")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/archives/models/u1/alex21.zip", u)
}
