package s3blob

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/bondoracle/internal/domain"
)

// fakeBucket is a path-style S3 endpoint holding objects in memory.
type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	meta    map[string]string
}

func (f *fakeBucket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.TrimPrefix(r.URL.Path, "/reports/")
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = body
		f.meta[key] = r.Header.Get("X-Amz-Meta-Written-By")
		w.WriteHeader(http.StatusOK)
	case http.MethodHead:
		if _, ok := f.objects[key]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		data, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			return
		}
		_, _ = w.Write(data)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newFakeClient(t *testing.T) (*Client, *fakeBucket) {
	t.Helper()
	bucket := &fakeBucket{objects: make(map[string][]byte), meta: make(map[string]string)}
	srv := httptest.NewServer(bucket)
	t.Cleanup(srv.Close)

	c, err := New(context.Background(), ClientConfig{
		Endpoint:       srv.URL,
		Region:         "us-east-1",
		Bucket:         "reports",
		AccessKey:      "test",
		SecretKey:      "test",
		ForcePathStyle: true,
	})
	require.NoError(t, err)
	return c, bucket
}

func TestWriterTagsReports(t *testing.T) {
	c, bucket := newFakeClient(t)
	ctx := context.Background()

	require.NoError(t, NewWriter(c).Put(ctx, "bond/0xabc.jsonl", strings.NewReader("{}\n"), "application/x-ndjson"))

	bucket.mu.Lock()
	defer bucket.mu.Unlock()
	assert.Equal(t, "{}\n", string(bucket.objects["bond/0xabc.jsonl"]))
	assert.Equal(t, "bondoracle", bucket.meta["bond/0xabc.jsonl"])
}

func TestReaderMissingReports(t *testing.T) {
	c, _ := newFakeClient(t)
	ctx := context.Background()
	r := NewReader(c)

	ok, err := r.Exists(ctx, "bond/missing.jsonl")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = r.Get(ctx, "bond/missing.jsonl")
	assert.ErrorIs(t, err, domain.ErrUnknownEntity)
}

func TestReaderReadsWrittenReport(t *testing.T) {
	c, _ := newFakeClient(t)
	ctx := context.Background()
	require.NoError(t, NewWriter(c).Put(ctx, "bond/0xdef.jsonl", strings.NewReader("line\n"), "application/x-ndjson"))

	r := NewReader(c)
	ok, err := r.Exists(ctx, "bond/0xdef.jsonl")
	require.NoError(t, err)
	assert.True(t, ok)

	body, err := r.Get(ctx, "bond/0xdef.jsonl")
	require.NoError(t, err)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "line\n", string(data))
}
