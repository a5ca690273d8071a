package storage_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h5lab/h5serve/internal/storage"
)

// fakeS3 is a minimal path-style S3 endpoint: ListObjectsV2, HeadBucket,
// HeadObject, and ranged GetObject with If-Match.
type fakeS3 struct {
	bucket string

	mu          sync.Mutex
	objects     map[string]*fakeObject
	lastIfMatch string
}

type fakeObject struct {
	data []byte
	etag string
}

func newFakeS3(bucket string) *fakeS3 {
	return &fakeS3{bucket: bucket, objects: make(map[string]*fakeObject)}
}

func (f *fakeS3) put(key string, data []byte, etag string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = &fakeObject{data: data, etag: etag}
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")
	if path == f.bucket || path == f.bucket+"/" {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		f.serveList(w, r)
		return
	}
	if !strings.HasPrefix(path, f.bucket+"/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	f.serveObject(w, r, strings.TrimPrefix(path, f.bucket+"/"))
}

func (f *fakeS3) serveList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	prefix := q.Get("prefix")
	delimiter := q.Get("delimiter")

	f.mu.Lock()
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	f.mu.Unlock()
	sort.Strings(keys)

	var files []string
	folderSet := map[string]bool{}
	for _, k := range keys {
		rest := strings.TrimPrefix(k, prefix)
		if delimiter != "" {
			if i := strings.Index(rest, delimiter); i >= 0 {
				folderSet[prefix+rest[:i+1]] = true
				continue
			}
		}
		files = append(files, k)
	}
	folders := make([]string, 0, len(folderSet))
	for p := range folderSet {
		folders = append(folders, p)
	}
	sort.Strings(folders)

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	b.WriteString(`<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">`)
	fmt.Fprintf(&b, "<Name>%s</Name><Prefix>%s</Prefix><IsTruncated>false</IsTruncated>", f.bucket, prefix)
	f.mu.Lock()
	for _, k := range files {
		obj := f.objects[k]
		fmt.Fprintf(&b, `<Contents><Key>%s</Key><Size>%d</Size><ETag>"%s"</ETag><LastModified>2024-01-01T00:00:00.000Z</LastModified></Contents>`,
			k, len(obj.data), obj.etag)
	}
	f.mu.Unlock()
	for _, p := range folders {
		fmt.Fprintf(&b, "<CommonPrefixes><Prefix>%s</Prefix></CommonPrefixes>", p)
	}
	b.WriteString("</ListBucketResult>")

	w.Header().Set("Content-Type", "application/xml")
	_, _ = io.WriteString(w, b.String())
}

func (f *fakeS3) serveObject(w http.ResponseWriter, r *http.Request, key string) {
	f.mu.Lock()
	obj := f.objects[key]
	f.lastIfMatch = r.Header.Get("If-Match")
	f.mu.Unlock()

	if obj == nil {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `<Error><Code>NoSuchKey</Code><Message>no such key</Message></Error>`)
		return
	}

	if r.Method == http.MethodHead {
		w.Header().Set("ETag", `"`+obj.etag+`"`)
		w.Header().Set("Content-Length", strconv.Itoa(len(obj.data)))
		w.Header().Set("Last-Modified", "Mon, 01 Jan 2024 00:00:00 GMT")
		w.Header().Set("Accept-Ranges", "bytes")
		w.WriteHeader(http.StatusOK)
		return
	}

	if ifMatch := r.Header.Get("If-Match"); ifMatch != "" && strings.Trim(ifMatch, `"`) != obj.etag {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusPreconditionFailed)
		_, _ = io.WriteString(w, `<Error><Code>PreconditionFailed</Code><Message>etag mismatch</Message></Error>`)
		return
	}

	start, end := int64(0), int64(len(obj.data)-1)
	if rng := r.Header.Get("Range"); rng != "" {
		parts := strings.SplitN(strings.TrimPrefix(rng, "bytes="), "-", 2)
		start, _ = strconv.ParseInt(parts[0], 10, 64)
		if parts[1] != "" {
			end, _ = strconv.ParseInt(parts[1], 10, 64)
		}
		if start >= int64(len(obj.data)) {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		if end >= int64(len(obj.data)) {
			end = int64(len(obj.data)) - 1
		}
		w.Header().Set("ETag", `"`+obj.etag+`"`)
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(obj.data)))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(obj.data[start : end+1])
		return
	}

	w.Header().Set("ETag", `"`+obj.etag+`"`)
	_, _ = w.Write(obj.data)
}

func newS3Fixture(t *testing.T) (*storage.S3, *fakeS3) {
	t.Helper()
	fake := newFakeS3("test-bucket")
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	store, err := storage.NewS3(context.Background(), storage.S3Config{
		Endpoint:       srv.URL,
		Region:         "us-east-1",
		AccessKey:      "test",
		SecretKey:      "test",
		Bucket:         "test-bucket",
		ForcePathStyle: true,
	})
	require.NoError(t, err)
	return store, fake
}

func TestS3ListSplitsFoldersAndFiles(t *testing.T) {
	t.Parallel()

	store, fake := newS3Fixture(t)
	fake.put("data/run1.h5", []byte("1111"), "e1")
	fake.put("data/sub/run2.h5", []byte("22"), "e2")
	fake.put("data/sub/deep/run3.h5", []byte("3"), "e3")
	fake.put("data/placeholder/", nil, "e4")
	fake.put("top.h5", []byte("t"), "e5")

	listing, err := store.List(context.Background(), "data/", "/", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"data/placeholder/", "data/sub/"}, listing.Folders)
	require.Len(t, listing.Files, 1)
	assert.Equal(t, "data/run1.h5", listing.Files[0].Key)
	assert.Equal(t, "run1.h5", listing.Files[0].Name)
	assert.Equal(t, int64(4), listing.Files[0].Size)
}

func TestS3ListRecursiveSkipsPlaceholders(t *testing.T) {
	t.Parallel()

	store, fake := newS3Fixture(t)
	fake.put("data/run1.h5", []byte("1111"), "e1")
	fake.put("data/sub/run2.h5", []byte("22"), "e2")
	fake.put("data/placeholder/", nil, "e3")

	listing, err := store.List(context.Background(), "data/", "", 0)
	require.NoError(t, err)
	assert.Empty(t, listing.Folders)
	keys := make([]string, 0, len(listing.Files))
	for _, f := range listing.Files {
		keys = append(keys, f.Key)
	}
	assert.Equal(t, []string{"data/run1.h5", "data/sub/run2.h5"}, keys)
}

func TestS3StatNormalizesETag(t *testing.T) {
	t.Parallel()

	store, fake := newS3Fixture(t)
	fake.put("a.h5", []byte("abcdef"), "deadbeef")

	obj, err := store.Stat(context.Background(), "a.h5")
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", obj.ETag)
	assert.Equal(t, int64(6), obj.Size)

	_, err = store.Stat(context.Background(), "missing.h5")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestS3HandleReadAtSendsIfMatch(t *testing.T) {
	t.Parallel()

	store, fake := newS3Fixture(t)
	fake.put("a.h5", []byte("0123456789"), "v1")

	h, err := store.Open(context.Background(), "a.h5")
	require.NoError(t, err)
	defer h.Close()

	assert.Equal(t, "v1", h.Token())
	assert.Equal(t, int64(10), h.Size())

	buf := make([]byte, 4)
	n, err := h.ReadAt(buf, 3)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "3456", string(buf))

	fake.mu.Lock()
	sent := fake.lastIfMatch
	fake.mu.Unlock()
	assert.Equal(t, `"v1"`, sent)

	// Tail read clamps with EOF.
	n, err = h.ReadAt(buf, 8)
	assert.Equal(t, 2, n)
	assert.ErrorIs(t, err, io.EOF)

	_, err = h.ReadAt(buf, 10)
	assert.ErrorIs(t, err, io.EOF)
}

func TestS3HandleStaleAfterOverwrite(t *testing.T) {
	t.Parallel()

	store, fake := newS3Fixture(t)
	fake.put("a.h5", []byte("version-one"), "v1")

	h, err := store.Open(context.Background(), "a.h5")
	require.NoError(t, err)
	defer h.Close()

	fake.put("a.h5", []byte("version-two"), "v2")

	buf := make([]byte, 4)
	_, err = h.ReadAt(buf, 0)
	assert.ErrorIs(t, err, storage.ErrStale)
}

func TestS3HandleStaleAfterDelete(t *testing.T) {
	t.Parallel()

	store, fake := newS3Fixture(t)
	fake.put("a.h5", []byte("bytes"), "v1")

	h, err := store.Open(context.Background(), "a.h5")
	require.NoError(t, err)
	defer h.Close()

	fake.mu.Lock()
	delete(fake.objects, "a.h5")
	fake.mu.Unlock()

	buf := make([]byte, 2)
	_, err = h.ReadAt(buf, 0)
	assert.ErrorIs(t, err, storage.ErrStale)
}

func TestS3Probe(t *testing.T) {
	t.Parallel()

	store, _ := newS3Fixture(t)
	assert.NoError(t, store.Probe(context.Background()))
}
