package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/apk-analysis/apk-adware-scan/internal/config"
	"github.com/apk-analysis/apk-adware-scan/internal/retry"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 只实现桶探测、建桶和单次 PUT 上传
type fakeS3 struct {
	mu       sync.Mutex
	buckets  map[string]bool
	objects  map[string][]byte
	types    map[string]string
	requests []string
	denyPut  bool
}

func newFakeS3(buckets ...string) *fakeS3 {
	f := &fakeS3{
		buckets: make(map[string]bool),
		objects: make(map[string][]byte),
		types:   make(map[string]string),
	}
	for _, b := range buckets {
		f.buckets[b] = true
	}
	return f
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	bucket := parts[0]
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}

	if _, ok := r.URL.Query()["location"]; ok {
		f.requests = append(f.requests, "LOCATION "+bucket)
		w.Header().Set("Content-Type", "application/xml")
		io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?>`+
			`<LocationConstraint xmlns="http://s3.amazonaws.com/doc/2006-03-01/">us-east-1</LocationConstraint>`)
		return
	}

	f.requests = append(f.requests, r.Method+" "+strings.TrimSuffix(r.URL.Path, "/"))

	switch {
	case r.Method == http.MethodHead && key == "":
		if !f.buckets[bucket] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPut && key == "":
		f.buckets[bucket] = true
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPut:
		io.Copy(io.Discard, r.Body)
		if f.denyPut {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusForbidden)
			io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>AccessDenied</Code>`+
				`<Message>Access Denied.</Message><Key>`+key+`</Key><BucketName>`+bucket+`</BucketName></Error>`)
			return
		}
		f.objects[bucket+"/"+key] = nil
		f.types[bucket+"/"+key] = r.Header.Get("Content-Type")
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

func (f *fakeS3) seen(req string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.requests {
		if r == req {
			return true
		}
	}
	return false
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestStore(t *testing.T, fake *fakeS3) (*MinioStore, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	store, err := NewMinioStore(context.Background(), &config.MinIOConfig{
		Enabled:   true,
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		AccessKey: "minio",
		SecretKey: "minio-secret",
		Bucket:    "scan-reports",
	}, quietLogger())
	require.NoError(t, err)
	return store, srv
}

func writeReport(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "abc_report.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.3 test"), 0644))
	return path
}

func TestNewMinioStore_CreatesMissingBucket(t *testing.T) {
	fake := newFakeS3()
	newTestStore(t, fake)

	assert.True(t, fake.seen("HEAD /scan-reports"))
	assert.True(t, fake.seen("PUT /scan-reports"))
}

func TestNewMinioStore_ExistingBucket(t *testing.T) {
	fake := newFakeS3("scan-reports")
	newTestStore(t, fake)

	assert.True(t, fake.seen("HEAD /scan-reports"))
	assert.False(t, fake.seen("PUT /scan-reports"))
}

func TestMinioStore_Upload(t *testing.T) {
	fake := newFakeS3("scan-reports")
	store, srv := newTestStore(t, fake)

	url, err := store.Upload(context.Background(), writeReport(t), "reports/abc_report.pdf")
	require.NoError(t, err)

	assert.Equal(t, srv.URL+"/scan-reports/reports/abc_report.pdf", url)
	assert.True(t, fake.seen("PUT /scan-reports/reports/abc_report.pdf"))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	_, stored := fake.objects["scan-reports/reports/abc_report.pdf"]
	assert.True(t, stored)
	assert.Equal(t, "application/pdf", fake.types["scan-reports/reports/abc_report.pdf"])
}

func TestMinioStore_Upload_MissingFileIsNotRetryable(t *testing.T) {
	fake := newFakeS3("scan-reports")
	store, _ := newTestStore(t, fake)

	_, err := store.Upload(context.Background(), filepath.Join(t.TempDir(), "gone.pdf"), "reports/gone.pdf")
	require.Error(t, err)
	assert.False(t, retry.IsRetryable(err))
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.False(t, fake.seen("PUT /scan-reports/reports/gone.pdf"))
}

func TestMinioStore_Upload_AccessDeniedIsNotRetryable(t *testing.T) {
	fake := newFakeS3("scan-reports")
	store, _ := newTestStore(t, fake)
	fake.mu.Lock()
	fake.denyPut = true
	fake.mu.Unlock()

	_, err := store.Upload(context.Background(), writeReport(t), "reports/abc_report.pdf")
	require.Error(t, err)
	assert.False(t, retry.IsRetryable(err))
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "application/pdf", contentType("/reports/Static Scan (demo).pdf"))
	assert.Equal(t, "application/json", contentType("result.json"))
	assert.Equal(t, "application/octet-stream", contentType("payload.apk"))
}
