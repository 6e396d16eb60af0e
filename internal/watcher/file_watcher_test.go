package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/apk-analysis/apk-adware-scan/internal/domain"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type submission struct {
	fileName string
	path     string
}

type fakeSubmitter struct {
	mu    sync.Mutex
	calls []submission
	err   error
	ch    chan submission
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{ch: make(chan submission, 10)}
}

func (f *fakeSubmitter) Submit(ctx context.Context, fileName, packagePath string) (*domain.ScanRecord, error) {
	f.mu.Lock()
	f.calls = append(f.calls, submission{fileName, packagePath})
	err := f.err
	f.mu.Unlock()

	f.ch <- submission{fileName, packagePath}
	if err != nil {
		return nil, err
	}
	return domain.NewScanRecord("scan-"+fileName, fileName, packagePath, time.Now()), nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestWatcher(t *testing.T, submitter Submitter) (*FileWatcher, string) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	dir := filepath.Join(t.TempDir(), "inbox")
	fw, err := NewFileWatcher(dir, "*.apk", submitter, logger)
	require.NoError(t, err)
	fw.debounce = 20 * time.Millisecond
	fw.settle = 20 * time.Millisecond

	t.Cleanup(func() { fw.Stop() })
	return fw, dir
}

func TestFileWatcher_SubmitsDroppedAPK(t *testing.T) {
	submitter := newFakeSubmitter()
	fw, dir := newTestWatcher(t, submitter)
	fw.Start(context.Background())

	path := filepath.Join(dir, "Game.APK")
	require.NoError(t, os.WriteFile(path, []byte("PK\x03\x04 fake apk"), 0644))

	select {
	case got := <-submitter.ch:
		assert.Equal(t, "Game.APK", got.fileName)
		assert.Equal(t, path, got.path)
	case <-time.After(3 * time.Second):
		t.Fatal("dropped APK was not submitted")
	}

	// 同一文件的后续事件被防抖合并，不会重复提交
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, submitter.count())
}

func TestFileWatcher_IgnoresOtherFiles(t *testing.T) {
	submitter := newFakeSubmitter()
	fw, dir := newTestWatcher(t, submitter)
	fw.Start(context.Background())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("hello"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.apk"), nil, 0644))

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 0, submitter.count())
}

func TestFileWatcher_SubmitErrorAllowsRetry(t *testing.T) {
	submitter := newFakeSubmitter()
	submitter.err = errors.New("scan queue is full")
	fw, dir := newTestWatcher(t, submitter)

	path := filepath.Join(dir, "retry.apk")
	require.NoError(t, os.WriteFile(path, []byte("PK"), 0644))

	fw.handleFile(context.Background(), path)
	<-submitter.ch

	submitter.mu.Lock()
	submitter.err = nil
	submitter.mu.Unlock()

	fw.handleFile(context.Background(), path)
	<-submitter.ch
	assert.Equal(t, 2, submitter.count())

	// 成功提交后未修改的文件不再提交
	fw.handleFile(context.Background(), path)
	assert.Equal(t, 2, submitter.count())
}

func TestFileWatcher_MatchPattern(t *testing.T) {
	fw := &FileWatcher{pattern: "*.apk"}

	assert.True(t, fw.matchPattern("app.apk"))
	assert.True(t, fw.matchPattern("APP.APK"))
	assert.False(t, fw.matchPattern("app.apk.part"))
	assert.False(t, fw.matchPattern("app.zip"))
}

func TestNewFileWatcher_InvalidPattern(t *testing.T) {
	_, err := NewFileWatcher(t.TempDir(), "[", newFakeSubmitter(), logrus.New())
	assert.Error(t, err)
}

func TestFileWatcher_StopIsIdempotent(t *testing.T) {
	fw, _ := newTestWatcher(t, newFakeSubmitter())
	fw.Start(context.Background())

	assert.NoError(t, fw.Stop())
	assert.NoError(t, fw.Stop())
}
