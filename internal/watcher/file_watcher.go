package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/apk-analysis/apk-adware-scan/internal/domain"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Submitter 提交扫描
type Submitter interface {
	Submit(ctx context.Context, fileName, packagePath string) (*domain.ScanRecord, error)
}

// FileWatcher 监控投递目录，新放入的 APK 自动提交扫描
type FileWatcher struct {
	watcher   *fsnotify.Watcher
	watchDir  string
	pattern   string // 文件匹配模式 (如 "*.apk")
	submitter Submitter
	logger    *logrus.Logger

	debounce    time.Duration // 防抖时间
	settle      time.Duration // 文件大小稳定检测间隔
	maxAttempts int

	mu         sync.Mutex
	timers     map[string]*time.Timer
	processing map[string]bool
	submitted  map[string]time.Time // 已提交文件的修改时间

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopChan chan struct{}
}

// NewFileWatcher 创建文件监控器
func NewFileWatcher(watchDir, pattern string, submitter Submitter, logger *logrus.Logger) (*FileWatcher, error) {
	if pattern == "" {
		pattern = "*.apk"
	}
	if _, err := filepath.Match(pattern, "probe.apk"); err != nil {
		return nil, fmt.Errorf("invalid watch pattern %q: %w", pattern, err)
	}

	if err := os.MkdirAll(watchDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create watch directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if err := watcher.Add(watchDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to add watch directory: %w", err)
	}

	fw := &FileWatcher{
		watcher:     watcher,
		watchDir:    watchDir,
		pattern:     pattern,
		submitter:   submitter,
		logger:      logger,
		debounce:    2 * time.Second,
		settle:      500 * time.Millisecond,
		maxAttempts: 10,
		timers:      make(map[string]*time.Timer),
		processing:  make(map[string]bool),
		submitted:   make(map[string]time.Time),
		stopChan:    make(chan struct{}),
	}

	logger.WithFields(logrus.Fields{
		"watch_dir": watchDir,
		"pattern":   pattern,
	}).Info("File watcher created")

	return fw, nil
}

// Start 启动文件监控
// 启动前已存在的文件不会被提交，重启服务时不会重复扫描
func (fw *FileWatcher) Start(ctx context.Context) {
	fw.wg.Add(1)
	go fw.eventLoop(ctx)
	fw.logger.Info("File watcher started")
}

func (fw *FileWatcher) eventLoop(ctx context.Context) {
	defer fw.wg.Done()

	for {
		select {
		case <-ctx.Done():
			fw.logger.Info("File watcher context done")
			return
		case <-fw.stopChan:
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				fw.logger.Warn("Watcher events channel closed")
				return
			}

			// 只处理创建和写入事件
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}

			fileName := filepath.Base(event.Name)
			if !fw.matchPattern(fileName) {
				continue
			}

			fw.logger.WithFields(logrus.Fields{
				"event": event.Op.String(),
				"file":  fileName,
			}).Debug("File event detected")

			fw.schedule(ctx, event.Name)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				fw.logger.Warn("Watcher errors channel closed")
				return
			}
			fw.logger.WithError(err).Error("Watcher error")
		}
	}
}

// schedule 同一文件在防抖时间内的多次事件只处理一次
func (fw *FileWatcher) schedule(ctx context.Context, path string) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if timer, exists := fw.timers[path]; exists {
		timer.Stop()
	}

	fw.timers[path] = time.AfterFunc(fw.debounce, func() {
		fw.mu.Lock()
		delete(fw.timers, path)
		fw.mu.Unlock()

		fw.handleFile(ctx, path)
	})
}

func (fw *FileWatcher) handleFile(ctx context.Context, path string) {
	fw.mu.Lock()
	if fw.processing[path] {
		fw.mu.Unlock()
		fw.logger.WithField("file", path).Debug("File is already being processed")
		return
	}
	fw.processing[path] = true
	fw.mu.Unlock()

	defer func() {
		fw.mu.Lock()
		delete(fw.processing, path)
		fw.mu.Unlock()
	}()

	info, err := fw.waitForFileReady(ctx, path)
	if err != nil {
		fw.logger.WithError(err).WithField("file", path).Warn("File not ready")
		return
	}

	fw.mu.Lock()
	last, seen := fw.submitted[path]
	fw.mu.Unlock()
	if seen && last.Equal(info.ModTime()) {
		fw.logger.WithField("file", path).Debug("File unchanged since last submission")
		return
	}

	rec, err := fw.submitter.Submit(ctx, filepath.Base(path), path)
	if err != nil {
		fw.logger.WithError(err).WithField("file", path).Error("Failed to submit scan for dropped file")
		return
	}

	fw.mu.Lock()
	fw.submitted[path] = info.ModTime()
	fw.mu.Unlock()

	fw.logger.WithFields(logrus.Fields{
		"file":    path,
		"scan_id": rec.ID,
	}).Info("Dropped file submitted for scanning")
}

// waitForFileReady 等待文件写入完成（大小连续两次一致且非空）
func (fw *FileWatcher) waitForFileReady(ctx context.Context, path string) (os.FileInfo, error) {
	var lastSize int64 = -1

	for i := 0; i < fw.maxAttempts; i++ {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("file does not exist")
			}
			return nil, err
		}

		if info.Size() > 0 && info.Size() == lastSize {
			return info, nil
		}
		lastSize = info.Size()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-fw.stopChan:
			return nil, fmt.Errorf("watcher stopped")
		case <-time.After(fw.settle):
		}
	}

	return nil, fmt.Errorf("file not ready after %d attempts", fw.maxAttempts)
}

func (fw *FileWatcher) matchPattern(fileName string) bool {
	matched, err := filepath.Match(strings.ToLower(fw.pattern), strings.ToLower(fileName))
	return err == nil && matched
}

// Stop 停止文件监控
func (fw *FileWatcher) Stop() error {
	var err error
	fw.stopOnce.Do(func() {
		fw.logger.Info("Stopping file watcher")
		close(fw.stopChan)

		fw.mu.Lock()
		for path, timer := range fw.timers {
			timer.Stop()
			delete(fw.timers, path)
		}
		fw.mu.Unlock()

		err = fw.watcher.Close()
		fw.wg.Wait()
	})
	return err
}

// WatchDir 监控目录
func (fw *FileWatcher) WatchDir() string {
	return fw.watchDir
}
