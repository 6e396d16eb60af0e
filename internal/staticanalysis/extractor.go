package staticanalysis

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"time"

	"github.com/apk-analysis/apk-adware-scan/internal/domain"
	"github.com/sirupsen/logrus"
)

var (
	pkgRe         = regexp.MustCompile(`A: package="([^"]+)"`)
	versionNameRe = regexp.MustCompile(`A: android:versionName\([^)]*\)="([^"]+)"`)
	permRe        = regexp.MustCompile(`E: uses-permission(?:-sdk-23)?[^E]*?A: android:name\([^)]*\)="([^"]+)"`)
)

// commandRunner 执行外部命令并返回标准输出
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Options 提取器选项
type Options struct {
	Enabled  bool
	AaptPath string
	Timeout  time.Duration
}

// AaptExtractor 基于 aapt2 的权限提取器
type AaptExtractor struct {
	logger    *logrus.Logger
	aaptPath  string
	timeout   time.Duration
	available bool // 启动时检测一次
	run       commandRunner
}

// NewAaptExtractor 创建权限提取器
// aapt2 不可用时不会报错，提取器进入降级状态，所有提取返回 ErrAnalysisUnavailable
func NewAaptExtractor(opts Options, logger *logrus.Logger) *AaptExtractor {
	return newAaptExtractor(opts, logger, execRunner)
}

func newAaptExtractor(opts Options, logger *logrus.Logger, run commandRunner) *AaptExtractor {
	if opts.AaptPath == "" {
		opts.AaptPath = "aapt2" // 默认从 PATH 查找
	}

	e := &AaptExtractor{
		logger:   logger,
		aaptPath: opts.AaptPath,
		timeout:  opts.Timeout,
		run:      run,
	}

	if !opts.Enabled {
		logger.Warn("Static analysis disabled, every scan will report an analysis error")
		return e
	}

	if err := e.checkAapt(); err != nil {
		logger.WithError(err).Warn("aapt2 not available, every scan will report an analysis error")
		return e
	}

	e.available = true
	return e
}

// checkAapt 检查 aapt2 是否可用
func (e *AaptExtractor) checkAapt() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := e.run(ctx, e.aaptPath, "version"); err != nil {
		return fmt.Errorf("aapt2 not found: %w", err)
	}
	return nil
}

// Available 能力标记
func (e *AaptExtractor) Available() bool {
	return e.available
}

// Extract 提取 APK 声明的权限
// 空权限列表同样视为提取失败
func (e *AaptExtractor) Extract(ctx context.Context, apkPath string) ([]string, error) {
	info, err := e.Inspect(ctx, apkPath)
	if err != nil {
		return nil, err
	}
	if len(info.Permissions) == 0 {
		return nil, fmt.Errorf("no permissions declared in %s: %w", info.FileName, domain.ErrExtractionFailed)
	}
	return info.Permissions, nil
}

// Inspect 解析 APK 的 Manifest 信息
func (e *AaptExtractor) Inspect(ctx context.Context, apkPath string) (*ManifestInfo, error) {
	if !e.available {
		return nil, domain.ErrAnalysisUnavailable
	}

	startTime := time.Now()

	info := &ManifestInfo{FileName: filepath.Base(apkPath)}

	if err := verifyArchive(apkPath); err != nil {
		return nil, fmt.Errorf("%v: %w", err, domain.ErrExtractionFailed)
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	// 哈希与 aapt2 并行
	hashChan := make(chan string, 1)
	go func() {
		sum, err := fileSHA256(apkPath)
		if err != nil {
			e.logger.WithError(err).Warn("Failed to calculate sha256")
		}
		hashChan <- sum
	}()

	output, err := e.run(ctx, e.aaptPath, "dump", "xmltree", apkPath, "--file", "AndroidManifest.xml")
	if err != nil {
		<-hashChan
		return nil, fmt.Errorf("aapt2 dump failed: %v: %w", err, domain.ErrExtractionFailed)
	}

	parsed := parseAaptOutput(string(output))
	info.PackageName = parsed.PackageName
	info.VersionName = parsed.VersionName
	info.Permissions = parsed.Permissions
	info.SHA256 = <-hashChan

	if st, err := os.Stat(apkPath); err == nil {
		info.FileSize = st.Size()
	}

	e.logger.WithFields(logrus.Fields{
		"file_name":    info.FileName,
		"package_name": info.PackageName,
		"permissions":  len(info.Permissions),
		"duration_ms":  time.Since(startTime).Milliseconds(),
	}).Info("Permissions extracted")

	return info, nil
}

// parseAaptOutput 解析 aapt2 xmltree 输出
func parseAaptOutput(output string) *ManifestInfo {
	info := &ManifestInfo{}

	if match := pkgRe.FindStringSubmatch(output); len(match) > 1 {
		info.PackageName = match[1]
	}
	if match := versionNameRe.FindStringSubmatch(output); len(match) > 1 {
		info.VersionName = match[1]
	}

	seen := make(map[string]struct{})
	for _, match := range permRe.FindAllStringSubmatch(output, -1) {
		if len(match) < 2 {
			continue
		}
		if _, dup := seen[match[1]]; dup {
			continue
		}
		seen[match[1]] = struct{}{}
		info.Permissions = append(info.Permissions, match[1])
	}

	return info
}

// verifyArchive 确认文件是包含 Manifest 的 zip
func verifyArchive(apkPath string) error {
	reader, err := zip.OpenReader(apkPath)
	if err != nil {
		return fmt.Errorf("failed to open APK as zip: %v", err)
	}
	defer reader.Close()

	for _, file := range reader.File {
		if file.Name == "AndroidManifest.xml" {
			return nil
		}
	}
	return fmt.Errorf("AndroidManifest.xml not found in APK")
}

func fileSHA256(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
