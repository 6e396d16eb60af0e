package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/apk-analysis/apk-adware-scan/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRecord(id string) *domain.ScanRecord {
	return domain.NewScanRecord(id, id+".apk", "/tmp/"+id+".apk", time.Now().UTC())
}

// advance 构造一个迁移 mutator
func advance(status domain.ScanStatus, progress int) ScanMutator {
	return func(rec *domain.ScanRecord) error {
		rec.Status = status
		rec.Progress = progress
		return nil
	}
}

// TestScanStore_CreateAndGet 测试创建与读取
func TestScanStore_CreateAndGet(t *testing.T) {
	store := NewMemoryScanStore()
	ctx := context.Background()

	id, err := store.Create(ctx, newRecord("scan-001"))
	require.NoError(t, err)
	assert.Equal(t, "scan-001", id)

	rec, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ScanStatusInitializing, rec.Status)
	assert.Equal(t, 0, rec.Progress)
	assert.Equal(t, "scan-001.apk", rec.FileName)
	assert.Nil(t, rec.CompletedAt)
}

// TestScanStore_Create_Duplicate 测试重复 ID
func TestScanStore_Create_Duplicate(t *testing.T) {
	store := NewMemoryScanStore()
	ctx := context.Background()

	_, err := store.Create(ctx, newRecord("scan-dup"))
	require.NoError(t, err)

	_, err = store.Create(ctx, newRecord("scan-dup"))
	assert.ErrorIs(t, err, domain.ErrScanExists)
}

// TestScanStore_NotFound 测试不存在的记录
func TestScanStore_NotFound(t *testing.T) {
	store := NewMemoryScanStore()
	ctx := context.Background()

	rec, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrScanNotFound)
	assert.Nil(t, rec)

	_, err = store.Update(ctx, "missing", advance(domain.ScanStatusExtractingPermissions, 25))
	assert.ErrorIs(t, err, domain.ErrScanNotFound)
}

// TestScanStore_SnapshotIsIndependent 测试 Get 返回的是副本
func TestScanStore_SnapshotIsIndependent(t *testing.T) {
	store := NewMemoryScanStore()
	ctx := context.Background()

	rec := newRecord("scan-snap")
	_, err := store.Create(ctx, rec)
	require.NoError(t, err)

	// 修改调用方持有的原始对象不影响存储
	rec.Progress = 77

	_, err = store.Update(ctx, "scan-snap", func(r *domain.ScanRecord) error {
		r.Status = domain.ScanStatusExtractingPermissions
		r.Progress = 25
		r.Permissions = []string{"android.permission.INTERNET"}
		return nil
	})
	require.NoError(t, err)

	snap, err := store.Get(ctx, "scan-snap")
	require.NoError(t, err)
	snap.Permissions[0] = "tampered"
	snap.Status = domain.ScanStatusCompleted

	again, err := store.Get(ctx, "scan-snap")
	require.NoError(t, err)
	assert.Equal(t, "android.permission.INTERNET", again.Permissions[0])
	assert.Equal(t, domain.ScanStatusExtractingPermissions, again.Status)
	assert.Equal(t, 25, again.Progress)
}

// TestScanStore_FullLifecycle 测试完整生命周期
func TestScanStore_FullLifecycle(t *testing.T) {
	store := NewMemoryScanStore()
	ctx := context.Background()

	_, err := store.Create(ctx, newRecord("scan-life"))
	require.NoError(t, err)

	steps := []ScanMutator{
		advance(domain.ScanStatusExtractingPermissions, domain.ProgressExtracting),
		advance(domain.ScanStatusClassifying, domain.ProgressClassifying),
		advance(domain.ScanStatusGeneratingReport, domain.ProgressGeneratingReport),
		advance(domain.ScanStatusCompleted, domain.ProgressDone),
	}
	for _, step := range steps {
		_, err := store.Update(ctx, "scan-life", step)
		require.NoError(t, err)
	}

	rec, err := store.Get(ctx, "scan-life")
	require.NoError(t, err)
	assert.Equal(t, domain.ScanStatusCompleted, rec.Status)
	assert.Equal(t, 100, rec.Progress)
	require.NotNil(t, rec.CompletedAt, "completed_at must be set on terminal")

	// 终态后禁止再修改
	_, err = store.Update(ctx, "scan-life", func(r *domain.ScanRecord) error {
		r.ReportURL = "late"
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrScanTerminal)
}

// TestScanStore_RejectsInvalidTransitions 测试非法迁移
func TestScanStore_RejectsInvalidTransitions(t *testing.T) {
	tests := []struct {
		name   string
		mutate ScanMutator
	}{
		{"skip extraction", advance(domain.ScanStatusClassifying, 60)},
		{"completed without full progress", advance(domain.ScanStatusCompleted, 90)},
		{"full progress while running", advance(domain.ScanStatusExtractingPermissions, 100)},
		{"progress beyond bound", advance(domain.ScanStatusExtractingPermissions, 101)},
		{"error detail without failure", func(r *domain.ScanRecord) error {
			r.Status = domain.ScanStatusExtractingPermissions
			r.Progress = 25
			r.ErrorDetail = "boom"
			return nil
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryScanStore()
			ctx := context.Background()
			_, err := store.Create(ctx, newRecord("scan-x"))
			require.NoError(t, err)

			_, err = store.Update(ctx, "scan-x", tt.mutate)
			assert.ErrorIs(t, err, domain.ErrInvalidTransition)

			// 失败的更新不能留下痕迹
			rec, err := store.Get(ctx, "scan-x")
			require.NoError(t, err)
			assert.Equal(t, domain.ScanStatusInitializing, rec.Status)
			assert.Equal(t, 0, rec.Progress)
		})
	}
}

// TestScanStore_ProgressNeverDecreases 测试进度单调
func TestScanStore_ProgressNeverDecreases(t *testing.T) {
	store := NewMemoryScanStore()
	ctx := context.Background()
	_, err := store.Create(ctx, newRecord("scan-mono"))
	require.NoError(t, err)

	_, err = store.Update(ctx, "scan-mono", advance(domain.ScanStatusExtractingPermissions, 40))
	require.NoError(t, err)

	_, err = store.Update(ctx, "scan-mono", advance(domain.ScanStatusClassifying, 30))
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

// TestScanStore_FailFromAnyState 测试任意非终态可进入 Failed
func TestScanStore_FailFromAnyState(t *testing.T) {
	store := NewMemoryScanStore()
	ctx := context.Background()
	_, err := store.Create(ctx, newRecord("scan-fail"))
	require.NoError(t, err)

	rec, err := store.Update(ctx, "scan-fail", func(r *domain.ScanRecord) error {
		r.Status = domain.ScanStatusFailed
		r.Progress = domain.ProgressDone
		r.ErrorDetail = "worker crashed"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ScanStatusFailed, rec.Status)
	assert.Equal(t, "Error: worker crashed", rec.StatusMessage())
	assert.NotNil(t, rec.CompletedAt)
}

// TestScanStore_MutatorError 测试 mutator 返回错误时不落盘
func TestScanStore_MutatorError(t *testing.T) {
	store := NewMemoryScanStore()
	ctx := context.Background()
	_, err := store.Create(ctx, newRecord("scan-merr"))
	require.NoError(t, err)

	_, err = store.Update(ctx, "scan-merr", func(r *domain.ScanRecord) error {
		r.Progress = 25
		return fmt.Errorf("abort")
	})
	assert.EqualError(t, err, "abort")

	rec, _ := store.Get(ctx, "scan-merr")
	assert.Equal(t, 0, rec.Progress)
}

// TestScanStore_ConcurrentScans 测试并发写入与轮询
func TestScanStore_ConcurrentScans(t *testing.T) {
	store := NewMemoryScanStore()
	ctx := context.Background()
	const n = 50

	var writers sync.WaitGroup
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("scan-%03d", i)
		_, err := store.Create(ctx, newRecord(id))
		require.NoError(t, err)

		writers.Add(1)
		go func(id string) {
			defer writers.Done()
			_, _ = store.Update(ctx, id, advance(domain.ScanStatusExtractingPermissions, 25))
			_, _ = store.Update(ctx, id, advance(domain.ScanStatusClassifying, 60))
			_, _ = store.Update(ctx, id, func(r *domain.ScanRecord) error {
				r.Status = domain.ScanStatusCompleted
				r.Progress = 100
				r.FileName = id + ".apk"
				return nil
			})
		}(id)
	}

	stop := make(chan struct{})
	var readers sync.WaitGroup
	for i := 0; i < 4; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				list, err := store.List(ctx)
				if err != nil {
					t.Error(err)
					return
				}
				for _, rec := range list {
					// 不应出现撕裂状态
					if (rec.Progress == 100) != rec.Status.IsTerminal() {
						t.Errorf("torn read: %s progress=%d status=%s", rec.ID, rec.Progress, rec.Status)
					}
				}
			}
		}()
	}

	writers.Wait()
	close(stop)
	readers.Wait()

	counts, err := store.StatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, n, counts[domain.ScanStatusCompleted])

	for i := 0; i < n; i++ {
		id := fmt.Sprintf("scan-%03d", i)
		rec, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id+".apk", rec.FileName)
	}
}
