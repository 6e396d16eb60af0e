package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/apk-analysis/apk-adware-scan/internal/domain"
)

// ScanMutator 在 Store 锁内对记录副本做修改
type ScanMutator func(rec *domain.ScanRecord) error

// ScanStore 扫描记录存储，状态的唯一可信来源
type ScanStore interface {
	Create(ctx context.Context, rec *domain.ScanRecord) (string, error)
	Get(ctx context.Context, id string) (*domain.ScanRecord, error)
	// Update 原子地应用 mutator，返回更新后的快照
	Update(ctx context.Context, id string, mutate ScanMutator) (*domain.ScanRecord, error)
	List(ctx context.Context) ([]*domain.ScanRecord, error)
	StatusCounts(ctx context.Context) (map[domain.ScanStatus]int, error)
}

// memoryScanStore 进程内存储
// 读写都在锁内完成并只交出副本，轮询方不会看到写了一半的记录
type memoryScanStore struct {
	mu      sync.RWMutex
	records map[string]*domain.ScanRecord
	now     func() time.Time
}

// NewMemoryScanStore 创建内存扫描记录存储
func NewMemoryScanStore() ScanStore {
	return &memoryScanStore{
		records: make(map[string]*domain.ScanRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *memoryScanStore) Create(ctx context.Context, rec *domain.ScanRecord) (string, error) {
	if rec == nil || rec.ID == "" {
		return "", fmt.Errorf("create scan: empty id")
	}
	if rec.Status != domain.ScanStatusInitializing {
		return "", fmt.Errorf("create scan %s with status %s: %w", rec.ID, rec.Status, domain.ErrInvalidTransition)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists {
		return "", fmt.Errorf("create scan %s: %w", rec.ID, domain.ErrScanExists)
	}

	stored := rec.Clone()
	if stored.StartedAt.IsZero() {
		stored.StartedAt = s.now()
	}
	s.records[rec.ID] = stored
	return rec.ID, nil
}

func (s *memoryScanStore) Get(ctx context.Context, id string) (*domain.ScanRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("get scan %s: %w", id, domain.ErrScanNotFound)
	}
	return rec.Clone(), nil
}

func (s *memoryScanStore) Update(ctx context.Context, id string, mutate ScanMutator) (*domain.ScanRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("update scan %s: %w", id, domain.ErrScanNotFound)
	}
	if current.Status.IsTerminal() {
		return nil, fmt.Errorf("update scan %s (%s): %w", id, current.Status, domain.ErrScanTerminal)
	}

	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}

	if err := s.validate(current, next); err != nil {
		return nil, fmt.Errorf("update scan %s: %w", id, err)
	}

	if next.Status.IsTerminal() && next.CompletedAt == nil {
		t := s.now()
		next.CompletedAt = &t
	}

	s.records[id] = next
	return next.Clone(), nil
}

// validate 校验迁移前后记录的不变量
func (s *memoryScanStore) validate(prev, next *domain.ScanRecord) error {
	if next.ID != prev.ID {
		return fmt.Errorf("scan id changed: %w", domain.ErrInvalidTransition)
	}
	if !prev.Status.CanTransitionTo(next.Status) {
		return fmt.Errorf("%s -> %s: %w", prev.Status, next.Status, domain.ErrInvalidTransition)
	}
	if next.Progress < prev.Progress || next.Progress > domain.ProgressDone {
		return fmt.Errorf("progress %d -> %d: %w", prev.Progress, next.Progress, domain.ErrInvalidTransition)
	}
	if (next.Progress == domain.ProgressDone) != next.Status.IsTerminal() {
		return fmt.Errorf("progress %d with status %s: %w", next.Progress, next.Status, domain.ErrInvalidTransition)
	}
	if !next.Status.IsTerminal() && next.CompletedAt != nil {
		return fmt.Errorf("completed_at set on %s: %w", next.Status, domain.ErrInvalidTransition)
	}
	if next.Status != domain.ScanStatusFailed && next.ErrorDetail != "" {
		return fmt.Errorf("error detail on %s: %w", next.Status, domain.ErrInvalidTransition)
	}
	return nil
}

func (s *memoryScanStore) List(ctx context.Context) ([]*domain.ScanRecord, error) {
	s.mu.RLock()
	list := make([]*domain.ScanRecord, 0, len(s.records))
	for _, rec := range s.records {
		list = append(list, rec.Clone())
	}
	s.mu.RUnlock()

	// 最新的在前
	sort.Slice(list, func(i, j int) bool {
		return list[i].StartedAt.After(list[j].StartedAt)
	})
	return list, nil
}

func (s *memoryScanStore) StatusCounts(ctx context.Context) (map[domain.ScanStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[domain.ScanStatus]int)
	for _, rec := range s.records {
		counts[rec.Status]++
	}
	return counts, nil
}
