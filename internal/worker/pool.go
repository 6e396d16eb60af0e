package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/apk-analysis/apk-adware-scan/internal/domain"
	"github.com/sirupsen/logrus"
)

// Runner 执行单个扫描
type Runner interface {
	Run(ctx context.Context, scanID string) error
}

// Handle 单个扫描任务的句柄
// 只携带完成信号，不支持取消
type Handle struct {
	ScanID string
	done   chan struct{}
	err    error
}

func newHandle(scanID string) *Handle {
	return &Handle{ScanID: scanID, done: make(chan struct{})}
}

// Done 任务结束时关闭
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait 等待任务结束，返回执行错误
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) finish(err error) {
	h.err = err
	close(h.done)
}

// Pool Worker 池
type Pool struct {
	workers  int
	taskChan chan *Handle
	runner   Runner
	logger   *logrus.Logger
	wg       sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
	active  atomic.Int32
}

// NewPool 创建 Worker 池
func NewPool(workers, queueSize int, runner Runner, logger *logrus.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	return &Pool{
		workers:  workers,
		taskChan: make(chan *Handle, queueSize),
		runner:   runner,
		logger:   logger,
	}
}

// Start 启动 Worker 池
func (p *Pool) Start(ctx context.Context) {
	p.logger.WithField("workers", p.workers).Info("Starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// worker Worker 协程
func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	p.logger.WithField("worker_id", id).Debug("Worker started")

	for {
		select {
		case <-ctx.Done():
			p.logger.WithField("worker_id", id).Info("Worker shutting down")
			return

		case task, ok := <-p.taskChan:
			if !ok {
				p.logger.WithField("worker_id", id).Debug("Task channel closed, worker exiting")
				return
			}

			p.logger.WithFields(logrus.Fields{
				"worker_id": id,
				"scan_id":   task.ScanID,
			}).Debug("Processing scan")

			task.finish(p.execute(ctx, task.ScanID))
		}
	}
}

// execute 隔离单个任务的 panic，避免拖垮 worker
func (p *Pool) execute(ctx context.Context, scanID string) (err error) {
	p.active.Add(1)
	defer p.active.Add(-1)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
			p.logger.WithField("scan_id", scanID).Error("Recovered panic in worker")
		}
	}()

	return p.runner.Run(ctx, scanID)
}

// Submit 提交任务（非阻塞，队列满时立即返回）
func (p *Pool) Submit(scanID string) (*Handle, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return nil, fmt.Errorf("worker pool stopped: %w", domain.ErrQueueFull)
	}

	task := newHandle(scanID)
	select {
	case p.taskChan <- task:
		p.logger.WithField("scan_id", scanID).Debug("Scan submitted to pool")
		return task, nil
	default:
		return nil, fmt.Errorf("task queue is full: %w", domain.ErrQueueFull)
	}
}

// Dispatch 提交扫描，不关心句柄
func (p *Pool) Dispatch(ctx context.Context, rec *domain.ScanRecord) error {
	_, err := p.Submit(rec.ID)
	return err
}

// SubmitAndWait 提交任务并等待完成
func (p *Pool) SubmitAndWait(ctx context.Context, scanID string) error {
	handle, err := p.Submit(scanID)
	if err != nil {
		return err
	}
	return handle.Wait(ctx)
}

// Stop 停止接收任务，等待队列中任务执行完
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.taskChan)
	p.mu.Unlock()

	p.logger.Info("Stopping worker pool")
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// QueueSize 队列中等待的任务数
func (p *Pool) QueueSize() int {
	return len(p.taskChan)
}

// ActiveWorkers 正在执行任务的 worker 数
func (p *Pool) ActiveWorkers() int {
	return int(p.active.Load())
}
