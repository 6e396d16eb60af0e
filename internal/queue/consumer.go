package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apk-analysis/apk-adware-scan/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// ScanHandler 扫描消息处理函数
type ScanHandler func(ctx context.Context, msg *ScanMessage) error

// Consumer 从扫描队列取消息，交给 ScanHandler 执行
// 连接断开后停下所有 worker，重连成功再重新消费
type Consumer struct {
	mq      *RabbitMQ
	logger  *logrus.Logger
	handler ScanHandler
	workers int

	wg     sync.WaitGroup
	active atomic.Int32

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// NewConsumer 创建消费者
func NewConsumer(mq *RabbitMQ, handler ScanHandler, workers int, logger *logrus.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{mq: mq, logger: logger, handler: handler, workers: workers}
}

// Start 启动消费者
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.startWorkers(ctx); err != nil {
		return err
	}

	c.mq.StartConnectionWatcher()
	go c.handleReconnect(ctx)

	return nil
}

func (c *Consumer) startWorkers(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		c.logger.Warn("Consumer already running, skipping start")
		return nil
	}

	msgs, err := c.mq.Consume()
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true

	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.consume(workerCtx, i, msgs)
	}

	c.logger.WithFields(logrus.Fields{
		"workers": c.workers,
		"queue":   c.mq.cfg.Queue,
	}).Info("Scan consumer started")
	return nil
}

func (c *Consumer) consume(ctx context.Context, id int, msgs <-chan amqp.Delivery) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-msgs:
			if !ok {
				c.logger.WithField("worker_id", id).Warn("Delivery channel closed")
				return
			}
			c.processMessage(ctx, id, delivery)
		}
	}
}

// processMessage 处理单条消息
// 扫描失败时记录已是终态，消息不再重新入队；记录已结束或不存在的消息直接确认
func (c *Consumer) processMessage(ctx context.Context, workerID int, delivery amqp.Delivery) {
	c.active.Add(1)
	defer c.active.Add(-1)
	startTime := time.Now()

	var msg ScanMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil || msg.ScanID == "" {
		c.logger.WithError(err).WithField("body_bytes", len(delivery.Body)).Error("Dropping malformed scan message")
		delivery.Nack(false, false)
		return
	}

	logger := c.logger.WithFields(logrus.Fields{
		"worker_id":   workerID,
		"scan_id":     msg.ScanID,
		"redelivered": delivery.Redelivered,
	})

	err := c.handler(ctx, &msg)
	switch {
	case err == nil:
		logger.WithField("duration", time.Since(startTime).Seconds()).Info("Scan message processed")
	case errors.Is(err, domain.ErrScanTerminal), errors.Is(err, domain.ErrScanNotFound):
		logger.WithError(err).Warn("Stale scan message, acknowledging without rerun")
	default:
		logger.WithError(err).Error("Scan processing failed")
		delivery.Nack(false, false)
		return
	}

	if err := delivery.Ack(false); err != nil {
		logger.WithError(err).Error("Failed to acknowledge scan message")
	}
}

func (c *Consumer) handleReconnect(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.mq.ReconnectChan():
			c.logger.Warn("RabbitMQ connection lost, pausing scan consumer")
			c.stopWorkers()

			if err := c.mq.Reconnect(ctx); err != nil {
				c.logger.WithError(err).Error("Reconnect gave up, waiting for next signal")
				continue
			}
			if err := c.startWorkers(ctx); err != nil {
				c.logger.WithError(err).Error("Failed to resume scan consumer")
			}
		}
	}
}

// stopWorkers 取消 worker 并等待正在执行的扫描结束，最多等 stopTimeout
func (c *Consumer) stopWorkers() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.running = false
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(stopTimeout):
		c.logger.WithField("active", c.ActiveWorkers()).Warn("Timed out waiting for scan consumers")
	}
}

const stopTimeout = 30 * time.Second

// Stop 停止消费者
func (c *Consumer) Stop() {
	c.stopWorkers()
	c.logger.Info("Scan consumer stopped")
}

// ActiveWorkers 正在处理消息的 worker 数
func (c *Consumer) ActiveWorkers() int {
	return int(c.active.Load())
}

// QueueSize broker 中等待消费的扫描消息数，查询失败时返回 0
func (c *Consumer) QueueSize() int {
	depth, err := c.mq.QueueDepth()
	if err != nil {
		c.logger.WithError(err).Debug("Failed to inspect scan queue")
		return 0
	}
	return depth
}

// IsRunning 检查消费者是否正在运行
func (c *Consumer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
