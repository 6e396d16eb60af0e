package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apk-analysis/apk-adware-scan/internal/config"
	"github.com/apk-analysis/apk-adware-scan/internal/retry"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// RabbitMQ RabbitMQ 客户端
type RabbitMQ struct {
	cfg           *config.RabbitMQConfig
	heartbeat     time.Duration
	conn          *amqp.Connection
	channel       *amqp.Channel
	logger        *logrus.Logger
	reconnect     chan bool
	retryCfg      *retry.Config
	prefetchCount int // 预取数量，应与 worker 数量匹配

	// 连接状态管理
	mu            sync.RWMutex
	closed        bool
	connNotify    chan *amqp.Error
	channelNotify chan *amqp.Error
}

// NewRabbitMQ 创建 RabbitMQ 客户端
// prefetchCount 应与 worker 数量匹配，以实现并行消费
func NewRabbitMQ(cfg *config.RabbitMQConfig, prefetchCount int, logger *logrus.Logger) (*RabbitMQ, error) {
	if prefetchCount <= 0 {
		prefetchCount = 1
	}

	mq := &RabbitMQ{
		cfg:           cfg,
		heartbeat:     10 * time.Second,
		logger:        logger,
		reconnect:     make(chan bool, 10),
		prefetchCount: prefetchCount,
		retryCfg:      retry.ReconnectConfig(logger),
	}

	if err := mq.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	return mq, nil
}

// url 连接地址
func (mq *RabbitMQ) url() string {
	return amqp.URI{
		Scheme:   "amqp",
		Host:     mq.cfg.Host,
		Port:     mq.cfg.Port,
		Username: mq.cfg.User,
		Password: mq.cfg.Password,
		Vhost:    mq.cfg.VHost,
	}.String()
}

// connect 建立连接并声明队列
func (mq *RabbitMQ) connect() error {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	conn, err := amqp.DialConfig(mq.url(), amqp.Config{
		Heartbeat: mq.heartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.Qos(mq.prefetchCount, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	_, err = ch.QueueDeclare(
		mq.cfg.Queue, // name
		true,         // durable
		false,        // delete when unused
		false,        // exclusive
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	mq.conn = conn
	mq.channel = ch
	mq.connNotify = conn.NotifyClose(make(chan *amqp.Error, 1))
	mq.channelNotify = ch.NotifyClose(make(chan *amqp.Error, 1))

	mq.logger.WithFields(logrus.Fields{
		"host":           mq.cfg.Host,
		"port":           mq.cfg.Port,
		"queue":          mq.cfg.Queue,
		"prefetch_count": mq.prefetchCount,
	}).Info("Connected to RabbitMQ")

	return nil
}

// StartConnectionWatcher 监听连接与 channel 关闭事件，直到主动关闭
func (mq *RabbitMQ) StartConnectionWatcher() {
	go func() {
		for {
			mq.mu.RLock()
			if mq.closed {
				mq.mu.RUnlock()
				return
			}
			connNotify := mq.connNotify
			channelNotify := mq.channelNotify
			mq.mu.RUnlock()

			var amqpErr *amqp.Error
			var ok bool
			select {
			case amqpErr, ok = <-connNotify:
			case amqpErr, ok = <-channelNotify:
			}

			mq.mu.RLock()
			closed := mq.closed
			mq.mu.RUnlock()
			if closed {
				return
			}

			if ok && amqpErr != nil {
				mq.logger.WithError(amqpErr).Error("RabbitMQ connection closed unexpectedly")
			} else {
				mq.logger.Warn("RabbitMQ connection closed")
			}
			mq.triggerReconnect()

			// 等待重连完成后再继续监听新的通知通道
			mq.waitReconnected()
		}
	}()
}

func (mq *RabbitMQ) waitReconnected() {
	for {
		mq.mu.RLock()
		closed := mq.closed
		connected := mq.conn != nil && !mq.conn.IsClosed()
		mq.mu.RUnlock()
		if closed || connected {
			return
		}
		time.Sleep(time.Second)
	}
}

// triggerReconnect 触发重连信号（非阻塞）
func (mq *RabbitMQ) triggerReconnect() {
	select {
	case mq.reconnect <- true:
	default:
		mq.logger.Debug("Reconnect signal already pending")
	}
}

// Reconnect 按指数退避重连
func (mq *RabbitMQ) Reconnect(ctx context.Context) error {
	mq.closeConnections()

	err := retry.Do(ctx, mq.retryCfg, func(ctx context.Context) error {
		return mq.connect()
	})
	if err != nil {
		return fmt.Errorf("failed to reconnect: %w", err)
	}

	mq.logger.Info("Successfully reconnected to RabbitMQ")
	return nil
}

// closeConnections 关闭现有连接（不设置 closed 标志）
func (mq *RabbitMQ) closeConnections() {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	if mq.channel != nil {
		mq.channel.Close()
		mq.channel = nil
	}
	if mq.conn != nil {
		mq.conn.Close()
		mq.conn = nil
	}
}

func (mq *RabbitMQ) currentChannel() (*amqp.Channel, error) {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	if mq.channel == nil {
		return nil, fmt.Errorf("channel is nil")
	}
	return mq.channel, nil
}

// Publish 发布持久化消息
func (mq *RabbitMQ) Publish(ctx context.Context, body []byte) error {
	ch, err := mq.currentChannel()
	if err != nil {
		return err
	}

	return ch.PublishWithContext(
		ctx,
		"",           // exchange
		mq.cfg.Queue, // routing key
		false,        // mandatory
		false,        // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}

// Consume 手动确认模式消费
func (mq *RabbitMQ) Consume() (<-chan amqp.Delivery, error) {
	ch, err := mq.currentChannel()
	if err != nil {
		return nil, err
	}

	msgs, err := ch.Consume(
		mq.cfg.Queue, // queue
		"",           // consumer
		false,        // auto-ack
		false,        // exclusive
		false,        // no-local
		false,        // no-wait
		nil,          // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume: %w", err)
	}

	return msgs, nil
}

// QueueDepth 队列中待消费的消息数
func (mq *RabbitMQ) QueueDepth() (int, error) {
	ch, err := mq.currentChannel()
	if err != nil {
		return 0, err
	}

	queue, err := ch.QueueInspect(mq.cfg.Queue)
	if err != nil {
		return 0, err
	}
	return queue.Messages, nil
}

// Close 关闭连接
func (mq *RabbitMQ) Close() error {
	mq.mu.Lock()
	mq.closed = true
	mq.mu.Unlock()

	mq.closeConnections()

	mq.logger.Info("RabbitMQ connection closed")
	return nil
}

// ReconnectChan 重连信号通道
func (mq *RabbitMQ) ReconnectChan() <-chan bool {
	return mq.reconnect
}
