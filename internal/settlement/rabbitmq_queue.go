package settlement

import (
	"context"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "Spectre-Protocol/internal/errors"
	"Spectre-Protocol/internal/market"
	"Spectre-Protocol/pkg/logger"
)

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL             string
	Queue           string
	Prefetch        int
	Durable         bool
	AutoDelete      bool
	MaxRedeliveries int
}

// RabbitMQQueue 使用 RabbitMQ 实现凭据队列，消费端手动确认。
type RabbitMQQueue struct {
	conn            *amqp.Connection
	ch              *amqp.Channel
	publishMu       sync.Mutex
	queue           string
	durable         bool
	maxRedeliveries int
}

// NewRabbitMQQueue 创建 RabbitMQ 队列实例。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "spectre.receipts"
	}
	maxRedeliveries := cfg.MaxRedeliveries
	if maxRedeliveries <= 0 {
		maxRedeliveries = defaultMaxRedeliveries
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "创建 RabbitMQ channel 失败")
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "设置 RabbitMQ QOS 失败")
		}
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "声明 RabbitMQ 队列失败")
	}
	return &RabbitMQQueue{
		conn:            conn,
		ch:              ch,
		queue:           queue,
		durable:         cfg.Durable,
		maxRedeliveries: maxRedeliveries,
	}, nil
}

// Publish 将凭据投递到 RabbitMQ。
func (q *RabbitMQQueue) Publish(ctx context.Context, receipt market.ClaimReceipt) error {
	return q.publish(ctx, envelope{Receipt: receipt})
}

func (q *RabbitMQQueue) publish(ctx context.Context, env envelope) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 队列未初始化")
	}
	body, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType: "application/json",
		MessageId:   env.Receipt.ReceiptID,
		Body:        body,
	}
	if q.durable {
		msg.DeliveryMode = amqp.Persistent
	}
	// amqp.Channel 的发布不是并发安全的。
	q.publishMu.Lock()
	defer q.publishMu.Unlock()
	if err := q.ch.PublishWithContext(ctx, "", q.queue, false, false, msg); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "RabbitMQ 发布凭据失败")
	}
	return nil
}

// Consume 使用手动确认模式消费 RabbitMQ 队列。处理失败的凭据以递增的尝试次数重新发布后再确认原消息。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 队列未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	msgs, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅 RabbitMQ 队列失败")
	}

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					q.handleDelivery(ctx, msg, handler)
				}
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

func (q *RabbitMQQueue) handleDelivery(ctx context.Context, msg amqp.Delivery, handler Handler) {
	env, err := decodeEnvelope(msg.Body)
	if err != nil {
		logger.L().Error("丢弃无法解析的凭据", slog.Any("error", err))
		_ = msg.Nack(false, false)
		return
	}
	if handlerErr := handler(ctx, env.Receipt); handlerErr != nil {
		env.Attempts++
		if env.Attempts > q.maxRedeliveries {
			logger.L().Error("领取凭据超过重投上限，已丢弃",
				slog.String("receipt_id", env.Receipt.ReceiptID),
				slog.Int("attempts", env.Attempts),
				slog.Any("error", handlerErr),
			)
		} else if err := q.publish(context.WithoutCancel(ctx), env); err != nil {
			// 重新发布失败时交回 broker。
			_ = msg.Nack(false, true)
			return
		}
	}
	_ = msg.Ack(false)
}

// Close 关闭 RabbitMQ 连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
