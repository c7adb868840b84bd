package settlement

import (
	"context"
	"log/slog"
	"sync"

	xerrors "Spectre-Protocol/internal/errors"
	"Spectre-Protocol/internal/market"
	"Spectre-Protocol/pkg/logger"
)

// MemoryQueue 使用 channel 模拟消息队列，适合单进程部署与测试。
type MemoryQueue struct {
	ch              chan envelope
	done            chan struct{}
	once            sync.Once
	maxRedeliveries int
}

// MemoryQueueOption 定义内存队列的可选配置。
type MemoryQueueOption func(*MemoryQueue)

// WithMaxRedeliveries 设置单张凭据的最大重投次数，0 表示不重投。
func WithMaxRedeliveries(n int) MemoryQueueOption {
	return func(q *MemoryQueue) {
		if n >= 0 {
			q.maxRedeliveries = n
		}
	}
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int, opts ...MemoryQueueOption) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	q := &MemoryQueue{
		ch:              make(chan envelope, size),
		done:            make(chan struct{}),
		maxRedeliveries: defaultMaxRedeliveries,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

// Publish 将凭据投递到队列。
func (q *MemoryQueue) Publish(ctx context.Context, receipt market.ClaimReceipt) error {
	return q.enqueue(ctx, envelope{Receipt: receipt})
}

func (q *MemoryQueue) enqueue(ctx context.Context, env envelope) error {
	select {
	case <-q.done:
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
	case q.ch <- env:
		return nil
	}
}

// Consume 启动指定数量的工作协程消费队列，直到 ctx 结束或队列关闭。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
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
				case <-q.done:
					return
				case env := <-q.ch:
					if err := handler(ctx, env.Receipt); err != nil {
						q.redeliver(ctx, env, err)
					}
				}
			}
		}()
	}
	select {
	case <-ctx.Done():
	case <-q.done:
	}
	wg.Wait()
	return ctx.Err()
}

func (q *MemoryQueue) redeliver(ctx context.Context, env envelope, cause error) {
	env.Attempts++
	if env.Attempts > q.maxRedeliveries {
		logger.L().Error("领取凭据超过重投上限，已丢弃",
			slog.String("receipt_id", env.Receipt.ReceiptID),
			slog.Int("attempts", env.Attempts),
			slog.Any("error", cause),
		)
		return
	}
	// 不能在消费协程里阻塞等待自己腾出空间。
	go func() {
		if err := q.enqueue(context.WithoutCancel(ctx), env); err != nil {
			logger.L().Warn("领取凭据重投失败",
				slog.String("receipt_id", env.Receipt.ReceiptID),
				slog.Any("error", err),
			)
		}
	}()
}

// Close 关闭内存队列，未消费的凭据会被丢弃。
func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.done) })
	return nil
}
