package settlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "Spectre-Protocol/internal/errors"
	"Spectre-Protocol/internal/market"
	"Spectre-Protocol/pkg/logger"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address         string
	Password        string
	DB              int
	Queue           string
	BlockWait       time.Duration
	MaxRedeliveries int
}

// RedisQueue 使用 Redis list 保存待结算的凭据，LPUSH 入队，BRPOP 出队。
type RedisQueue struct {
	client          *redis.Client
	queue           string
	wait            time.Duration
	maxRedeliveries int
}

// NewRedisQueue 创建 Redis 队列实例。
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败")
	}
	return newRedisQueue(client, cfg), nil
}

func newRedisQueue(client *redis.Client, cfg RedisQueueConfig) *RedisQueue {
	queue := cfg.Queue
	if queue == "" {
		queue = "spectre:receipts"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	maxRedeliveries := cfg.MaxRedeliveries
	if maxRedeliveries <= 0 {
		maxRedeliveries = defaultMaxRedeliveries
	}
	return &RedisQueue{client: client, queue: queue, wait: wait, maxRedeliveries: maxRedeliveries}
}

// Publish 将凭据投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, receipt market.ClaimReceipt) error {
	return q.push(ctx, envelope{Receipt: receipt})
}

func (q *RedisQueue) push(ctx context.Context, env envelope) error {
	data, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.queue, data).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布凭据失败")
	}
	return nil
}

// Consume 通过 BRPOP 从 Redis 获取凭据，返回第一个不可恢复的错误。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				if ctx.Err() != nil {
					errCh <- ctx.Err()
					return
				}
				values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
				if err != nil {
					if errors.Is(err, redis.Nil) {
						continue
					}
					if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					errCh <- xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 获取凭据失败")
					return
				}
				if len(values) != 2 {
					continue
				}
				env, err := decodeEnvelope([]byte(values[1]))
				if err != nil {
					logger.L().Error("丢弃无法解析的凭据", slog.Any("error", err))
					continue
				}
				if handlerErr := handler(ctx, env.Receipt); handlerErr != nil {
					q.redeliver(ctx, env, handlerErr)
				}
			}
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (q *RedisQueue) redeliver(ctx context.Context, env envelope, cause error) {
	env.Attempts++
	if env.Attempts > q.maxRedeliveries {
		logger.L().Error("领取凭据超过重投上限，已丢弃",
			slog.String("receipt_id", env.Receipt.ReceiptID),
			slog.Int("attempts", env.Attempts),
			slog.Any("error", cause),
		)
		return
	}
	// 重投到队尾，避免立即被同一个 worker 取回。
	data, err := encodeEnvelope(env)
	if err == nil {
		err = q.client.LPush(context.WithoutCancel(ctx), q.queue, data).Err()
	}
	if err != nil {
		logger.L().Warn("领取凭据重投失败", slog.String("receipt_id", env.Receipt.ReceiptID), slog.Any("error", err))
	}
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
