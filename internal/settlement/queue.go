package settlement

import (
	"context"
	"encoding/json"

	xerrors "Spectre-Protocol/internal/errors"
	"Spectre-Protocol/internal/market"
)

// Handler 处理一条领取凭据。返回错误时队列会按重投上限重新投递。
type Handler func(ctx context.Context, receipt market.ClaimReceipt) error

// Producer 负责向队列投递领取凭据，同时满足 market.ReceiptSink。
type Producer interface {
	Publish(ctx context.Context, receipt market.ClaimReceipt) error
	Close() error
}

// Consumer 负责从队列中消费领取凭据。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

const defaultMaxRedeliveries = 3

// envelope 是 Redis 与 RabbitMQ 上传输的消息体。
type envelope struct {
	Receipt  market.ClaimReceipt `json:"receipt"`
	Attempts int                 `json:"attempts"`
}

func encodeEnvelope(env envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "编码领取凭据失败")
	}
	return data, nil
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, xerrors.Wrap(xerrors.CodeQueueFailure, err, "解析领取凭据失败")
	}
	if env.Receipt.ReceiptID == "" || env.Receipt.AgentID == "" {
		return envelope{}, xerrors.New(xerrors.CodeQueueFailure, "领取凭据缺少必要字段")
	}
	return env, nil
}

var (
	_ market.ReceiptSink = (Producer)(nil)
	_ Queue              = (*MemoryQueue)(nil)
	_ Queue              = (*RedisQueue)(nil)
	_ Queue              = (*RabbitMQQueue)(nil)
)
