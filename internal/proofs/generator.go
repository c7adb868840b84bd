package proofs

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

// Generator 生成模拟执行证明，随机源与时钟均可替换，便于测试复现。
type Generator struct {
	mu    sync.Mutex
	rng   *rand.Rand
	clock func() time.Time
}

// GeneratorOption 定义可选配置。
type GeneratorOption func(*Generator)

// WithSource 指定随机源。
func WithSource(src rand.Source) GeneratorOption {
	return func(g *Generator) {
		if src != nil {
			g.rng = rand.New(src)
		}
	}
}

// WithClock 指定时间来源。
func WithClock(clock func() time.Time) GeneratorOption {
	return func(g *Generator) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// NewGenerator 构造 Generator，默认使用基于时间播种的 PCG 随机源。
func NewGenerator(opts ...GeneratorOption) *Generator {
	now := uint64(time.Now().UnixNano())
	g := &Generator{
		rng:   rand.New(rand.NewPCG(now, now>>32)),
		clock: time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Mock 为指定 agent 与模型哈希生成一份满足占位校验器的证明。
func (g *Generator) Mock(agentID, modelHash string) ExecutionProof {
	g.mu.Lock()
	tag := g.rng.Uint32()
	nonce := g.rng.Uint32()
	g.mu.Unlock()

	return ExecutionProof{
		AgentID:   agentID,
		ModelHash: modelHash,
		Token:     []byte(fmt.Sprintf("%sproof_%d", DefaultProofPrefix, tag)),
		Timestamp: g.clock().Unix(),
		Nonce:     nonce,
	}
}
