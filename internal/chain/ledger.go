package chain

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	xerrors "Spectre-Protocol/internal/errors"
	"Spectre-Protocol/internal/market"
	"Spectre-Protocol/internal/settlement"
)

// CodeChainUnavailable 表示查询链上交易状态失败。
const CodeChainUnavailable xerrors.Code = "CHAIN_UNAVAILABLE"

func init() {
	xerrors.Register(CodeChainUnavailable, xerrors.Attributes{
		Message:   "chain rpc unavailable",
		Severity:  xerrors.SeverityCritical,
		Category:  xerrors.CategoryInternal,
		Retryable: true,
		Alert:     true,
	})
}

// DefaultGasLimit 覆盖 100 字节量级的凭据 calldata。
const DefaultGasLimit uint64 = 100_000

// Backend 是 Ledger 依赖的最小链客户端接口，ethclient.Client 与模拟后端均满足。
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// Config 描述链上账本的连接参数。
type Config struct {
	RPCURL     string
	PrivateKey string
	// Recipient 为空时交易发送给操作员自身地址。
	Recipient string
	GasLimit  uint64
}

// Ledger 将领取凭据写入 EVM 交易的 calldata。
type Ledger struct {
	backend  Backend
	key      *ecdsa.PrivateKey
	from     common.Address
	to       common.Address
	chainID  *big.Int
	gasLimit uint64
	closer   func()

	// mu 串行化 nonce 获取与发送。
	mu sync.Mutex
}

// Dial 连接 RPC 节点并构造 Ledger。
func Dial(ctx context.Context, cfg Config) (*Ledger, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置链 RPC 地址")
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接链节点失败",
			xerrors.WithMetadata("rpc_url", rpcURL))
	}
	ledger, err := NewLedger(ctx, client, cfg)
	if err != nil {
		client.Close()
		return nil, err
	}
	ledger.closer = client.Close
	return ledger, nil
}

// NewLedger 基于已有的链客户端构造 Ledger。
func NewLedger(ctx context.Context, backend Backend, cfg Config) (*Ledger, error) {
	if backend == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "链客户端不能为空")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKey), "0x"))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "操作员私钥无效")
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	to := from
	if recipient := strings.TrimSpace(cfg.Recipient); recipient != "" {
		if !common.IsHexAddress(recipient) {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "结算接收地址无效",
				xerrors.WithMetadata("recipient", recipient))
		}
		to = common.HexToAddress(recipient)
	}
	gasLimit := cfg.GasLimit
	if gasLimit == 0 {
		gasLimit = DefaultGasLimit
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Wrap(CodeChainUnavailable, err, "查询链 ID 失败")
	}
	return &Ledger{
		backend:  backend,
		key:      key,
		from:     from,
		to:       to,
		chainID:  chainID,
		gasLimit: gasLimit,
	}, nil
}

// From 返回操作员地址。
func (l *Ledger) From() common.Address {
	return l.from
}

// ChainID 返回连接的链 ID。
func (l *Ledger) ChainID() *big.Int {
	return new(big.Int).Set(l.chainID)
}

// Submit 签名并发送携带凭据的交易，返回交易哈希。
func (l *Ledger) Submit(ctx context.Context, receipt market.ClaimReceipt) (string, error) {
	if receipt.ReceiptID == "" || receipt.AgentID == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "凭据缺少 receipt_id 或 agent_id")
	}
	payload, err := json.Marshal(anchorPayload{
		ReceiptID: receipt.ReceiptID,
		JobID:     receipt.JobID,
		AgentID:   receipt.AgentID,
		Reward:    receipt.RewardTokens,
		ClaimedAt: receipt.ClaimedAt,
	})
	if err != nil {
		return "", xerrors.Wrap(settlement.CodeSubmitFailed, err, "编码链上凭据失败")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	nonce, err := l.backend.PendingNonceAt(ctx, l.from)
	if err != nil {
		return "", xerrors.Wrap(settlement.CodeSubmitFailed, err, "获取 nonce 失败")
	}
	gasPrice, err := l.backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", xerrors.Wrap(settlement.CodeSubmitFailed, err, "获取 gas 价格失败")
	}
	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       &l.to,
		Value:    big.NewInt(0),
		Gas:      l.gasLimit,
		GasPrice: gasPrice,
		Data:     payload,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(l.chainID), l.key)
	if err != nil {
		return "", xerrors.Wrap(settlement.CodeSubmitFailed, err, "签名结算交易失败")
	}
	if err := l.backend.SendTransaction(ctx, signed); err != nil {
		return "", xerrors.Wrap(settlement.CodeSubmitFailed, err, "发送结算交易失败",
			xerrors.WithMetadata("receipt_id", receipt.ReceiptID))
	}
	return signed.Hash().Hex(), nil
}

// Status 根据交易回执判断结算状态，尚未打包的交易视为 pending。
func (l *Ledger) Status(ctx context.Context, txID string) (settlement.Status, error) {
	raw, err := hexutil.Decode(txID)
	if err != nil || len(raw) != common.HashLength {
		return "", xerrors.New(settlement.CodeTxNotFound, "transaction not found", xerrors.WithMetadata("tx_id", txID))
	}
	receipt, err := l.backend.TransactionReceipt(ctx, common.BytesToHash(raw))
	if errors.Is(err, gethcore.NotFound) {
		return settlement.StatusPending, nil
	}
	if err != nil {
		return "", xerrors.Wrap(CodeChainUnavailable, err, "查询交易回执失败", xerrors.WithMetadata("tx_id", txID))
	}
	if receipt.Status == coretypes.ReceiptStatusSuccessful {
		return settlement.StatusConfirmed, nil
	}
	return settlement.StatusFailed, nil
}

// Close 释放 RPC 连接。
func (l *Ledger) Close() {
	if l.closer != nil {
		l.closer()
		l.closer = nil
	}
}

type anchorPayload struct {
	ReceiptID string `json:"receipt_id"`
	JobID     string `json:"job_id"`
	AgentID   string `json:"agent_id"`
	Reward    uint64 `json:"reward_tokens"`
	ClaimedAt int64  `json:"claimed_at"`
}

var _ settlement.Ledger = (*Ledger)(nil)
