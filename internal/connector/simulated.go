package connector

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "AgentPilot/internal/errors"
	"AgentPilot/internal/intent"
	"AgentPilot/pkg/logger"
)

// PriceSource 为模拟查询提供报价。
type PriceSource interface {
	Price(symbol string) (float64, bool)
}

// Simulated 是不访问任何网络的连接器。交易类动作返回由参数计算出的
// 确定性交易哈希，故障可以按动作类型注入。
type Simulated struct {
	latency time.Duration
	chains  ChainCatalog
	prices  PriceSource
	wallet  common.Address

	mu       sync.Mutex
	failures map[intent.Kind]int
	logger   *slog.Logger
}

// SimulatedOption 定义模拟连接器的可选配置。
type SimulatedOption func(*Simulated)

// WithLatency 设置每次调用的模拟耗时。
func WithLatency(d time.Duration) SimulatedOption {
	return func(s *Simulated) {
		if d > 0 {
			s.latency = d
		}
	}
}

// WithChains 替换链目录。
func WithChains(c ChainCatalog) SimulatedOption {
	return func(s *Simulated) {
		if len(c.Chains) > 0 {
			s.chains = c
		}
	}
}

// WithPrices 设置报价来源。
func WithPrices(p PriceSource) SimulatedOption {
	return func(s *Simulated) {
		s.prices = p
	}
}

// WithWallet 设置模拟钱包地址。
func WithWallet(hex string) SimulatedOption {
	return func(s *Simulated) {
		if common.IsHexAddress(hex) {
			s.wallet = common.HexToAddress(hex)
		}
	}
}

// NewSimulated 创建模拟连接器。
func NewSimulated(opts ...SimulatedOption) *Simulated {
	s := &Simulated{
		chains:   DefaultChains(),
		failures: make(map[intent.Kind]int),
		wallet:   common.HexToAddress("0x00000000000000000000000000000000000a9e17"),
		logger:   logger.Named("connector"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// FailNext 让接下来 n 次该类型的调用失败，n 为负数表示一直失败。
func (s *Simulated) FailNext(kind intent.Kind, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n == 0 {
		delete(s.failures, kind)
		return
	}
	s.failures[kind] = n
}

func (s *Simulated) shouldFail(kind intent.Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.failures[kind]
	if !ok {
		return false
	}
	if n > 0 {
		n--
		if n == 0 {
			delete(s.failures, kind)
		} else {
			s.failures[kind] = n
		}
	}
	return true
}

// Execute 实现 Connector。
func (s *Simulated) Execute(ctx context.Context, kind intent.Kind, params map[string]string) (Result, error) {
	if s.latency > 0 {
		timer := time.NewTimer(s.latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Result{}, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "connector call interrupted")
		case <-timer.C:
		}
	}
	if s.shouldFail(kind) {
		return Result{}, xerrors.New(xerrors.CodeConnectorFailure, fmt.Sprintf("simulated %s failure", strings.ToLower(string(kind))))
	}

	ref, _ := StepFrom(ctx)
	data := map[string]string{"simulated": "true"}
	switch kind {
	case intent.KindSwap, intent.KindSend:
		data["tx_hash"] = s.txHash(kind, ref, params).Hex()
		data["from"] = s.wallet.Hex()
	case intent.KindBridge:
		from, to := params["from_chain"], params["to_chain"]
		if from == "" {
			from = "ethereum"
		}
		src, ok := s.chains.Lookup(from)
		if !ok {
			return Result{Success: false, ErrorReason: fmt.Sprintf("unsupported chain %q", from)}, nil
		}
		dst, ok := s.chains.Lookup(to)
		if !ok {
			return Result{Success: false, ErrorReason: fmt.Sprintf("unsupported chain %q", to)}, nil
		}
		data["tx_hash"] = s.txHash(kind, ref, params).Hex()
		data["source_chain_id"] = strconv.FormatInt(src.ChainID, 10)
		data["target_chain_id"] = strconv.FormatInt(dst.ChainID, 10)
	case intent.KindCheck:
		asset := params["asset"]
		if asset != "" && s.prices != nil {
			if p, ok := s.prices.Price(asset); ok {
				data["price_usd"] = strconv.FormatFloat(p, 'f', -1, 64)
			}
		}
		address := s.wallet
		if common.IsHexAddress(params["address"]) {
			address = common.HexToAddress(params["address"])
		}
		data["address"] = address.Hex()
		data["balance"] = s.balance(address, asset)
	case intent.KindSentiment:
		h := s.txHash(kind, StepRef{}, params)
		score := float64(int(h[0])%201-100) / 100
		data["score"] = strconv.FormatFloat(score, 'f', 2, 64)
	case intent.KindAlert, intent.KindSchedule, intent.KindEmail:
		data["reference"] = s.txHash(kind, ref, params).Hex()[:18]
	default:
		return Result{Success: false, ErrorReason: fmt.Sprintf("unsupported action %s", kind)}, nil
	}
	s.logger.Debug("模拟执行完成", slog.String("kind", string(kind)), slog.String("step_id", ref.StepID))
	return Result{Success: true, Data: data}, nil
}

// txHash 对动作类型、步骤标识与排序后的参数计算 Keccak256。
func (s *Simulated) txHash(kind intent.Kind, ref StepRef, params map[string]string) common.Hash {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(string(kind))
	b.WriteString("|" + ref.PlanID + "|" + ref.StepID)
	for _, k := range keys {
		b.WriteString("|" + k + "=" + params[k])
	}
	return crypto.Keccak256Hash([]byte(b.String()))
}

func (s *Simulated) balance(address common.Address, asset string) string {
	seed := crypto.Keccak256(address.Bytes(), []byte(strings.ToUpper(asset)))
	wei := new(big.Int).SetBytes(seed[:6])
	whole := new(big.Int).Div(wei, big.NewInt(1_000_000_000))
	return whole.String()
}
