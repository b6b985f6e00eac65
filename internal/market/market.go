// Package market 提供静态报价表，用于上限换算与阈值触发器。
// 报价不来自网络，由配置或测试注入。
package market

import (
	"sort"
	"strings"
	"sync"
)

// DefaultPrices 返回以 USD 计价的内置报价。
func DefaultPrices() map[string]float64 {
	return map[string]float64{
		"USD":   1,
		"USDC":  1,
		"USDT":  1,
		"DAI":   1,
		"ETH":   3000,
		"WETH":  3000,
		"BTC":   60000,
		"WBTC":  60000,
		"SOL":   150,
		"MATIC": 0.7,
		"ARB":   0.8,
		"OP":    1.6,
		"LINK":  14,
		"UNI":   7,
	}
}

// Table 是线程安全的代币报价表，所有价格以 USD 为基准。
type Table struct {
	mu     sync.RWMutex
	prices map[string]float64
}

// NewTable 以默认报价为基础，叠加 overrides 构造报价表。
func NewTable(overrides map[string]float64) *Table {
	t := &Table{prices: DefaultPrices()}
	for symbol, price := range overrides {
		t.Set(symbol, price)
	}
	return t
}

// Set 更新单个代币的报价，非正数会被忽略。
func (t *Table) Set(symbol string, usd float64) {
	if usd <= 0 {
		return
	}
	t.mu.Lock()
	t.prices[normalize(symbol)] = usd
	t.mu.Unlock()
}

// Price 返回代币的 USD 报价。
func (t *Table) Price(symbol string) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.prices[normalize(symbol)]
	return p, ok
}

// Known 判断代币是否在报价表中。
func (t *Table) Known(symbol string) bool {
	_, ok := t.Price(symbol)
	return ok
}

// Symbols 返回排序后的代币列表。
func (t *Table) Symbols() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.prices))
	for s := range t.prices {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Snapshot 返回报价副本。
func (t *Table) Snapshot() map[string]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]float64, len(t.prices))
	for k, v := range t.prices {
		out[k] = v
	}
	return out
}

// Convert 将 amount 个 from 换算为 to 单位。任一单位未知时返回 false。
func (t *Table) Convert(amount float64, from, to string) (float64, bool) {
	from, to = normalize(from), normalize(to)
	if from == to && from != "" {
		return amount, true
	}
	fp, ok := t.Price(from)
	if !ok {
		return 0, false
	}
	tp, ok := t.Price(to)
	if !ok {
		return 0, false
	}
	return amount * fp / tp, true
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
