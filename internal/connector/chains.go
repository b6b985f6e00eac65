package connector

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainCatalog 描述模拟连接器支持的链，对应 chains.yaml。
type ChainCatalog struct {
	Chains map[string]Chain `yaml:"chains"`
}

// Chain 描述单条链。
type Chain struct {
	ChainID     int64  `yaml:"chain_id"`
	Native      string `yaml:"native"`
	Description string `yaml:"description"`
}

// DefaultChains 返回内置链目录。
func DefaultChains() ChainCatalog {
	return ChainCatalog{Chains: map[string]Chain{
		"ethereum": {ChainID: 1, Native: "ETH", Description: "Ethereum mainnet"},
		"base":     {ChainID: 8453, Native: "ETH", Description: "Base"},
		"arbitrum": {ChainID: 42161, Native: "ETH", Description: "Arbitrum One"},
		"optimism": {ChainID: 10, Native: "ETH", Description: "OP Mainnet"},
		"polygon":  {ChainID: 137, Native: "MATIC", Description: "Polygon PoS"},
	}}
}

// LoadChains 解析链目录 YAML，路径为空时返回内置目录。
func LoadChains(path string) (ChainCatalog, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultChains(), nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return ChainCatalog{}, fmt.Errorf("读取链配置失败: %w", err)
	}
	var catalog ChainCatalog
	if err := yaml.Unmarshal(content, &catalog); err != nil {
		return ChainCatalog{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if len(catalog.Chains) == 0 {
		return ChainCatalog{}, fmt.Errorf("链配置 %s 未定义任何链", path)
	}
	normalized := make(map[string]Chain, len(catalog.Chains))
	for name, chain := range catalog.Chains {
		normalized[strings.ToLower(strings.TrimSpace(name))] = chain
	}
	catalog.Chains = normalized
	return catalog, nil
}

// Lookup 按名称（大小写不敏感）查找链。
func (c ChainCatalog) Lookup(name string) (Chain, bool) {
	chain, ok := c.Chains[strings.ToLower(strings.TrimSpace(name))]
	return chain, ok
}
