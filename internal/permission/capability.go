package permission

import "fmt"

// 固定能力目录中的能力标识。
const (
	CapabilitySwap      = "wallet.swap"
	CapabilityBridge    = "wallet.bridge"
	CapabilitySend      = "wallet.send"
	CapabilityRead      = "wallet.read"
	CapabilityAlerts    = "alerts.price"
	CapabilitySchedule  = "scheduler.tasks"
	CapabilitySentiment = "analysis.sentiment"
	CapabilityEmail     = "notify.email"
	CapabilityCustom    = "agent.custom"
)

// Limit 表示带单位的数值上限，例如 1000 USD。
type Limit struct {
	Value float64 `json:"value" yaml:"value" toml:"value"`
	Unit  string  `json:"unit" yaml:"unit" toml:"unit"`
}

func (l Limit) String() string {
	return fmt.Sprintf("%g %s", l.Value, l.Unit)
}

// Capability 描述智能体可被单独开关的一项能力。
type Capability struct {
	ID               string `json:"id"`
	Description      string `json:"description,omitempty"`
	Enabled          bool   `json:"enabled"`
	Limit            *Limit `json:"limit,omitempty"`
	RequiresApproval bool   `json:"requires_approval"`
}

func (c Capability) clone() Capability {
	if c.Limit != nil {
		limit := *c.Limit
		c.Limit = &limit
	}
	return c
}

// DefaultCatalog 返回启动时加载的固定能力目录。
func DefaultCatalog() []Capability {
	return []Capability{
		{ID: CapabilitySwap, Description: "token swap", Enabled: true, Limit: &Limit{Value: 1000, Unit: "USD"}},
		{ID: CapabilityBridge, Description: "cross-chain bridge", Enabled: true, Limit: &Limit{Value: 1000, Unit: "USD"}},
		{ID: CapabilitySend, Description: "send tokens", Enabled: true, Limit: &Limit{Value: 500, Unit: "USD"}, RequiresApproval: true},
		{ID: CapabilityRead, Description: "read balances and prices", Enabled: true},
		{ID: CapabilityAlerts, Description: "price alerts", Enabled: true},
		{ID: CapabilitySchedule, Description: "scheduled tasks", Enabled: true},
		{ID: CapabilitySentiment, Description: "market sentiment analysis", Enabled: true},
		{ID: CapabilityEmail, Description: "send email", Enabled: false},
		{ID: CapabilityCustom, Description: "free-form actions", Enabled: false, RequiresApproval: true},
	}
}
