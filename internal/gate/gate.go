// Package gate 在步骤派发前依据能力开关、上限与审批要求给出放行决定。
package gate

import (
	"fmt"
	"strconv"
	"strings"

	xerrors "AgentPilot/internal/errors"
	"AgentPilot/internal/intent"
	"AgentPilot/internal/market"
	"AgentPilot/internal/permission"
	"AgentPilot/internal/plan"
)

// Verdict 是门禁结论。
type Verdict string

const (
	Allow           Verdict = "ALLOW"
	Deny            Verdict = "DENY"
	PendingApproval Verdict = "PENDING_APPROVAL"
)

const (
	ReasonCapabilityDisabled = "capability disabled"
	ReasonLimitExceeded      = "limit exceeded"
	ReasonApprovalRequired   = "approval required"
)

// Quantity 是步骤参数隐含的数量。
type Quantity struct {
	Amount float64 `json:"amount"`
	Unit   string  `json:"unit"`
}

func (q Quantity) String() string {
	return fmt.Sprintf("%g %s", q.Amount, q.Unit)
}

// Decision 是一次门禁评估的结果，不单独持久化。
type Decision struct {
	Verdict      Verdict      `json:"verdict"`
	Reason       string       `json:"reason,omitempty"`
	CapabilityID string       `json:"capability_id"`
	Code         xerrors.Code `json:"code,omitempty"`
	Implied      *Quantity    `json:"implied,omitempty"`
}

// Err 将 DENY 结论转换为带错误码的错误，其他结论返回 nil。
func (d Decision) Err() error {
	if d.Verdict != Deny {
		return nil
	}
	return xerrors.New(d.Code, d.Reason, xerrors.WithMetadata("capability", d.CapabilityID))
}

var capabilityByKind = map[intent.Kind]string{
	intent.KindSwap:      permission.CapabilitySwap,
	intent.KindBridge:    permission.CapabilityBridge,
	intent.KindSend:      permission.CapabilitySend,
	intent.KindAlert:     permission.CapabilityAlerts,
	intent.KindSchedule:  permission.CapabilitySchedule,
	intent.KindCheck:     permission.CapabilityRead,
	intent.KindSentiment: permission.CapabilitySentiment,
	intent.KindEmail:     permission.CapabilityEmail,
	intent.KindCustom:    permission.CapabilityCustom,
}

// CapabilityFor 返回动作类型所需的能力标识。
func CapabilityFor(kind intent.Kind) (string, bool) {
	id, ok := capabilityByKind[kind]
	return id, ok
}

// CapabilityReader 是门禁读取能力所需的最小接口。
type CapabilityReader interface {
	Get(id string) (permission.Capability, bool)
}

// Converter 在单位之间换算数量。
type Converter interface {
	Convert(amount float64, from, to string) (float64, bool)
}

// Gate 持有单位换算表。
type Gate struct {
	rates Converter
}

// New 构造 Gate，rates 为 nil 时使用内置报价表。
func New(rates Converter) *Gate {
	if rates == nil {
		rates = market.NewTable(nil)
	}
	return &Gate{rates: rates}
}

var defaultGate = New(nil)

// Evaluate 使用内置报价表评估步骤。
func Evaluate(step *plan.Step, store CapabilityReader) Decision {
	return defaultGate.Evaluate(step, store)
}

// Evaluate 依次检查：能力未知或关闭、超出上限、需要审批，否则放行。
// 无法换算到上限单位的数量不会触发上限拒绝。
func (g *Gate) Evaluate(step *plan.Step, store CapabilityReader) Decision {
	capID, known := CapabilityFor(step.Kind)
	d := Decision{CapabilityID: capID}
	var capability permission.Capability
	if known && store != nil {
		capability, known = store.Get(capID)
	}
	if !known || !capability.Enabled {
		d.Verdict, d.Reason, d.Code = Deny, ReasonCapabilityDisabled, xerrors.CodeCapabilityDisabled
		return d
	}

	if q, ok := ImpliedQuantity(step); ok {
		d.Implied = &q
		if capability.Limit != nil {
			if value, ok := g.rates.Convert(q.Amount, q.Unit, capability.Limit.Unit); ok && value > capability.Limit.Value {
				d.Verdict, d.Reason, d.Code = Deny, ReasonLimitExceeded, xerrors.CodeLimitExceeded
				return d
			}
		}
	}

	if capability.RequiresApproval {
		d.Verdict, d.Reason = PendingApproval, ReasonApprovalRequired
		return d
	}
	d.Verdict = Allow
	return d
}

// ImpliedQuantity 从步骤参数中推导数量。amount 为空或无法解析时返回 false。
// 单位依次取 amount_unit、amount 自带的美元标记（"$500"、"500usd"），
// 最后是 from、token、unit。
func ImpliedQuantity(step *plan.Step) (Quantity, bool) {
	raw := strings.ToLower(strings.TrimSpace(step.Parameters["amount"]))
	if raw == "" {
		return Quantity{}, false
	}
	dollar := strings.HasPrefix(raw, "$") || strings.HasSuffix(raw, "usd")
	raw = strings.TrimSuffix(strings.TrimPrefix(raw, "$"), "usd")
	raw = strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	amount, err := strconv.ParseFloat(raw, 64)
	if err != nil || amount < 0 {
		return Quantity{}, false
	}
	unit := strings.ToUpper(strings.TrimSpace(step.Parameters["amount_unit"]))
	if unit == "" && dollar {
		unit = "USD"
	}
	for _, key := range []string{"from", "token", "unit"} {
		if unit != "" {
			break
		}
		unit = strings.ToUpper(strings.TrimSpace(step.Parameters[key]))
	}
	return Quantity{Amount: amount, Unit: unit}, true
}
