// Package intent 将自由文本解析为带参数的动作类型。
// 解析基于有序关键字规则表，是纯函数，不依赖任何外部状态。
package intent

import "strings"

// Kind 表示动作类型，取值为封闭枚举。
type Kind string

const (
	KindSwap      Kind = "SWAP"
	KindBridge    Kind = "BRIDGE"
	KindSend      Kind = "SEND"
	KindAlert     Kind = "ALERT"
	KindSchedule  Kind = "SCHEDULE"
	KindCheck     Kind = "CHECK"
	KindSentiment Kind = "SENTIMENT"
	KindEmail     Kind = "EMAIL"
	KindCustom    Kind = "CUSTOM"
)

// NoteClarification 是 CUSTOM 结果附带的提示。
const NoteClarification = "manual clarification required"

// Kinds 返回全部动作类型。
func Kinds() []Kind {
	return []Kind{KindSwap, KindBridge, KindSend, KindAlert, KindSchedule, KindCheck, KindSentiment, KindEmail, KindCustom}
}

// ParseKind 将字符串转换为 Kind，大小写不敏感。
func ParseKind(s string) (Kind, bool) {
	k := Kind(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Kinds() {
		if k == known {
			return k, true
		}
	}
	return "", false
}

var slots = map[Kind][]string{
	KindSwap:      {"amount", "from", "to"},
	KindBridge:    {"amount", "token", "from_chain", "to_chain"},
	KindSend:      {"amount", "token", "to"},
	KindAlert:     {"asset", "condition", "threshold", "unit"},
	KindSchedule:  {"frequency", "day", "time", "task"},
	KindCheck:     {"subject", "asset", "address"},
	KindSentiment: {"asset"},
	KindEmail:     {"recipient", "subject"},
	KindCustom:    {},
}

// Slots 返回动作类型的固定参数槽位。
func Slots(k Kind) []string {
	return append([]string(nil), slots[k]...)
}

// Intent 是一次分类调用的不可变结果。
type Intent struct {
	Kind         Kind              `json:"kind"`
	Parameters   map[string]string `json:"parameters"`
	OriginalText string            `json:"original_text"`
	Note         string            `json:"note,omitempty"`
}

// NeedsClarification 判断是否需要用户补充说明。
func (i Intent) NeedsClarification() bool {
	return i.Kind == KindCustom
}
