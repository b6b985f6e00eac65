package intent

import "strings"

// Rule 将关键字组合映射到动作类型。Alternatives 中任意一组关键字全部
// 以子串形式出现在小写文本中即视为命中。
type Rule struct {
	Kind         Kind       `json:"kind" yaml:"kind"`
	Alternatives [][]string `json:"alternatives" yaml:"alternatives"`
}

// Matches 判断规则是否命中已转为小写的文本。
func (r Rule) Matches(folded string) bool {
	for _, all := range r.Alternatives {
		if len(all) == 0 {
			continue
		}
		hit := true
		for _, kw := range all {
			if !strings.Contains(folded, strings.ToLower(kw)) {
				hit = false
				break
			}
		}
		if hit {
			return true
		}
	}
	return false
}

// DefaultRules 返回内置规则表，自上而下匹配，首个命中者生效。
//
// BRIDGE 规则沿用现有产品行为：单独出现 "bridge" 即命中，"transfer"
// 必须与 "base" 同时出现才命中。
func DefaultRules() []Rule {
	return []Rule{
		{Kind: KindSwap, Alternatives: [][]string{{"swap"}, {"trade"}}},
		{Kind: KindBridge, Alternatives: [][]string{{"bridge"}, {"transfer", "base"}}},
		{Kind: KindEmail, Alternatives: [][]string{{"email"}, {"e-mail"}}},
		{Kind: KindSend, Alternatives: [][]string{{"send"}, {"pay"}, {"transfer"}}},
		{Kind: KindAlert, Alternatives: [][]string{{"alert"}, {"notify me"}, {"when", "above"}, {"when", "below"}}},
		{Kind: KindSchedule, Alternatives: [][]string{{"schedule"}, {"every"}, {"daily"}, {"weekly"}, {"remind"}}},
		{Kind: KindSentiment, Alternatives: [][]string{{"sentiment"}, {"analyze"}, {"analyse"}, {"mood"}}},
		{Kind: KindCheck, Alternatives: [][]string{{"check"}, {"balance"}, {"portfolio"}, {"gas"}, {"price of"}}},
	}
}
