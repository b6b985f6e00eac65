package intent

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/ethereum/go-ethereum/common"
)

type token struct {
	raw    string
	folded string
}

func tokenize(text string) []token {
	fields := strings.Fields(text)
	out := make([]token, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimRight(f, ".,!?;:")
		if f == "" {
			continue
		}
		out = append(out, token{raw: f, folded: strings.ToLower(f)})
	}
	return out
}

func indexOf(tokens []token, from int, words ...string) int {
	for i := from; i < len(tokens); i++ {
		for _, w := range words {
			if tokens[i].folded == w {
				return i
			}
		}
	}
	return -1
}

// parseNumber 接受 "0.1"、"$3,000"、"3000usd" 形式，返回规范化数字与是否带美元符号。
func parseNumber(raw string) (string, bool, bool) {
	s := strings.ToLower(raw)
	dollar := strings.HasPrefix(s, "$")
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSuffix(s, "usd")
	if s == "" {
		return "", false, false
	}
	if _, err := strconv.ParseFloat(s, 64); err != nil {
		return "", false, false
	}
	return s, dollar || strings.HasSuffix(strings.ToLower(raw), "usd"), true
}

func (c *Classifier) isSymbol(t token) bool {
	if _, ok := c.symbols[strings.ToUpper(t.raw)]; ok {
		return true
	}
	if len(t.raw) < 2 || len(t.raw) > 6 {
		return false
	}
	hasLetter := false
	for _, r := range t.raw {
		switch {
		case unicode.IsUpper(r):
			hasLetter = true
		case unicode.IsDigit(r):
		default:
			return false
		}
	}
	return hasLetter
}

func (c *Classifier) firstSymbol(tokens []token, from int) (string, int) {
	if from < 0 {
		return "", -1
	}
	for i := from; i < len(tokens); i++ {
		if c.isSymbol(tokens[i]) {
			return strings.ToUpper(tokens[i].raw), i
		}
	}
	return "", -1
}

func firstNumber(tokens []token, from int) (string, bool, int) {
	if from < 0 {
		return "", false, -1
	}
	for i := from; i < len(tokens); i++ {
		if n, dollar, ok := parseNumber(tokens[i].raw); ok {
			return n, dollar, i
		}
	}
	return "", false, -1
}

func nextWord(tokens []token, i int) string {
	if i < 0 || i+1 >= len(tokens) {
		return ""
	}
	return tokens[i+1].raw
}

// markDollar 记录金额本身带的美元标记，"$500 of ETH" 表示 500 美元而非 500 ETH。
// amount_unit 不是固定槽位，只在有标记时出现。
func markDollar(p map[string]string, dollar bool) {
	if dollar {
		p["amount_unit"] = "USD"
	}
}

func emptyParams(k Kind) map[string]string {
	params := make(map[string]string, len(slots[k]))
	for _, s := range slots[k] {
		params[s] = ""
	}
	return params
}

func (c *Classifier) extractSwap(tokens []token) map[string]string {
	p := emptyParams(KindSwap)
	start := indexOf(tokens, 0, "swap", "trade") + 1
	amount, dollar, at := firstNumber(tokens, start)
	p["amount"] = amount
	markDollar(p, dollar)
	symFrom := start
	if at >= 0 {
		symFrom = at + 1
	}
	from, fi := c.firstSymbol(tokens, symFrom)
	p["from"] = from
	if fi >= 0 {
		if sep := indexOf(tokens, fi+1, "for", "to", "into", "->"); sep >= 0 {
			p["to"], _ = c.firstSymbol(tokens, sep+1)
		}
	}
	return p
}

func (c *Classifier) extractBridge(tokens []token) map[string]string {
	p := emptyParams(KindBridge)
	amount, dollar, at := firstNumber(tokens, 0)
	p["amount"] = amount
	markDollar(p, dollar)
	if at >= 0 {
		p["token"], _ = c.firstSymbol(tokens, at+1)
	}
	if i := indexOf(tokens, 0, "from"); i >= 0 {
		p["from_chain"] = strings.ToLower(nextWord(tokens, i))
	}
	if i := indexOf(tokens, 0, "to", "onto"); i >= 0 {
		p["to_chain"] = strings.ToLower(nextWord(tokens, i))
	}
	return p
}

func (c *Classifier) extractSend(tokens []token) map[string]string {
	p := emptyParams(KindSend)
	amount, dollar, at := firstNumber(tokens, 0)
	p["amount"] = amount
	markDollar(p, dollar)
	if at >= 0 {
		p["token"], _ = c.firstSymbol(tokens, at+1)
		if p["token"] == "" && dollar {
			p["token"] = "USD"
		}
	}
	if i := indexOf(tokens, 0, "to"); i >= 0 {
		dest := nextWord(tokens, i)
		if strings.HasPrefix(strings.ToLower(dest), "0x") && !common.IsHexAddress(dest) {
			dest = ""
		}
		p["to"] = dest
	}
	return p
}

func (c *Classifier) extractAlert(tokens []token) map[string]string {
	p := emptyParams(KindAlert)
	p["asset"], _ = c.firstSymbol(tokens, 0)
	cond := -1
	for i, t := range tokens {
		switch t.folded {
		case "above", "over", "exceeds", ">", "hits", "reaches":
			p["condition"], cond = "above", i
		case "below", "under", "<", "drops":
			p["condition"], cond = "below", i
		}
		if cond >= 0 {
			break
		}
	}
	from := 0
	if cond >= 0 {
		from = cond + 1
	}
	threshold, dollar, at := firstNumber(tokens, from)
	p["threshold"] = threshold
	switch {
	case dollar:
		p["unit"] = "USD"
	case at >= 0:
		next := nextWord(tokens, at)
		if strings.EqualFold(next, "dollars") || strings.EqualFold(next, "usd") {
			p["unit"] = "USD"
		} else if sym, si := c.firstSymbol(tokens, at+1); si == at+1 {
			p["unit"] = sym
		}
	}
	return p
}

var weekdays = []string{"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"}

func (c *Classifier) extractSchedule(tokens []token) map[string]string {
	p := emptyParams(KindSchedule)
	p["frequency"] = "once"
	for i, t := range tokens {
		word := strings.TrimSuffix(t.folded, "s")
		switch {
		case t.folded == "daily" || (t.folded == "every" && strings.HasPrefix(nextWord(tokens, i), "day")):
			p["frequency"] = "daily"
		case t.folded == "hourly" || (t.folded == "every" && strings.EqualFold(nextWord(tokens, i), "hour")):
			p["frequency"] = "hourly"
		case t.folded == "weekly" || (t.folded == "every" && strings.EqualFold(nextWord(tokens, i), "week")):
			p["frequency"] = "weekly"
		case t.folded == "tomorrow" || t.folded == "today":
			p["day"] = t.folded
		}
		for _, d := range weekdays {
			if word == d {
				p["day"] = d
				if i > 0 && tokens[i-1].folded == "every" {
					p["frequency"] = "weekly"
				}
			}
		}
		if p["time"] == "" && looksLikeTime(t.folded) {
			p["time"] = t.folded
		}
	}
	p["task"] = scheduleTask(tokens)
	return p
}

var (
	taskLeadWords = map[string]bool{"schedule": true, "remind": true, "me": true, "to": true, "a": true, "an": true, "the": true, "please": true}
	taskStopWords = map[string]bool{"every": true, "daily": true, "weekly": true, "hourly": true, "at": true, "on": true, "each": true, "tomorrow": true, "today": true}
)

// scheduleTask 取调度关键字之后、时间描述之前的词作为任务描述。
func scheduleTask(tokens []token) string {
	i := 0
	for i < len(tokens) && taskLeadWords[tokens[i].folded] {
		i++
	}
	var words []string
	for ; i < len(tokens); i++ {
		if taskStopWords[tokens[i].folded] {
			break
		}
		words = append(words, tokens[i].raw)
	}
	return strings.Join(words, " ")
}

func looksLikeTime(s string) bool {
	if strings.HasSuffix(s, "am") || strings.HasSuffix(s, "pm") {
		s = strings.TrimSuffix(strings.TrimSuffix(s, "am"), "pm")
		if s == "" {
			return false
		}
		if h, m, ok := strings.Cut(s, ":"); ok {
			return isDigits(h) && isDigits(m)
		}
		return isDigits(s)
	}
	h, m, ok := strings.Cut(s, ":")
	return ok && isDigits(h) && len(m) == 2 && isDigits(m)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (c *Classifier) extractCheck(tokens []token) map[string]string {
	p := emptyParams(KindCheck)
	for _, t := range tokens {
		switch t.folded {
		case "balance", "balances":
			p["subject"] = "balance"
		case "price", "prices":
			p["subject"] = "price"
		case "gas":
			p["subject"] = "gas"
		case "portfolio":
			p["subject"] = "portfolio"
		}
		if p["subject"] != "" {
			break
		}
	}
	p["asset"], _ = c.firstSymbol(tokens, 0)
	for _, t := range tokens {
		if common.IsHexAddress(t.raw) {
			p["address"] = common.HexToAddress(t.raw).Hex()
			break
		}
	}
	return p
}

func (c *Classifier) extractSentiment(tokens []token) map[string]string {
	p := emptyParams(KindSentiment)
	p["asset"], _ = c.firstSymbol(tokens, 0)
	return p
}

func (c *Classifier) extractEmail(tokens []token) map[string]string {
	p := emptyParams(KindEmail)
	for _, t := range tokens {
		if strings.Contains(t.raw, "@") && strings.Contains(t.raw, ".") {
			p["recipient"] = t.raw
			break
		}
	}
	if p["recipient"] == "" {
		if i := indexOf(tokens, 0, "to"); i >= 0 {
			p["recipient"] = nextWord(tokens, i)
		}
	}
	if i := indexOf(tokens, 0, "about", "regarding", "subject"); i >= 0 && i+1 < len(tokens) {
		words := make([]string, 0, len(tokens)-i-1)
		for _, t := range tokens[i+1:] {
			words = append(words, t.raw)
		}
		p["subject"] = strings.Join(words, " ")
	}
	return p
}
