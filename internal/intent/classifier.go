package intent

import "strings"

type extractor func(c *Classifier, tokens []token) map[string]string

var extractors = map[Kind]extractor{
	KindSwap:      (*Classifier).extractSwap,
	KindBridge:    (*Classifier).extractBridge,
	KindSend:      (*Classifier).extractSend,
	KindAlert:     (*Classifier).extractAlert,
	KindSchedule:  (*Classifier).extractSchedule,
	KindCheck:     (*Classifier).extractCheck,
	KindSentiment: (*Classifier).extractSentiment,
	KindEmail:     (*Classifier).extractEmail,
}

// DefaultSymbols 是无需大写也能识别的代币符号。
var DefaultSymbols = []string{"ETH", "WETH", "BTC", "WBTC", "SOL", "USDC", "USDT", "DAI", "MATIC", "ARB", "OP", "LINK", "UNI"}

// Classifier 持有只读的规则表与代币表，可被多个协程共享。
type Classifier struct {
	rules   []Rule
	symbols map[string]struct{}
}

// Option 定义 Classifier 的可选配置。
type Option func(*Classifier)

// WithRules 替换默认规则表。
func WithRules(rules []Rule) Option {
	return func(c *Classifier) {
		if len(rules) > 0 {
			c.rules = append([]Rule(nil), rules...)
		}
	}
}

// WithSymbols 追加可识别的代币符号。
func WithSymbols(symbols ...string) Option {
	return func(c *Classifier) {
		for _, s := range symbols {
			c.symbols[strings.ToUpper(s)] = struct{}{}
		}
	}
}

// New 构造 Classifier。
func New(opts ...Option) *Classifier {
	c := &Classifier{rules: DefaultRules(), symbols: make(map[string]struct{}, len(DefaultSymbols))}
	for _, s := range DefaultSymbols {
		c.symbols[s] = struct{}{}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Rules 返回当前规则表副本。
func (c *Classifier) Rules() []Rule {
	return append([]Rule(nil), c.rules...)
}

// Classify 返回文本对应的意图，从不失败。无规则命中时返回 CUSTOM。
func (c *Classifier) Classify(text string) Intent {
	folded := strings.ToLower(text)
	for _, rule := range c.rules {
		if !rule.Matches(folded) {
			continue
		}
		params := emptyParams(rule.Kind)
		if extract, ok := extractors[rule.Kind]; ok {
			params = extract(c, tokenize(text))
		}
		return Intent{Kind: rule.Kind, Parameters: params, OriginalText: text}
	}
	return Intent{
		Kind:         KindCustom,
		Parameters:   map[string]string{},
		OriginalText: text,
		Note:         NoteClarification,
	}
}

var defaultClassifier = New()

// Classify 使用默认规则表分类文本。
func Classify(text string) Intent {
	return defaultClassifier.Classify(text)
}
