package workflow

import (
	"strings"
	"sync"
)

// DefaultHistoryCapacity 是命令历史的默认容量。
const DefaultHistoryCapacity = 50

// CommandHistory 按最近优先保存提交过的命令文本，重复提交会移到最前。
type CommandHistory struct {
	mu        sync.RWMutex
	capacity  int
	items     []string
	observers []func([]string)
}

// NewCommandHistory 创建命令历史。
func NewCommandHistory(capacity int, observers ...func([]string)) *CommandHistory {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &CommandHistory{capacity: capacity, observers: observers}
}

// Add 记录一条命令，空白文本被忽略。
func (h *CommandHistory) Add(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	h.mu.Lock()
	items := make([]string, 0, len(h.items)+1)
	items = append(items, text)
	for _, existing := range h.items {
		if existing != text {
			items = append(items, existing)
		}
	}
	if len(items) > h.capacity {
		items = items[:h.capacity]
	}
	h.items = items
	snapshot := append([]string(nil), items...)
	h.mu.Unlock()

	for _, o := range h.observers {
		o(snapshot)
	}
}

// Recent 返回最近的 n 条命令，n<=0 返回全部。
func (h *CommandHistory) Recent(n int) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if n <= 0 || n > len(h.items) {
		n = len(h.items)
	}
	return append([]string(nil), h.items[:n]...)
}

// Suggest 返回以 prefix 开头（不区分大小写）的最近命令。
func (h *CommandHistory) Suggest(prefix string, n int) []string {
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	for _, item := range h.items {
		if n > 0 && len(out) >= n {
			break
		}
		if strings.HasPrefix(strings.ToLower(item), prefix) {
			out = append(out, item)
		}
	}
	return out
}

// Restore 载入持久化的历史，保持顺序并去重。
func (h *CommandHistory) Restore(items []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	seen := make(map[string]bool, len(items))
	h.items = h.items[:0]
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		h.items = append(h.items, item)
		if len(h.items) == h.capacity {
			break
		}
	}
}
