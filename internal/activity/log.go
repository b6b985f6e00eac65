package activity

import (
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultCapacity 是日志默认容量。
const DefaultCapacity = 50

// Observer 在条目追加后被调用，调用发生在锁外。
type Observer func(Entry)

// Log 是先进先出的环形缓冲区，满时淘汰最旧的条目。
type Log struct {
	mu        sync.Mutex
	buf       []Entry
	head      int
	size      int
	seq       uint64
	observers []Observer
	now       func() time.Time
	newID     func() string
}

// Option 定义 Log 的可选配置。
type Option func(*Log)

// WithObserver 注册追加观察者。
func WithObserver(o Observer) Option {
	return func(l *Log) {
		if o != nil {
			l.observers = append(l.observers, o)
		}
	}
}

// WithClock 替换时钟。
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		if now != nil {
			l.now = now
		}
	}
}

// New 创建容量为 capacity 的日志，非正数使用 DefaultCapacity。
func New(capacity int, opts ...Option) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l := &Log{buf: make([]Entry, capacity), now: time.Now, newID: uuid.NewString}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Capacity 返回日志容量。
func (l *Log) Capacity() int {
	return len(l.buf)
}

// Len 返回当前条目数。
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Append 追加条目并返回填充了 ID、序号与时间戳的副本。
func (l *Log) Append(e Entry) Entry {
	e = e.clone()
	l.mu.Lock()
	l.seq++
	e.Seq = l.seq
	if e.ID == "" {
		e.ID = l.newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	l.pushLocked(e)
	observers := l.observers
	l.mu.Unlock()

	for _, o := range observers {
		o(e.clone())
	}
	return e.clone()
}

func (l *Log) pushLocked(e Entry) {
	capacity := len(l.buf)
	if l.size < capacity {
		l.buf[(l.head+l.size)%capacity] = e
		l.size++
		return
	}
	l.buf[l.head] = e
	l.head = (l.head + 1) % capacity
}

// Snapshot 按从旧到新的顺序返回全部条目。
func (l *Log) Snapshot() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, l.size)
	for i := 0; i < l.size; i++ {
		out[i] = l.buf[(l.head+i)%len(l.buf)].clone()
	}
	return out
}

// List 返回从新到旧的惰性序列。每次遍历都会重新取快照，因此序列可重复遍历，
// 遍历期间的追加不会影响本次结果。
func (l *Log) List(opts ...ListOption) iter.Seq[Entry] {
	options := buildListOptions(opts)
	return func(yield func(Entry) bool) {
		entries := l.Snapshot()
		emitted := 0
		for i := len(entries) - 1; i >= 0; i-- {
			if !options.match(entries[i]) {
				continue
			}
			if !yield(entries[i]) {
				return
			}
			emitted++
			if options.Limit > 0 && emitted >= options.Limit {
				return
			}
		}
	}
}

// Restore 从持久化状态恢复条目，输入按从旧到新排列，超出容量时保留最新的部分。
// 序号会从已恢复条目的最大值继续递增。
func (l *Log) Restore(entries []Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(entries) > len(l.buf) {
		entries = entries[len(entries)-len(l.buf):]
	}
	l.head, l.size = 0, 0
	for _, e := range entries {
		l.pushLocked(e.clone())
		if e.Seq > l.seq {
			l.seq = e.Seq
		}
	}
}
