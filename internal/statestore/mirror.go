package statestore

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"AgentPilot/pkg/logger"
)

// Mirror 将内存组件的快照写入后端。同一文档的写入串行执行，
// 若更新的修订已经落盘，较旧的修订会被丢弃。
type Mirror struct {
	backend Backend
	logger  *slog.Logger
	now     func() time.Time

	mu   sync.Mutex
	docs map[string]*document
	wg   sync.WaitGroup
}

type document struct {
	order   sync.Mutex
	write   sync.Mutex
	issued  uint64
	written uint64
}

// MirrorOption 配置 Mirror。
type MirrorOption func(*Mirror)

// WithMirrorLogger 指定日志输出。
func WithMirrorLogger(l *slog.Logger) MirrorOption {
	return func(m *Mirror) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMirrorClock 替换时间来源。
func WithMirrorClock(now func() time.Time) MirrorOption {
	return func(m *Mirror) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMirror 构造 Mirror。
func NewMirror(backend Backend, opts ...MirrorOption) *Mirror {
	m := &Mirror{
		backend: backend,
		logger:  logger.Named("statestore"),
		now:     time.Now,
		docs:    make(map[string]*document),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func (m *Mirror) doc(name string) *document {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[name]
	if !ok {
		d = &document{}
		m.docs[name] = d
	}
	return d
}

// issue 为文档分配新的修订号。
func (m *Mirror) issue(name string) (*document, uint64) {
	d := m.doc(name)
	m.mu.Lock()
	d.issued++
	rev := d.issued
	m.mu.Unlock()
	return d, rev
}

// Load 读取文档到 out。文档不存在时返回 false 且不报错。
func (m *Mirror) Load(ctx context.Context, name string, out any) (bool, error) {
	payload, err := m.backend.Read(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, err := Decode(name, payload, out); err != nil {
		return false, err
	}
	return true, nil
}

// Save 同步写入文档快照。
func (m *Mirror) Save(ctx context.Context, name string, value any) error {
	payload, err := Encode(name, value, m.now())
	if err != nil {
		return err
	}
	d, rev := m.issue(name)
	_, err = m.commit(ctx, name, d, rev, payload)
	return err
}

// commit 在文档写锁内落盘，返回 false 表示修订已过期被丢弃。
func (m *Mirror) commit(ctx context.Context, name string, d *document, rev uint64, payload []byte) (bool, error) {
	d.write.Lock()
	defer d.write.Unlock()
	if rev <= d.written {
		m.logger.Debug("丢弃过期的文档修订", slog.String("document", name), slog.Uint64("revision", rev))
		return false, nil
	}
	if err := m.backend.Write(ctx, name, payload); err != nil {
		return false, err
	}
	d.written = rev
	return true, nil
}

// SaveAsync 在后台写入快照，失败只记录日志。适合在观察者回调中使用。
func (m *Mirror) SaveAsync(name string, value any) {
	m.SaveAsyncFunc(name, func() any { return value })
}

// SaveAsyncFunc 与 SaveAsync 相同，但快照在分配修订号时才生成，
// 修订号越大的写入看到的状态越新。
func (m *Mirror) SaveAsyncFunc(name string, snapshot func() any) {
	d := m.doc(name)
	d.order.Lock()
	value := snapshot()
	_, rev := m.issue(name)
	d.order.Unlock()

	payload, err := Encode(name, value, m.now())
	if err != nil {
		m.logger.Error("序列化文档失败", slog.String("document", name), slog.Any("error", err))
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := m.commit(ctx, name, d, rev, payload); err != nil {
			m.logger.Error("写入文档失败", slog.String("document", name), slog.Any("error", err))
		}
	}()
}

// Flush 等待所有后台写入结束。
func (m *Mirror) Flush() {
	m.wg.Wait()
}

// Close 等待写入完成并关闭后端。
func (m *Mirror) Close() error {
	m.Flush()
	if m.backend == nil {
		return nil
	}
	return m.backend.Close()
}
