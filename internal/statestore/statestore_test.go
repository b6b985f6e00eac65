package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	xerrors "AgentPilot/internal/errors"
)

type sample struct {
	Items []string `json:"items"`
}

func TestEnvelopeRejectsNewerSchema(t *testing.T) {
	payload, err := json.Marshal(Envelope{SchemaVersion: SchemaVersion + 1, Name: DocCommands, Data: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	_, err = Decode(DocCommands, payload, &sample{})
	if !xerrors.HasCode(err, xerrors.CodeStateVersion) {
		t.Fatalf("expected STATE_VERSION, got %v", err)
	}

	payload, _ = Encode(DocWorkflows, sample{}, time.Now())
	if _, err := Decode(DocCommands, payload, &sample{}); !xerrors.HasCode(err, xerrors.CodeStateVersion) {
		t.Fatalf("expected name mismatch to be rejected, got %v", err)
	}
}

func TestMirrorFileRoundTrip(t *testing.T) {
	backend, err := NewFileBackend(filepath.Join(t.TempDir(), "state"))
	if err != nil {
		t.Fatalf("file backend: %v", err)
	}
	m := NewMirror(backend)
	ctx := context.Background()

	var out sample
	found, err := m.Load(ctx, DocCommands, &out)
	if err != nil || found {
		t.Fatalf("empty store: found=%v err=%v", found, err)
	}

	if err := m.Save(ctx, DocCommands, sample{Items: []string{"swap 1 ETH for USDC"}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	m.SaveAsync(DocCommands, sample{Items: []string{"check ETH", "swap 1 ETH for USDC"}})
	m.Flush()

	found, err = m.Load(ctx, DocCommands, &out)
	if err != nil || !found {
		t.Fatalf("load: found=%v err=%v", found, err)
	}
	if len(out.Items) != 2 || out.Items[0] != "check ETH" {
		t.Fatalf("unexpected document: %+v", out)
	}

	raw, err := backend.Read(ctx, DocCommands)
	if err != nil {
		t.Fatalf("read raw: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("raw is not an envelope: %v", err)
	}
	if env.SchemaVersion != SchemaVersion || env.Name != DocCommands {
		t.Fatalf("unexpected envelope header: %+v", env)
	}
}

type recordingBackend struct {
	mu     sync.Mutex
	writes []string
}

func (r *recordingBackend) Read(context.Context, string) ([]byte, error) { return nil, ErrNotFound }
func (r *recordingBackend) Close() error                                 { return nil }
func (r *recordingBackend) Write(_ context.Context, _ string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes = append(r.writes, string(payload))
	return nil
}

func TestMirrorDropsStaleRevision(t *testing.T) {
	backend := &recordingBackend{}
	m := NewMirror(backend)
	ctx := context.Background()

	d, older := m.issue(DocPermissions)
	_, newer := m.issue(DocPermissions)

	if ok, err := m.commit(ctx, DocPermissions, d, newer, []byte("new")); err != nil || !ok {
		t.Fatalf("newer commit: ok=%v err=%v", ok, err)
	}
	if ok, err := m.commit(ctx, DocPermissions, d, older, []byte("old")); err != nil || ok {
		t.Fatalf("older commit should be dropped: ok=%v err=%v", ok, err)
	}
	if len(backend.writes) != 1 || backend.writes[0] != "new" {
		t.Fatalf("unexpected writes: %v", backend.writes)
	}
}

func TestSaveAsyncFuncKeepsLatestSnapshot(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("file backend: %v", err)
	}
	m := NewMirror(backend)

	var (
		mu    sync.Mutex
		items []string
		wg    sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			mu.Lock()
			items = append(items, strconv.Itoa(i))
			mu.Unlock()
			m.SaveAsyncFunc(DocActivities, func() any {
				mu.Lock()
				defer mu.Unlock()
				return sample{Items: append([]string(nil), items...)}
			})
		}(i)
	}
	wg.Wait()
	m.Flush()

	var out sample
	if found, err := m.Load(context.Background(), DocActivities, &out); err != nil || !found {
		t.Fatalf("load: found=%v err=%v", found, err)
	}
	if len(out.Items) != 50 {
		t.Fatalf("persisted %d items, want 50", len(out.Items))
	}
}

func TestSQLiteBackend(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	backend, err := OpenSQLite(ctx, Config{Dir: dir})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	if _, err := backend.Read(ctx, DocWorkflows); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := backend.Write(ctx, DocWorkflows, []byte(`{"v":1}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := backend.Write(ctx, DocWorkflows, []byte(`{"v":2}`)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// 重新打开时迁移不应重复执行。
	backend, err = OpenSQLite(ctx, Config{Dir: dir})
	if err != nil {
		t.Fatalf("reopen sqlite: %v", err)
	}
	defer backend.Close()
	got, err := backend.Read(ctx, DocWorkflows)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != `{"v":2}` {
		t.Fatalf("unexpected payload %s", got)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "etcd"})
	if !errors.Is(err, ErrUnsupportedDriver) {
		t.Fatalf("expected ErrUnsupportedDriver, got %v", err)
	}
}
