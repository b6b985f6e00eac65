package statestore

import (
	"encoding/json"
	"fmt"
	"time"

	xerrors "AgentPilot/internal/errors"
)

// SchemaVersion 是当前写入的文档结构版本。
const SchemaVersion = 1

// 已知的文档名称。
const (
	DocCommands    = "commands"
	DocWorkflows   = "workflows"
	DocActivities  = "activities"
	DocPermissions = "permissions"
)

// Envelope 包裹所有持久化文档，用于版本校验。
type Envelope struct {
	SchemaVersion int             `json:"schema_version"`
	Name          string          `json:"name"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Data          json.RawMessage `json:"data"`
}

// Encode 将 value 序列化为带版本的信封。
func Encode(name string, value any, now time.Time) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("encode %s", name))
	}
	return json.Marshal(Envelope{
		SchemaVersion: SchemaVersion,
		Name:          name,
		UpdatedAt:     now.UTC(),
		Data:          data,
	})
}

// Decode 解析信封并将数据写入 out。版本高于当前实现或名称不符时拒绝加载。
func Decode(name string, payload []byte, out any) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return env, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("decode %s envelope", name))
	}
	if env.SchemaVersion <= 0 || env.SchemaVersion > SchemaVersion {
		return env, xerrors.New(xerrors.CodeStateVersion,
			fmt.Sprintf("%s: unsupported schema version %d", name, env.SchemaVersion))
	}
	if env.Name != "" && env.Name != name {
		return env, xerrors.New(xerrors.CodeStateVersion,
			fmt.Sprintf("document %q stored under %q", env.Name, name))
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return env, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("decode %s data", name))
		}
	}
	return env, nil
}
