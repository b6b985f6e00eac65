package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"AgentPilot/internal/plan"
)

// definitionFile 允许单个定义或 workflows 列表两种写法。
type definitionFile struct {
	Workflows []plan.WorkflowDefinition `yaml:"workflows"`
}

// LoadDefinitionFile 从 YAML 文件读取工作流定义。
func LoadDefinitionFile(path string) ([]plan.WorkflowDefinition, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取工作流文件失败: %w", err)
	}
	return ParseDefinitions(content)
}

// ParseDefinitions 解析 YAML 内容，支持多文档。
func ParseDefinitions(content []byte) ([]plan.WorkflowDefinition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(content))
	var out []plan.WorkflowDefinition
	for {
		var node yaml.Node
		if err := dec.Decode(&node); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("解析工作流文件失败: %w", err)
		}
		var file definitionFile
		if err := node.Decode(&file); err == nil && len(file.Workflows) > 0 {
			out = append(out, file.Workflows...)
			continue
		}
		var def plan.WorkflowDefinition
		if err := node.Decode(&def); err != nil {
			return nil, fmt.Errorf("解析工作流定义失败: %w", err)
		}
		out = append(out, def)
	}
	if len(out) == 0 {
		return nil, errors.New("工作流文件中没有定义")
	}
	return out, nil
}
