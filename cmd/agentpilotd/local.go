package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"AgentPilot/internal/approval"
	"AgentPilot/internal/dispatch"
	"AgentPilot/internal/engine"
	"AgentPilot/internal/intent"
	"AgentPilot/internal/plan"
	"AgentPilot/internal/workflow"
)

var autoApprove bool

var classifyCmd = &cobra.Command{
	Use:   "classify <text>",
	Short: "只做意图分类，不生成计划",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := intent.Classify(strings.Join(args, " "))
		return printJSON(cmd.OutOrStdout(), in)
	},
}

var runCmd = &cobra.Command{
	Use:   "run <text>",
	Short: "在本进程内分类并执行一条命令",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, queue, err := localEngine()
		if err != nil {
			return err
		}
		sub, err := eng.SubmitText(cmd.Context(), strings.Join(args, " "))
		if err != nil {
			return err
		}
		if sub.Plan == nil {
			return printJSON(cmd.OutOrStdout(), sub)
		}
		plans, err := drain(cmd.Context(), eng, queue)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), plans)
	},
}

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "工作流相关命令",
}

var workflowRunCmd = &cobra.Command{
	Use:   "run <file>",
	Short: "加载 YAML 工作流定义并依次执行",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		defs, err := workflow.LoadDefinitionFile(args[0])
		if err != nil {
			return err
		}
		eng, queue, err := localEngine()
		if err != nil {
			return err
		}
		for _, def := range defs {
			wf, err := eng.SaveWorkflow(def)
			if err != nil {
				return fmt.Errorf("保存工作流 %q: %w", def.Name, err)
			}
			if _, err := eng.SubmitWorkflow(cmd.Context(), wf.ID); err != nil {
				return fmt.Errorf("提交工作流 %q: %w", def.Name, err)
			}
		}
		plans, err := drain(cmd.Context(), eng, queue)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), plans)
	},
}

func init() {
	for _, c := range []*cobra.Command{runCmd, workflowRunCmd} {
		c.Flags().BoolVar(&autoApprove, "approve", false, "自动批准需要审批的步骤")
	}
}

// localQueue 只记录计划 ID，由 drain 在当前协程中依次执行。
type localQueue struct {
	mu  sync.Mutex
	ids []string
}

func (q *localQueue) Publish(_ context.Context, msg dispatch.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, msg.PlanID)
	return nil
}

func (q *localQueue) Close() error { return nil }

func (q *localQueue) take() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := q.ids
	q.ids = nil
	return ids
}

func localEngine() (*engine.Engine, *localQueue, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	// 标准输出只留给 JSON 结果。
	cfg.Logging.Outputs = []string{"stderr"}
	if err := initLogger(cfg); err != nil {
		return nil, nil, err
	}
	queue := &localQueue{}
	var eng *engine.Engine
	opts := []engine.Option{engine.WithQueue(queue)}
	if autoApprove {
		opts = append(opts, engine.WithApprovalNotifier(func(req approval.Request) {
			go func() { _ = eng.ResolveApproval(req.PlanID, req.StepID, true) }()
		}))
	}
	eng, err = buildEngine(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	applyPermissions(eng, cfg.Permissions)
	return eng, queue, nil
}

func drain(ctx context.Context, eng *engine.Engine, queue *localQueue) ([]*plan.Plan, error) {
	var out []*plan.Plan
	for _, id := range queue.take() {
		if err := eng.Execute(ctx, id); err != nil {
			return out, err
		}
		p, err := eng.Plan(id)
		if err != nil {
			return out, err
		}
		out = append(out, p)
	}
	return out, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
