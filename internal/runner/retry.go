package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"AgentPilot/internal/connector"
	xerrors "AgentPilot/internal/errors"
	"AgentPilot/internal/plan"
)

// execute 调用连接器，按步骤的 MaxRetries 进行指数退避重试。
// 连接器调用脱离取消信号，只受单次尝试的超时约束。
func (r *Runner) execute(ctx context.Context, planID string, step *plan.Step) (connector.Result, error) {
	ctx, span := r.tracer.Start(ctx, "step."+string(step.Kind))
	span.SetAttributes(
		attribute.String("plan.id", planID),
		attribute.String("step.id", step.ID),
		attribute.Int("step.max_retries", step.MaxRetries),
	)
	defer span.End()

	detached := context.WithoutCancel(ctx)
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = r.defaults.StepTimeout
	}

	operation := func() (connector.Result, error) {
		step.Attempts++
		attemptCtx, cancel := context.WithTimeout(detached, timeout)
		defer cancel()
		attemptCtx = connector.WithStep(attemptCtx, connector.StepRef{PlanID: planID, StepID: step.ID, Attempt: step.Attempts})

		res, err := r.connector.Execute(attemptCtx, step.Kind, step.Parameters)
		if err == nil && attemptCtx.Err() != nil {
			err = attemptCtx.Err()
		}
		switch {
		case err != nil && attemptCtx.Err() != nil:
			return res, xerrors.Wrap(xerrors.CodeConnectorFailure, err, fmt.Sprintf("step timed out after %s", timeout))
		case err != nil:
			if e, ok := xerrors.From(err); ok && e.Code() != xerrors.CodeConnectorFailure && !e.Retryable() {
				return res, backoff.Permanent(err)
			}
			return res, err
		case !res.Success:
			reason := res.ErrorReason
			if reason == "" {
				reason = "connector reported failure"
			}
			return res, xerrors.New(xerrors.CodeConnectorFailure, reason)
		}
		return res, nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.defaults.BackoffInitial
	policy.MaxInterval = r.defaults.BackoffMax
	policy.Multiplier = r.defaults.BackoffMultiplier

	res, err := backoff.Retry(detached, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(step.MaxRetries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			r.logger.Warn("步骤执行失败，准备重试",
				slog.String("plan_id", planID),
				slog.String("step_id", step.ID),
				slog.Int("attempt", step.Attempts),
				slog.Duration("backoff", wait),
				slog.Any("error", err),
			)
		}),
	)
	span.SetAttributes(attribute.Int("step.attempts", step.Attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	return res, nil
}
