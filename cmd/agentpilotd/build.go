package main

import (
	"log/slog"
	"time"

	"AgentPilot/internal/config"
	"AgentPilot/internal/connector"
	"AgentPilot/internal/engine"
	"AgentPilot/internal/market"
	"AgentPilot/internal/permission"
	"AgentPilot/internal/runner"
	"AgentPilot/pkg/logger"
)

// buildEngine 按配置组装连接器、报价表与引擎。
func buildEngine(cfg *config.Config, opts ...engine.Option) (*engine.Engine, error) {
	prices := market.NewTable(cfg.Market.Prices)

	chains := connector.DefaultChains()
	if cfg.Connector.ChainsFile != "" {
		loaded, err := connector.LoadChains(cfg.Connector.ChainsFile)
		if err != nil {
			return nil, err
		}
		chains = loaded
	}
	connOpts := []connector.SimulatedOption{
		connector.WithChains(chains),
		connector.WithPrices(prices),
		connector.WithLatency(time.Duration(cfg.Connector.LatencyMs) * time.Millisecond),
	}
	if cfg.Connector.Wallet != "" {
		connOpts = append(connOpts, connector.WithWallet(cfg.Connector.Wallet))
	}

	base := []engine.Option{
		engine.WithPrices(prices),
		engine.WithActivityCapacity(cfg.Activity.Capacity),
		engine.WithDefaultMaxRetries(cfg.Runner.DefaultMaxRetries),
		engine.WithRunnerDefaults(runner.Defaults{
			ApprovalTimeout:   cfg.Runner.ApprovalTimeout(),
			StepTimeout:       cfg.Runner.StepTimeout(),
			BackoffInitial:    cfg.Runner.BackoffInitial(),
			BackoffMax:        cfg.Runner.BackoffMax(),
			BackoffMultiplier: cfg.Runner.BackoffMultiplier,
		}),
	}
	return engine.New(connector.NewSimulated(connOpts...), append(base, opts...)...), nil
}

// capabilityUpdater 是 applyPermissions 需要的最小接口。
type capabilityUpdater interface {
	UpdateCapability(id string, update permission.Update) (permission.Capability, error)
}

// applyPermissions 把配置中的能力覆盖逐条写入能力存储，返回成功条数。
func applyPermissions(target capabilityUpdater, overrides []config.PermissionOverride) int {
	applied := 0
	for _, o := range overrides {
		update := overrideToUpdate(o)
		if update.Empty() {
			continue
		}
		if _, err := target.UpdateCapability(o.ID, update); err != nil {
			logger.L().Warn("能力覆盖未生效", slog.String("capability", o.ID), slog.Any("error", err))
			continue
		}
		applied++
	}
	return applied
}

func overrideToUpdate(o config.PermissionOverride) permission.Update {
	update := permission.Update{
		Enabled:          o.Enabled,
		ClearLimit:       o.ClearLimit,
		RequiresApproval: o.RequiresApproval,
	}
	if o.LimitValue != nil {
		unit := o.LimitUnit
		if unit == "" {
			unit = "USD"
		}
		update.Limit = &permission.Limit{Value: *o.LimitValue, Unit: unit}
	}
	return update
}
