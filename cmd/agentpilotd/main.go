package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

var configPath string

// main 是 AgentPilot 守护进程与命令行的入口。
func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "agentpilotd",
	Short:         "Natural-language agent that plans, gates and runs wallet actions",
	Version:       version + " (" + commit + ")",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "配置文件路径 (.json/.yaml/.toml)")
	rootCmd.AddCommand(serveCmd, classifyCmd, runCmd, workflowCmd)
	workflowCmd.AddCommand(workflowRunCmd)
}

func defaultConfigPath() string {
	if p := os.Getenv("AGENTPILOT_CONFIG"); p != "" {
		return p
	}
	return filepath.Join("configs", "agentpilot.yaml")
}
