package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/codeck-dev/codeck/internal/config"
	"github.com/codeck-dev/codeck/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("codeck doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (not found, defaults apply)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Printf("  Workspace: %s", cfg.WorkspacePath())
	if info, err := os.Stat(cfg.WorkspacePath()); err != nil || !info.IsDir() {
		fmt.Println(" (MISSING)")
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Printf("  Agent binary: %s", cfg.Console.AgentBinary)
	if path, err := exec.LookPath(cfg.Console.AgentBinary); err != nil {
		fmt.Println(" (NOT FOUND in PATH)")
	} else {
		fmt.Printf(" (%s)\n", path)
	}

	fmt.Printf("  Shell: %s", cfg.Console.Shell)
	if _, err := os.Stat(cfg.Console.Shell); err != nil {
		fmt.Println(" (MISSING)")
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Printf("  Gateway: %s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)
	if cfg.Gateway.RuntimeURL != "" {
		fmt.Printf("  Runtime (edge mode): %s\n", cfg.Gateway.RuntimeURL)
		if cfg.Gateway.InternalSecret == "" {
			fmt.Println("  WARNING: edge mode without internal_secret; PTY bridging will be refused")
		}
	}

	if cfg.Index.EmbeddingAPIKey == "" {
		fmt.Println("  Embeddings: disabled (full-text search only)")
	} else {
		fmt.Printf("  Embeddings: %s\n", cfg.Index.EmbeddingModel)
	}
}
