// cmd/reactord/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/colebrumley/reactor/internal/cli"
	"github.com/colebrumley/reactor/internal/config"
	"github.com/colebrumley/reactor/internal/daemon"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "mcp" {
		runMCPServer(os.Args[2:])
		return
	}
	runDaemon(os.Args[1:])
}

// runMCPServer serves the tool server claude-prompt executions start as
// `reactord mcp`.
func runMCPServer(args []string) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	root := cli.NewRootCommand()
	root.SetArgs(append([]string{"mcp"}, args...))
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}

func runDaemon(args []string) {
	fs := flag.NewFlagSet("reactord", flag.ExitOnError)
	configPath := fs.String("config", config.ConfigPath(), "config file")
	fs.Parse(args)

	// Child processes, including the MCP tool server, read the same config.
	os.Setenv(config.EnvConfig, *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nReceived shutdown signal")
		cancel()
	}()

	if err := daemon.New(cfg, daemon.Options{}).Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "daemon error: %v\n", err)
		os.Exit(1)
	}
}
