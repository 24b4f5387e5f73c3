// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/vince0028/gitchat-mesh/internal/config"
	"github.com/vince0028/gitchat-mesh/internal/mesh"
	"github.com/vince0028/gitchat-mesh/internal/util"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z".
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("gitchat-meshd v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	nodeDir := args[0]
	absDir, err := filepath.Abs(nodeDir)
	if err != nil {
		log.Fatalf("invalid node directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("node directory does not exist: %s", absDir)
	}

	cfgPath := filepath.Join(absDir, "gitchat.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if created {
		log.Printf("wrote default config to %s", cfgPath)
	}
	cfg.Identity.KeyFile = util.ResolvePath(absDir, cfg.Identity.KeyFile)
	cfg.Paths.DBFile = util.ResolvePath(absDir, cfg.Paths.DBFile)
	cfg.Paths.ImagesDir = util.ResolvePath(absDir, cfg.Paths.ImagesDir)

	printBanner(absDir, cfgPath, cfg)

	node, err := mesh.New(cfg)
	if err != nil {
		log.Fatalf("build node: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutting down gracefully...")
		cancel()
	}()

	if err := node.Start(ctx); err != nil {
		log.Fatalf("start node: %v", err)
	}
	<-ctx.Done()
	node.Stop()
}

func showUsage() {
	fmt.Println("gitchat-meshd - offline mesh group chat node")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  gitchat-meshd <node-directory>")
	fmt.Println()
	fmt.Println("The directory holds gitchat.json (created on first run with")
	fmt.Println("sensible defaults) and the node's sqlite database and identity key.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
}

func printBanner(nodeDir, cfgPath string, cfg config.Config) {
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println("  gitchat-meshd")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Printf("Node directory: %s\n", nodeDir)
	fmt.Printf("Config file:    %s\n", cfgPath)
	if cfg.Identity.Username != "" {
		fmt.Printf("Identity:       %s\n", cfg.Identity.Username)
	}
	if cfg.Tower.Enabled {
		fmt.Printf("Relay tower:    enabled (adapter %s)\n", cfg.Tower.AdapterID)
	}
	if cfg.Call.ControlEnabled {
		fmt.Printf("Call control:   enabled (%s)\n", cfg.Call.ControlAddr)
	}
	fmt.Println("Starting node... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
}
