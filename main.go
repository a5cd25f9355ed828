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

	"github.com/parley-im/parley/internal/app"
	"github.com/parley-im/parley/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Parley v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) < 2 {
		showUsage()
		os.Exit(1)
	}

	command, dir := args[0], args[1]
	switch command {
	case "server":
		run(dir, "server", app.RunServer)
	case "client":
		run(dir, "client", app.RunClient)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n\n", command)
		showUsage()
		os.Exit(1)
	}
}

func run(dirArg, mode string, fn func(context.Context, app.Options) error) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Directory does not exist: %s", absDir)
	}

	cfgPath := filepath.Join(absDir, "parley.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Created default config at %s — review it and restart", cfgPath)
	}

	printBanner(mode, absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := fn(ctx, app.Options{Dir: absDir, CfgPath: cfgPath, Cfg: cfg}); err != nil {
		log.Fatalf("%s failed: %v", mode, err)
	}
}

func showUsage() {
	fmt.Println("Parley - chat and voice calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  parley server <directory>   Run the relay server")
	fmt.Println("  parley client <directory>   Run the interactive client")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  server <directory>")
	fmt.Println("        Serve the HTTP API and signaling relay")
	fmt.Println("        The directory holds parley.json and the message database")
	fmt.Println()
	fmt.Println("  client <directory>")
	fmt.Println("        Connect to a server with the credentials in parley.json")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Run a server")
	fmt.Println("  parley server ./deploy/server")
	fmt.Println()
	fmt.Println("  # Run a client")
	fmt.Println("  parley client ~/.parley")
}

func printBanner(mode, dir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                         Parley                         ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Mode:           %s\n", mode)
	fmt.Printf("Directory:      %s\n", dir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	if mode == "server" {
		fmt.Printf("Listen Address: http://%s\n", cfg.Server.HTTPAddr)
	} else {
		fmt.Printf("Server:         %s\n", cfg.Client.ServerURL)
		if cfg.Client.Username != "" {
			fmt.Printf("Account:        %s\n", cfg.Client.Username)
		}
	}
	fmt.Println()
	fmt.Println("Starting... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
