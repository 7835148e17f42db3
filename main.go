// main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/petervdpas/neighborly/internal/app"
	"github.com/petervdpas/neighborly/internal/config"
)

var (
	showHelp    = flag.Bool("h", false, "Show help")
	version     = flag.Bool("version", false, "Show version")
	interactive = flag.Bool("i", false, "Ask for settings when running init")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("neighborly v%s\n", appVersion)
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

	switch command := args[0]; command {
	case "serve":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: serve command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: neighborly serve <data-directory>")
			os.Exit(1)
		}
		runServe(args[1])

	case "init":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: init command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: neighborly [-i] init <data-directory>")
			os.Exit(1)
		}
		runInit(args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runServe(dirArg string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid data directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Data directory does not exist: %s", absDir)
	}

	cfgPath := filepath.Join(absDir, config.FileName)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		fmt.Printf("Created default config: %s\n", cfgPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println("Starting neighborly... (Press Ctrl+C to stop)")
	if err := app.Run(ctx, app.Options{
		DataDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("neighborly failed: %v", err)
	}
}

func runInit(dirArg string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid data directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Create data directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, config.FileName)
	cfg, _, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *interactive {
		cfg = app.PromptInteractive(os.Stdin, absDir, cfgPath, cfg)
		if err := config.Save(cfgPath, cfg); err != nil {
			log.Fatalf("Failed to save config: %v", err)
		}
	}
	fmt.Printf("Config ready: %s\n", cfgPath)
}

func showUsage() {
	fmt.Println("neighborly - shared volume control for the people next door")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  neighborly serve <directory>      Run the server from a data directory")
	fmt.Println("  neighborly [-i] init <directory>  Create a data directory with a default config")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -i        Ask for settings during init")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  neighborly -i init ./data")
	fmt.Println("  neighborly serve ./data")
}
