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

	"github.com/petervdpas/huddle/internal/app"
	"github.com/petervdpas/huddle/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

const cfgName = "huddle.json"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("huddle v%s\n", appVersion)
		return
	}

	args := flag.Args()
	if *showHelp || len(args) == 0 {
		showUsage()
		return
	}

	command := args[0]
	switch command {
	case "peer", "relay":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "Error: %s command requires directory path\n", command)
			fmt.Fprintf(os.Stderr, "Usage: huddle %s <directory>\n", command)
			os.Exit(1)
		}
		dir := mustDir(args[1])
		if command == "peer" {
			runCLIPeer(dir)
		} else {
			runCLIRelay(dir)
		}

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func mustDir(arg string) string {
	absDir, err := filepath.Abs(arg)
	if err != nil {
		log.Fatalf("Invalid directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Directory does not exist: %s", absDir)
	}
	if err := config.LoadEnv(filepath.Join(absDir, ".env")); err != nil {
		log.Fatalf("Failed to read .env: %v", err)
	}
	return absDir
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runCLIPeer(dir string) {
	cfgPath := filepath.Join(dir, cfgName)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		fmt.Printf("Created %s with user id %s\n", cfgPath, cfg.Identity.UserID)
	}

	printBanner("Peer", dir, cfgPath)
	if cfg.Viewer.HTTPAddr != "" {
		_, url := app.NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		fmt.Printf("Control API:    %s\n", url)
	}
	fmt.Println("Starting peer... (Press Ctrl+C to stop)")
	fmt.Println()

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.Run(ctx, app.Options{
		PeerDir: dir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Peer failed: %v", err)
	}
}

func runCLIRelay(dir string) {
	cfgPath := filepath.Join(dir, cfgName)
	cfg, err := config.LoadRelay(cfgPath)
	if err != nil {
		log.Fatalf("Invalid relay config: %v", err)
	}

	printBanner("Relay", dir, cfgPath)
	fmt.Printf("Listening on:   %s\n", cfg.Relay.ListenAddr)
	fmt.Println()

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.RunRelay(ctx, app.Options{PeerDir: dir, CfgPath: cfgPath, Cfg: cfg}); err != nil {
		log.Fatalf("Relay failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("huddle - peer-to-peer voice and video calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  huddle peer <directory>     Run a peer")
	fmt.Println("  huddle relay <directory>    Run the websocket signaling relay")
	fmt.Println()
	fmt.Println("The directory holds " + cfgName + " (created on first peer run)")
	fmt.Println("and an optional .env with " + config.EnvRelaySecret + " / " + config.EnvRedisPassword + ".")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
}

func printBanner(mode, dir, cfgPath string) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Printf("║  huddle %-47s║\n", mode)
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Directory:      %s\n", dir)
	fmt.Printf("Config File:    %s\n", cfgPath)
}
