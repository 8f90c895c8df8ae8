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

	"github.com/petervdpas/goopcall/internal/app"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/util"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	cfgName  = flag.String("config", "goopcall.json", "Config file, relative to the directory unless absolute (.json, .yaml or .yml)")
	noPrompt = flag.Bool("no-prompt", false, "Do not ask for settings when creating a new config")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("goopcall v%s\n", appVersion)
		return
	}

	args := flag.Args()
	if *showHelp || len(args) == 0 {
		showUsage()
		return
	}

	command := args[0]
	switch command {
	case "client", "relay":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "Error: %s command requires directory path\n", command)
			fmt.Fprintf(os.Stderr, "Usage: goopcall %s <directory>\n", command)
			os.Exit(1)
		}
		run(command, args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func run(command, dirArg string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Directory does not exist: %s", absDir)
	}

	cfgPath := util.ResolvePath(absDir, *cfgName)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created && command == "client" && !*noPrompt {
		cfg = app.PromptInteractive(os.Stdin, os.Stdout, absDir, cfgPath, cfg)
		if err := config.Save(cfgPath, cfg); err != nil {
			log.Fatalf("Failed to save config: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down gracefully...")
		cancel()
	}()

	if command == "relay" {
		if err := app.RunRelay(ctx, cfg); err != nil {
			log.Fatalf("Relay failed: %v", err)
		}
		return
	}

	if err := app.Run(ctx, app.Options{
		Dir:     absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
		In:      os.Stdin,
		Out:     os.Stdout,
	}); err != nil {
		log.Fatalf("Client failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("goopcall - one-to-one and group calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  goopcall [options] client <directory>   Run the call agent with a console")
	fmt.Println("  goopcall [options] relay <directory>    Run the development signaling relay")
	fmt.Println()
	fmt.Println("The directory holds the config file (created with defaults when missing)")
	fmt.Println("and an optional .env with GOOPCALL_* / LIVEKIT_* overrides.")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  goopcall relay ./relay")
	fmt.Println("  goopcall client ./alice")
	fmt.Println("  goopcall -config agent.yaml client ./bob")
}
