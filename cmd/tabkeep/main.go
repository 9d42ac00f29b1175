package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/term"

	"github.com/hpungsan/tabkeep/internal/config"
	"github.com/hpungsan/tabkeep/internal/logging"
	"github.com/hpungsan/tabkeep/internal/mcp"
	"github.com/hpungsan/tabkeep/internal/notify"
	"github.com/hpungsan/tabkeep/internal/workbench"
)

// Version is set via -ldflags at build time.
var Version = "dev"

// cliCommands contains known CLI subcommands.
var cliCommands = map[string]bool{
	"open": true, "opendir": true, "new": true, "items": true,
	"edit": true, "save": true, "saveas": true, "reauth": true, "close": true,
	"capabilities": true, "remove": true, "clear": true,
	"restore": true, "sources": true, "watch": true,
	"help": true,
}

// isCLIMode determines if we should run CLI vs MCP server.
func isCLIMode(args []string) bool {
	if len(args) < 2 {
		return false
	}
	arg := args[1]
	if cliCommands[arg] {
		return true
	}
	// Global flags precede the subcommand.
	if strings.HasPrefix(arg, "-") {
		return true
	}
	return false
}

// isTerminal returns true if stdin is a terminal (not piped).
func isTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// printBanner displays a friendly banner when run interactively without args.
func printBanner() {
	fmt.Println(`
   _        _     _
  | |_ __ _| |__ | | _____  ___ _ __
  | __/ _' | '_ \| |/ / _ \/ _ \ '_ \
  | || (_| | |_) |   <  __/  __/ |_) |
   \__\__,_|_.__/|_|\_\___|\___| .__/
                               |_|
  Durable file capabilities and a shared session

  Usage: tabkeep <command> [options]
         tabkeep --help

  MCP server mode requires piped input.`)
}

func main() {
	// No args + interactive terminal → show banner and exit
	if len(os.Args) < 2 && isTerminal() {
		printBanner()
		return
	}

	baseDir := os.Getenv("TABKEEP_HOME")
	if baseDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: could not determine home directory: %v\n", err)
			os.Exit(1)
		}
		baseDir = filepath.Join(homeDir, ".tabkeep")
	}

	if isCLIMode(os.Args) {
		app := newCLIApp(baseDir)
		if err := app.Run(os.Args); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Unknown argument + terminal → show error (don't start MCP server)
	if len(os.Args) >= 2 && isTerminal() {
		fmt.Fprintf(os.Stderr, "error: unknown command %q\n", os.Args[1])
		fmt.Fprintf(os.Stderr, "Run 'tabkeep --help' for usage.\n")
		os.Exit(1)
	}

	if err := runMCP(baseDir); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// runMCP serves MCP over stdio as one context. Stdio carries the protocol,
// so there is nobody to prompt: permission requests succeed only within
// grants this process already holds, and conflicts are returned to the client.
func runMCP(baseDir string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	cfg, err := config.LoadWithRepo(baseDir, cwd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, closer, err := logging.New(cfg, baseDir)
	if err != nil {
		return err
	}
	defer closer.Close()

	if unknown := mcp.ValidateDisabledTools(cfg.DisabledTools); len(unknown) > 0 {
		logger.Warn("unknown tools in disabled_tools", "tools", unknown)
	}
	if unknown := mcp.ValidateDisabledTypes(cfg.DisabledTypes); len(unknown) > 0 {
		logger.Warn("unknown types in disabled_types", "types", unknown)
	}

	ctx := context.Background()
	wb, err := workbench.Open(ctx, workbench.Options{
		BaseDir:  baseDir,
		Config:   cfg,
		Logger:   logger,
		Notifier: notify.Log{Logger: logger},
	})
	if err != nil {
		return fmt.Errorf("failed to open workbench: %w", err)
	}
	defer wb.Close()

	return mcp.Run(ctx, wb, cfg, Version)
}
