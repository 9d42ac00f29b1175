package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/hpungsan/tabkeep/internal/access"
	"github.com/hpungsan/tabkeep/internal/capability"
	"github.com/hpungsan/tabkeep/internal/config"
	"github.com/hpungsan/tabkeep/internal/conflict"
	"github.com/hpungsan/tabkeep/internal/errors"
	"github.com/hpungsan/tabkeep/internal/logging"
	"github.com/hpungsan/tabkeep/internal/notify"
	"github.com/hpungsan/tabkeep/internal/prompt"
	"github.com/hpungsan/tabkeep/internal/workbench"
)

// newCLIApp creates the CLI application with all commands.
// defaultBaseDir is used when --base-dir is not given.
func newCLIApp(defaultBaseDir string) *cli.App {
	app := &cli.App{
		Name:    "tabkeep",
		Usage:   "Durable file capabilities and a shared editing session across processes",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "base-dir", Value: defaultBaseDir, EnvVars: []string{"TABKEEP_HOME"}, Usage: "State directory shared by every context"},
			&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "Grant every permission request without asking"},
			&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "Do not print notifications to stderr"},
		},
		Commands: []*cli.Command{
			openCmd(),
			openDirCmd(),
			newCmd(),
			itemsCmd(),
			editCmd(),
			saveCmd(),
			saveAsCmd(),
			reauthCmd(),
			closeCmd(),
			capabilitiesCmd(),
			removeCmd(),
			clearCmd(),
			restoreCmd(),
			sourcesCmd(),
			watchCmd(),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// contextOptions configures one command's workbench.
type contextOptions struct {
	chooser prompt.ConflictChooser
}

// withWorkbench opens this process's context, runs fn and closes it.
func withWorkbench(c *cli.Context, opts contextOptions, fn func(*workbench.Workbench) error) error {
	baseDir := c.String("base-dir")
	cwd, err := os.Getwd()
	if err != nil {
		return outputError(errors.NewInternal(err))
	}
	cfg, err := config.LoadWithRepo(baseDir, cwd)
	if err != nil {
		return outputError(fmt.Errorf("load config: %w", err))
	}
	if err := cfg.Validate(); err != nil {
		return outputError(errors.NewInvalidRequest(err.Error()))
	}

	logger, closer, err := logging.New(cfg, baseDir)
	if err != nil {
		return outputError(err)
	}
	defer closer.Close()

	notifiers := notify.Multi{notify.Log{Logger: logger}}
	if !c.Bool("quiet") {
		notifiers = append(notifiers, notify.NewTerminal(c.App.ErrWriter))
	}

	wb, err := workbench.Open(c.Context, workbench.Options{
		BaseDir:  baseDir,
		Config:   cfg,
		Logger:   logger,
		Notifier: notifiers,
		Prompter: prompterFor(c),
		Chooser:  opts.chooser,
	})
	if err != nil {
		return outputError(err)
	}
	defer wb.Close()

	return fn(wb)
}

// prompterFor returns the permission prompter for this invocation: --yes
// grants, a terminal asks, anything else has no user gesture to offer.
func prompterFor(c *cli.Context) access.Prompter {
	if c.Bool("yes") {
		return prompt.Auto{Allow: true}
	}
	if isTerminal() {
		return prompt.New(prompt.WithIO(os.Stdin, c.App.ErrWriter))
	}
	return nil
}

// openCmd creates the open command.
func openCmd() *cli.Command {
	return &cli.Command{
		Name:      "open",
		Usage:     "Open a file as a new session item",
		ArgsUsage: "<path>",
		Action: func(c *cli.Context) error {
			path := c.Args().First()
			if path == "" {
				return outputError(errors.NewInvalidRequest("path is required"))
			}
			return withWorkbench(c, contextOptions{}, func(wb *workbench.Workbench) error {
				item, err := wb.OpenFile(c.Context, path)
				if err != nil {
					return outputError(err)
				}
				return outputJSON(c.App.Writer, wb.View(item, false))
			})
		},
	}
}

// openDirCmd creates the opendir command.
func openDirCmd() *cli.Command {
	return &cli.Command{
		Name:      "opendir",
		Usage:     "Grant access to a directory and store a capability for it",
		ArgsUsage: "<path>",
		Action: func(c *cli.Context) error {
			path := c.Args().First()
			if path == "" {
				return outputError(errors.NewInvalidRequest("path is required"))
			}
			return withWorkbench(c, contextOptions{}, func(wb *workbench.Workbench) error {
				listing, err := wb.OpenDirectory(c.Context, path)
				if err != nil {
					return outputError(err)
				}
				return outputJSON(c.App.Writer, listing)
			})
		},
	}
}

// newCmd creates the new command.
func newCmd() *cli.Command {
	return &cli.Command{
		Name:  "new",
		Usage: "Open an empty item that is not bound to any file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name", Aliases: []string{"n"}, Value: "untitled.sql", Usage: "Item name"},
		},
		Action: func(c *cli.Context) error {
			return withWorkbench(c, contextOptions{}, func(wb *workbench.Workbench) error {
				item, err := wb.NewItem(c.String("name"))
				if err != nil {
					return outputError(err)
				}
				return outputJSON(c.App.Writer, wb.View(item, false))
			})
		},
	}
}

// itemsCmd creates the items command.
func itemsCmd() *cli.Command {
	return &cli.Command{
		Name:  "items",
		Usage: "List the open session items",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "content", Usage: "Include item content"},
		},
		Action: func(c *cli.Context) error {
			return withWorkbench(c, contextOptions{}, func(wb *workbench.Workbench) error {
				return outputJSON(c.App.Writer, map[string]any{
					"active_id": wb.Session().Active(),
					"items":     wb.Views(c.Bool("content")),
				})
			})
		},
	}
}

// editCmd creates the edit command.
func editCmd() *cli.Command {
	return &cli.Command{
		Name:      "edit",
		Usage:     "Replace an item's content (reads content from stdin unless --content is given)",
		ArgsUsage: "<id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "content", Aliases: []string{"c"}, Usage: "New content"},
			&cli.BoolFlag{Name: "save", Aliases: []string{"s"}, Usage: "Save immediately after editing"},
		},
		Action: func(c *cli.Context) error {
			id := c.Args().First()
			if id == "" {
				return outputError(errors.NewInvalidRequest("id is required"))
			}

			var content string
			switch {
			case c.IsSet("content"):
				content = c.String("content")
			case stdinHasData():
				text, err := readStdin()
				if err != nil {
					return outputError(errors.NewInternal(err))
				}
				content = text
			default:
				return outputError(errors.NewInvalidRequest("content must be piped via stdin or given with --content"))
			}

			return withWorkbench(c, contextOptions{}, func(wb *workbench.Workbench) error {
				item, err := wb.Edit(id, content)
				if err != nil {
					return outputError(err)
				}
				if !c.Bool("save") {
					return outputJSON(c.App.Writer, wb.View(item, false))
				}
				res, err := wb.Save(c.Context, id)
				if err != nil {
					return outputError(err)
				}
				return outputJSON(c.App.Writer, saveOutput(wb, res))
			})
		},
	}
}

// saveCmd creates the save command.
func saveCmd() *cli.Command {
	return &cli.Command{
		Name:      "save",
		Usage:     "Save an item to its file now",
		ArgsUsage: "<id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "resolve", Aliases: []string{"r"}, Usage: "Conflict resolution: cancel|overwrite|reload|save-as (asks on a terminal when unset)"},
			&cli.StringFlag{Name: "path", Aliases: []string{"p"}, Usage: "Destination for --resolve save-as"},
		},
		Action: func(c *cli.Context) error {
			id := c.Args().First()
			if id == "" {
				return outputError(errors.NewInvalidRequest("id is required"))
			}
			chooser, err := chooserFor(c)
			if err != nil {
				return outputError(err)
			}
			return withWorkbench(c, contextOptions{chooser: chooser}, func(wb *workbench.Workbench) error {
				res, err := wb.Save(c.Context, id)
				if err != nil {
					return outputError(err)
				}
				return outputJSON(c.App.Writer, saveOutput(wb, res))
			})
		},
	}
}

// chooserFor returns the conflict chooser for a save: an explicit
// --resolve, a terminal prompt, or none (the conflict is reported).
func chooserFor(c *cli.Context) (prompt.ConflictChooser, error) {
	if c.IsSet("resolve") {
		choice, err := conflict.ParseChoice(c.String("resolve"))
		if err != nil {
			return nil, err
		}
		if choice == conflict.SaveAs && c.String("path") == "" {
			return nil, errors.NewInvalidRequest("--path is required with --resolve save-as")
		}
		return prompt.Auto{Choice: choice, Path: c.String("path")}, nil
	}
	if isTerminal() {
		return prompt.New(prompt.WithIO(os.Stdin, c.App.ErrWriter)), nil
	}
	return nil, nil
}

func saveOutput(wb *workbench.Workbench, res *workbench.SaveResult) map[string]any {
	out := map[string]any{
		"saved": res.Saved,
		"item":  wb.View(res.Item, false),
	}
	if res.Failure != "" {
		out["failure"] = res.Failure
	}
	if res.Message != "" {
		out["message"] = res.Message
	}
	if res.Conflict != nil {
		out["conflict"] = res.Conflict
	}
	if res.Resolution != "" {
		out["resolution"] = res.Resolution
	}
	return out
}

// saveAsCmd creates the saveas command.
func saveAsCmd() *cli.Command {
	return &cli.Command{
		Name:      "saveas",
		Usage:     "Write an item to a new file and bind it there",
		ArgsUsage: "<id> <path>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "force",
				Aliases: []string{"f"},
				Usage:   "Replace the file at <path> if it exists",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 2 {
				return outputError(errors.NewInvalidRequest("id and path are required"))
			}
			id, path := c.Args().Get(0), c.Args().Get(1)
			return withWorkbench(c, contextOptions{}, func(wb *workbench.Workbench) error {
				item, err := wb.SaveAs(c.Context, id, path, c.Bool("force"))
				if err != nil {
					return outputError(err)
				}
				return outputJSON(c.App.Writer, wb.View(item, false))
			})
		},
	}
}

// reauthCmd creates the reauth command.
func reauthCmd() *cli.Command {
	return &cli.Command{
		Name:      "reauth",
		Usage:     "Request read access to an item's file again",
		ArgsUsage: "<id>",
		Action: func(c *cli.Context) error {
			id := c.Args().First()
			if id == "" {
				return outputError(errors.NewInvalidRequest("id is required"))
			}
			return withWorkbench(c, contextOptions{}, func(wb *workbench.Workbench) error {
				item, err := wb.Reauthorize(c.Context, id)
				if err != nil {
					return outputError(err)
				}
				return outputJSON(c.App.Writer, wb.View(item, false))
			})
		},
	}
}

// closeCmd creates the close command.
func closeCmd() *cli.Command {
	return &cli.Command{
		Name:      "close",
		Usage:     "Close an item. Its file capability is kept",
		ArgsUsage: "<id>",
		Action: func(c *cli.Context) error {
			id := c.Args().First()
			if id == "" {
				return outputError(errors.NewInvalidRequest("id is required"))
			}
			return withWorkbench(c, contextOptions{}, func(wb *workbench.Workbench) error {
				if err := wb.CloseItem(id); err != nil {
					return outputError(err)
				}
				return outputJSON(c.App.Writer, map[string]any{"id": id, "closed": true})
			})
		},
	}
}

// capabilitiesCmd creates the capabilities command.
func capabilitiesCmd() *cli.Command {
	return &cli.Command{
		Name:  "capabilities",
		Usage: "List stored capabilities and their permission state",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "scope", Usage: "Filter by scope: file|directory"},
		},
		Action: func(c *cli.Context) error {
			var filter capability.Scope
			if s := c.String("scope"); s != "" {
				scope, err := parseScope(s)
				if err != nil {
					return outputError(err)
				}
				filter = scope
			}
			return withWorkbench(c, contextOptions{}, func(wb *workbench.Workbench) error {
				views, err := wb.Capabilities(c.Context)
				if err != nil {
					return outputError(err)
				}
				out := make([]workbench.CapabilityView, 0, len(views))
				for _, v := range views {
					if filter == "" || v.Scope == filter {
						out = append(out, v)
					}
				}
				return outputJSON(c.App.Writer, map[string]any{"capabilities": out})
			})
		},
	}
}

// removeCmd creates the remove command.
func removeCmd() *cli.Command {
	return &cli.Command{
		Name:      "remove",
		Usage:     "Remove a stored capability",
		ArgsUsage: "<id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "scope", Value: string(capability.ScopeFile), Usage: "Capability scope: file|directory"},
		},
		Action: func(c *cli.Context) error {
			id := c.Args().First()
			if id == "" {
				return outputError(errors.NewInvalidRequest("id is required"))
			}
			scope, err := parseScope(c.String("scope"))
			if err != nil {
				return outputError(err)
			}
			return withWorkbench(c, contextOptions{}, func(wb *workbench.Workbench) error {
				if err := wb.RemoveCapability(c.Context, scope, id); err != nil {
					return outputError(err)
				}
				return outputJSON(c.App.Writer, map[string]any{"id": id, "scope": scope, "removed": true})
			})
		},
	}
}

// clearCmd creates the clear command.
func clearCmd() *cli.Command {
	return &cli.Command{
		Name:  "clear",
		Usage: "Remove every stored capability (requires --yes)",
		Action: func(c *cli.Context) error {
			if !c.Bool("yes") {
				return outputError(errors.NewInvalidRequest("clear removes every capability; pass --yes to confirm"))
			}
			return withWorkbench(c, contextOptions{}, func(wb *workbench.Workbench) error {
				if err := wb.ClearCapabilities(c.Context); err != nil {
					return outputError(err)
				}
				return outputJSON(c.App.Writer, map[string]any{"cleared": true})
			})
		},
	}
}

// restoreCmd creates the restore command.
func restoreCmd() *cli.Command {
	return &cli.Command{
		Name:  "restore",
		Usage: "Reconcile every stored capability with its file or directory",
		Action: func(c *cli.Context) error {
			return withWorkbench(c, contextOptions{}, func(wb *workbench.Workbench) error {
				summary, err := wb.Restore(c.Context)
				if err != nil {
					return outputError(err)
				}
				return outputJSON(c.App.Writer, summary)
			})
		},
	}
}

// sourcesCmd creates the sources command.
func sourcesCmd() *cli.Command {
	return &cli.Command{
		Name:  "sources",
		Usage: "Restore, then list the files registered with the query engine",
		Action: func(c *cli.Context) error {
			return withWorkbench(c, contextOptions{}, func(wb *workbench.Workbench) error {
				if _, err := wb.Restore(c.Context); err != nil {
					return outputError(err)
				}
				return outputJSON(c.App.Writer, map[string]any{"sources": wb.Sources()})
			})
		},
	}
}

// watchCmd creates the watch command.
func watchCmd() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Run as a long-lived context: merge other contexts' changes, poll permissions and autosave",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "restore", Value: true, Usage: "Restore capabilities before watching"},
		},
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			c.Context = ctx

			chooser, err := chooserFor(c)
			if err != nil {
				return outputError(err)
			}
			return withWorkbench(c, contextOptions{chooser: chooser}, func(wb *workbench.Workbench) error {
				if c.Bool("restore") {
					if _, err := wb.Restore(ctx); err != nil {
						return outputError(err)
					}
				}
				fmt.Fprintf(c.App.ErrWriter, "watching %s as %s\n", c.String("base-dir"), wb.ContextID())
				if err := wb.Watch(ctx); err != nil {
					return outputError(err)
				}
				return nil
			})
		},
	}
}

// Helper functions

func parseScope(s string) (capability.Scope, error) {
	scope := capability.Scope(strings.ToLower(strings.TrimSpace(s)))
	if !scope.Valid() {
		return "", errors.NewInvalidRequest("unknown scope: " + s)
	}
	return scope, nil
}

// outputJSON writes v to w as indented JSON.
func outputJSON(w io.Writer, v any) error {
	if w == nil {
		w = os.Stdout
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats err for the CLI.
func outputError(err error) error {
	if tErr, ok := errors.As(err); ok {
		return cli.Exit(fmt.Sprintf("[%s] %s", tErr.Code, tErr.Message), 1)
	}
	if stderrors.Is(err, context.Canceled) {
		return cli.Exit("interrupted", 130)
	}
	return cli.Exit(err.Error(), 1)
}

// stdinHasData returns true if stdin has piped data (not a terminal).
func stdinHasData() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

// readStdin reads all content from stdin.
func readStdin() (string, error) {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
