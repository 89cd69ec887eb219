// loom - a branching-conversation TUI for OpenRouter chat models.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"fmt"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/jeranaias/loom/internal/cloud"
	"github.com/jeranaias/loom/internal/config"
	"github.com/jeranaias/loom/internal/conversation"
	"github.com/jeranaias/loom/internal/logging"
	"github.com/jeranaias/loom/internal/storage"
	"github.com/jeranaias/loom/internal/ui/chat"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 {
		cmd = args[0]
	}

	switch cmd {
	case "list":
		runList()
	case "export":
		runExport(args[1:])
	case "version":
		fmt.Printf("loom %s (%s, built %s)\n", Version, GitCommit, BuildDate)
	case "help", "-h", "--help":
		printUsage()
	case "":
		runTUI("")
	default:
		// Treat an unrecognized argument as a conversation ID to resume.
		runTUI(cmd)
	}
}

func printUsage() {
	fmt.Print(`loom - branching chat TUI

Usage:
  loom              start a new conversation
  loom <id>         resume a saved conversation
  loom list         list saved conversations
  loom export <id> <file>   export a conversation (.md or .json)
  loom version      print version information

Configuration lives at ~/.loom/config.toml and is reloaded while
loom is running. Set LOOM_API_KEY to override the configured key.
`)
}

// =============================================================================
// STARTUP WIRING
// =============================================================================

// bootstrap loads config and opens the snapshot store. Shared by every
// subcommand.
func bootstrap() (*config.Config, *storage.Store, error) {
	path, err := config.DefaultPath()
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.Open(filepath.Join(cfg.DataDir, "loom.db"))
	if err != nil {
		return nil, nil, err
	}
	return cfg, store, nil
}

func runTUI(conversationID string) {
	cfg, store, err := bootstrap()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Logs go to a file; the terminal belongs to the TUI.
	if err := logging.InitFile(cfg.DataDir, cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: logging disabled: %v\n", err)
	}
	log := logging.Component("main")
	log.Info().Str("version", Version).Msg("starting loom")

	client := cloud.NewClient(cfg.Endpoint, cfg.APIKey)
	defer store.Close()
	manager := conversation.NewManager(store, client, cfg)
	defer manager.Close()

	// Hot-reload the config file while the TUI runs. A failed watcher is
	// not fatal; edits just require a restart.
	if path, err := config.DefaultPath(); err == nil {
		watcher, werr := config.NewWatcher(path, manager.SetConfig)
		if werr == nil {
			if werr := watcher.Watch(); werr != nil {
				log.Warn().Err(werr).Msg("config watcher failed to start")
			} else {
				defer watcher.Close()
			}
		}
	}

	var conv *conversation.Conversation
	if conversationID != "" {
		conv, err = manager.Open(conversationID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot open conversation %q: %v\n", conversationID, err)
			os.Exit(1)
		}
	} else {
		conv = manager.Create()
	}

	p := tea.NewProgram(
		chat.New(manager, conv),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running loom: %v\n", err)
		os.Exit(1)
	}
}

// =============================================================================
// SUBCOMMANDS
// =============================================================================

func runList() {
	_, store, err := bootstrap()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	metas, err := store.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(metas) == 0 {
		fmt.Println("No saved conversations.")
		return
	}
	for _, m := range metas {
		title := m.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf("%s  %s  %s  %s\n",
			m.ConversationID, m.UpdatedAt.Format("2006-01-02 15:04"), m.Model, title)
	}
}

func runExport(args []string) {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "Usage: loom export <id> <file>")
		os.Exit(1)
	}
	id, path := args[0], args[1]

	_, store, err := bootstrap()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	t, rec, err := store.LoadTree(id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	switch filepath.Ext(path) {
	case ".json":
		err = storage.ExportJSON(path, rec, t)
	default:
		err = storage.ExportMarkdown(path, rec, t)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Exported %s to %s\n", id, path)
}
