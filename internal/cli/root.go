// Package cli implements the tavern commands.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/litetavern/internal/config"
	"github.com/tjfontaine/litetavern/internal/prompt"
	"github.com/tjfontaine/litetavern/internal/session"
	"github.com/tjfontaine/litetavern/internal/storage"
	"github.com/tjfontaine/litetavern/internal/storage/memory"
	"github.com/tjfontaine/litetavern/internal/storage/sqlite"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

// NewRootCmd builds the tavern command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "tavern",
		Short:         "Character chat over OpenAI-compatible backends",
		Long:          "Imports character cards, assembles layered role-play prompts and streams replies into persisted conversations.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", config.DefaultPath, "Config file path")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn or error")

	root.AddCommand(
		newServeCmd(opts),
		newImportCmd(opts),
		newPromptCmd(opts),
		newKeygenCmd(),
	)
	return root
}

func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// logger builds the JSON logger and installs it as the default.
func (o *rootOptions) logger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(o.logLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", o.logLevel)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger, nil
}

func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Type {
	case "memory":
		return memory.New(), nil
	default:
		return sqlite.New(cfg.Storage.SQLite.Path)
	}
}

// sessionOptions maps the prompt and backend settings to turn options.
func sessionOptions(cfg *config.Config) session.Options {
	return session.Options{
		Model:         cfg.Backend.Model,
		Language:      cfg.Prompt.Language,
		Instructions:  cfg.Prompt.Instructions,
		ContextTokens: cfg.Prompt.ContextTokens,
		Safety: prompt.Safety{
			Enabled:       cfg.Prompt.Override.Enabled,
			Directive:     cfg.Prompt.Override.Directive,
			Reinforcement: cfg.Prompt.Override.Reinforcement,
		},
	}
}
