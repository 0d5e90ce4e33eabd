package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/litetavern/internal/prompt"
)

type promptFlags struct {
	language        string
	lore            string
	userName        string
	userDescription string
	mission         string
	scenario        string
}

func newPromptCmd(root *rootOptions) *cobra.Command {
	var f promptFlags

	cmd := &cobra.Command{
		Use:   "prompt <card>",
		Short: "Print the system prompt for a character card",
		Long:  "Imports a card and prints the system prompt its first turn would be sent with, using the configured prompt settings.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			char, err := importFile(cmd, args[0], cfg.Import.MaxBytes)
			if err != nil {
				return err
			}

			opts := sessionOptions(cfg)
			state := prompt.State{
				Language:     opts.Language,
				Instructions: opts.Instructions,
				Lore:         f.lore,
				World:        prompt.NewWorldClock(),
				User:         prompt.UserPersona{Name: f.userName, Description: f.userDescription},
				Mission:      f.mission,
				Scenario:     f.scenario,
			}
			if f.language != "" {
				state.Language = f.language
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), prompt.Assemble(char, state, opts.Safety))
			return err
		},
	}
	cmd.Flags().StringVar(&f.language, "language", "", "Reply language tag (default from config)")
	cmd.Flags().StringVar(&f.lore, "lore", "", "World lore text")
	cmd.Flags().StringVar(&f.userName, "user-name", "", "Player name")
	cmd.Flags().StringVar(&f.userDescription, "user-description", "", "Player description")
	cmd.Flags().StringVar(&f.mission, "mission", "", "Mission text")
	cmd.Flags().StringVar(&f.scenario, "scenario", "", "Scenario text")
	return cmd
}
