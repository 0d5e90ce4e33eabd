package cli

import (
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/litetavern/internal/card"
	"github.com/tjfontaine/litetavern/internal/domain"
)

func newImportCmd(root *rootOptions) *cobra.Command {
	var save bool
	var withAvatar bool

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a character card",
		Long:  "Reads a PNG or JSON character card and prints the normalized character as JSON. With --save it is also stored.",
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

			if save {
				store, err := openStore(cfg)
				if err != nil {
					return fmt.Errorf("open storage: %w", err)
				}
				defer store.Close()
				if err := store.SaveCharacter(cmd.Context(), char); err != nil {
					return fmt.Errorf("save character: %w", err)
				}
			}

			out := *char
			if !withAvatar {
				out.Avatar = ""
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(&out)
		},
	}
	cmd.Flags().BoolVar(&save, "save", false, "Store the character in the configured storage")
	cmd.Flags().BoolVar(&withAvatar, "avatar", false, "Include the avatar data URI in the output")
	return cmd
}

func importFile(cmd *cobra.Command, path string, maxBytes int64) (*domain.Character, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	name := filepath.Base(path)
	c, err := card.ReadContainer(name, mime.TypeByExtension(filepath.Ext(name)), f, maxBytes)
	if err != nil {
		return nil, err
	}
	char, err := card.NewImporter().Import(cmd.Context(), c)
	if err != nil {
		return nil, fmt.Errorf("import %s: %w", name, err)
	}
	return char, nil
}
