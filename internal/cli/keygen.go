package cli

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/litetavern/internal/server"
)

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen [api-key]",
		Short: "Hash an API key for server.api_key_hashes",
		Long:  "Prints the SHA-256 hash of the given API key, generating a random key when none is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			apiKey := ""
			if len(args) == 1 {
				apiKey = args[0]
			} else {
				buf := make([]byte, 24)
				if _, err := rand.Read(buf); err != nil {
					return err
				}
				apiKey = "tvn-" + hex.EncodeToString(buf)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "API Key: %s\n", apiKey)
			fmt.Fprintf(out, "SHA-256 Hash: %s\n", server.HashAPIKey(apiKey))
			fmt.Fprintln(out, "\nAdd this to your config.yaml:")
			fmt.Fprintln(out, "  server:")
			fmt.Fprintln(out, "    api_key_hashes:")
			fmt.Fprintf(out, "      - %q\n", server.HashAPIKey(apiKey))
			return nil
		},
	}
}
