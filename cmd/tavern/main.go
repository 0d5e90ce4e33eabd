package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/tjfontaine/litetavern/internal/cli"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := cli.NewRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
