package main

import (
	"fmt"
	"os"

	"github.com/Snider/d4-ingest-server/cmd/d4server/cmd"
)

// @title D4 Ingestion Status API
// @version 1.0
// @description Read-only observability surface for the D4 ingestion server.
// @BasePath /status
func main() {
	// If no command is provided, default to "serve".
	if len(os.Args) == 1 {
		os.Args = append(os.Args, "serve")
	}

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
