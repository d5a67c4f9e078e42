package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/spf13/cobra"

	"github.com/Snider/d4-ingest-server/pkg/logging"
	"github.com/Snider/d4-ingest-server/pkg/version"
)

var (
	verbosity int
	logFile   string
)

// rootCmd represents the base command when called without subcommands.
var rootCmd = &cobra.Command{
	Use:     "d4server",
	Short:   "D4 ingestion server - TLS-terminating sensor telemetry ingestion",
	Long:    `d4server accepts HMAC-authenticated binary sensor records over TLS and commits them to a stream store and a metadata store.`,
	Version: version.String(),
}

// Execute adds all child commands to the root command and sets flags
// appropriately. Called once by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().IntVarP(&verbosity, "verbose", "v", 1, "log verbosity: 0=error, 1=warn, 2=info, 3=debug")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", defaultLogBase(), "base path for daily-rotating log files (empty disables file logging)")
	cobra.OnInitialize(initLogging)
}

func defaultLogBase() string {
	return filepath.Join(xdg.StateHome, "d4-ingest-server", "d4server")
}

func initLogging() {
	level := logging.LevelWarn
	switch {
	case verbosity <= 0:
		level = logging.LevelError
	case verbosity == 1:
		level = logging.LevelWarn
	case verbosity == 2:
		level = logging.LevelInfo
	default:
		level = logging.LevelDebug
	}

	output := io.Writer(os.Stderr)
	if logFile != "" {
		rf, err := logging.NewRotatingFile(logFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "log file bootstrap failed, logging to stderr only: %v\n", err)
		} else {
			output = io.MultiWriter(os.Stderr, rf)
		}
	}

	logging.SetGlobal(logging.New(logging.Config{Output: output, Level: level}))
}
