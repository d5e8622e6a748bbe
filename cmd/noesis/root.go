package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"noesis/internal/logging"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootFlags struct {
	workspace string
	logLevel  string
	logFormat string
}

var rootCmd = &cobra.Command{
	Use:   "noesis",
	Short: "Epistemic transaction governance for AI-agent work",
	Long: "Noesis tracks units of agent work as epistemic transactions:\n" +
		"a PREFLIGHT baseline, gated CHECK rounds, a POSTFLIGHT close, and\n" +
		"evidence-grounded calibration that earns or revokes autonomy.",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		level, err := logging.ParseLevel(rootFlags.logLevel)
		if err != nil {
			return err
		}
		logging.Init(level, rootFlags.logFormat)
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&rootFlags.workspace, "workspace", ".", "Project directory (workspace root is found by walking up)")
	pf.StringVar(&rootFlags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	pf.StringVar(&rootFlags.logFormat, "log-format", "text", "Log format (text, json)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(orphansCmd)
	rootCmd.AddCommand(trustCmd)
	rootCmd.AddCommand(calibrateCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
