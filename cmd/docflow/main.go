// Command docflow runs the document processing job engine.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "docflow",
	Short: "Document processing job engine",
	Long: `docflow accepts document processing jobs, persists them in SQLite and
runs them on a pool of workers with retries, progress tracking, scheduled
input discovery and health monitoring.

Settings come from defaults, an optional config file (--config) and
DOCFLOW_* environment variables, e.g. DOCFLOW_WORKERS=4.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (YAML, JSON or TOML)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
