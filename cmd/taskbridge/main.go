package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	appName    = "taskbridge"
	appVersion = "0.1.0"
)

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "Terminal bridge for the extension task engine",
	Long: `Taskbridge relays prompts and events between the editor extension and
terminal clients over local IPC:
  - a daemon bridging the extension's Unix socket to TCP clients
  - CLI commands to start, list, and attach to tasks
  - an interactive mode for issuing commands and watching events`,
	Version:       appVersion,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().String("host", "", "Daemon host (default localhost)")
	rootCmd.PersistentFlags().Int("port", 0, "Daemon TCP port (default 7777)")
	rootCmd.PersistentFlags().String("socket", "", "Upstream extension socket path")
	rootCmd.PersistentFlags().String("cwd", "", "Working directory for task commands")
	rootCmd.PersistentFlags().Bool("no-autostart", false, "Never launch the daemon automatically")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(attachCmd)
	rootCmd.AddCommand(interactiveCmd)

	rootCmd.SetVersionTemplate(fmt.Sprintf("%s v%s\n", appName, appVersion))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger builds the process logger; development encoding unless running
// in a production environment.
func newLogger() *zap.Logger {
	if os.Getenv("APP_ENV") == "production" {
		return zap.Must(zap.NewProduction())
	}
	return zap.Must(zap.NewDevelopment())
}
