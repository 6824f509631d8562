package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string

	// Global flags
	hubURL      string
	workspaceID string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "lodge",
	Short: "Lodge - realtime collaboration hub CLI",
	Long: `Lodge is the realtime layer of the workspace tool: it fans task changes,
notifications, presence and typing indicators out to every connected client.

This CLI talks to a running lodge-hub: tail the live envelope stream, inspect
who is online, and check room statistics.`,
	SilenceErrors: true,
	SilenceUsage:  true,
	Version:       version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&hubURL, "url", "http://localhost:8080", "Hub base URL")
	rootCmd.PersistentFlags().StringVar(&workspaceID, "workspace", "", "Workspace id")
}
