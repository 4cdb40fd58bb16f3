// Package cmd contains the CLI commands for streamctl.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Used for flags
	verbose   bool
	output    string
	serverURL string
	token     string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "streamctl",
	Short: "streamctl - kycstream operator CLI",
	Long: `streamctl watches and feeds a kycstream alert broker.

Examples:
  # Watch alerts for a wallet, replaying the queue first
  streamctl tail 0xabc0000000000000000000000000000000000001 --replay

  # Only high and critical sanctions alerts
  streamctl tail 0xabc... --severity high --type sanctions

  # Publish a test alert
  streamctl publish 0xabc... --type aml --severity critical --payload '{"score":97}'

The server URL and token default to KYCSTREAM_URL and KYCSTREAM_TOKEN.`,
	// Run when no subcommand is specified
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	defaultURL := os.Getenv("KYCSTREAM_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8080"
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "output format (table, json, plain)")
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", defaultURL, "kycstream server URL")
	rootCmd.PersistentFlags().StringVarP(&token, "token", "t", os.Getenv("KYCSTREAM_TOKEN"), "bearer token")
}

// PrintError prints an error message and exits if fatal is true.
func PrintError(msg string, fatal bool) {
	fmt.Fprintln(os.Stderr, "Error:", msg)
	if fatal {
		os.Exit(1)
	}
}

// PrintVerbose prints a message only if verbose mode is enabled.
func PrintVerbose(format string, args ...any) {
	if verbose {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
}
