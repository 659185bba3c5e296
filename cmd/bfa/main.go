package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var envFile string

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "bfa",
	Short: "Session and role profile BFA for the marketplace frontend",
	Long: `bfa keeps one session controller per device on top of Supabase Auth
and resolves which role profile (client or service provider) is active.

Available subcommands:
  serve   - Run the HTTP API
  resolve - Evaluate the role resolution rules for a given input`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newResolveCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
