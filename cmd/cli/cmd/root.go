package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/execbox/execbox/pkg/client"
)

var (
	baseURL string
	apiKey  string
)

var rootCmd = &cobra.Command{
	Use:   "execbox",
	Short: "execbox CLI - Run code in sandboxes from the command line",
	Long: `execbox is a command-line tool for the execbox code execution service.

It provides commands to execute code snippets, manage sessions and their
persisted interpreter state, work with uploaded files, and inspect the
warm sandbox pools.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "url", getEnvOrDefault("EXECBOX_API_URL", "http://localhost:8080"), "execbox API base URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("EXECBOX_API_KEY"), "execbox API key")
}

func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

func newClient() *client.Client {
	return client.NewClient(baseURL, apiKey)
}
