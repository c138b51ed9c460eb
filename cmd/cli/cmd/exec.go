package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/execbox/execbox/pkg/types"
)

var execCmd = &cobra.Command{
	Use:   "exec <language> [code]",
	Short: "Execute a code snippet",
	Long: `Execute a code snippet and print its output. Code is read from the
argument, or from --file, or from stdin when neither is given.
Example: execbox exec py "print(40 + 2)"`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		language := args[0]

		code := ""
		if len(args) == 2 {
			code = args[1]
		}
		if codeFile, _ := cmd.Flags().GetString("file"); codeFile != "" {
			data, err := os.ReadFile(codeFile)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", codeFile, err)
			}
			code = string(data)
		}
		if code == "" {
			data, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("failed to read stdin: %w", err)
			}
			code = string(data)
		}

		sessionID, _ := cmd.Flags().GetString("session")
		entityID, _ := cmd.Flags().GetString("entity")
		userID, _ := cmd.Flags().GetString("user")
		timeout, _ := cmd.Flags().GetInt("timeout")

		req := &types.ExecRequest{
			Code:       code,
			Language:   language,
			SessionID:  sessionID,
			EntityID:   entityID,
			UserID:     userID,
			TimeoutSec: timeout,
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		result, err := newClient().Exec(ctx, req)
		if err != nil {
			return fmt.Errorf("failed to execute: %w", err)
		}

		if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
			data, _ := json.MarshalIndent(result, "", "  ")
			fmt.Println(string(data))
			return nil
		}

		if result.Stdout != "" {
			fmt.Print(result.Stdout)
		}
		if result.Stderr != "" {
			fmt.Fprint(cmd.ErrOrStderr(), result.Stderr)
		}
		for _, f := range result.Files {
			fmt.Fprintf(cmd.ErrOrStderr(), "generated %s (%d bytes, id=%s)\n", f.Name, f.SizeBytes, f.FileID)
		}

		if result.Status != "completed" {
			return fmt.Errorf("execution %s (exit code %d)", result.Status, result.ExitCode)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(execCmd)

	execCmd.Flags().String("file", "", "Read code from a file instead of the argument")
	execCmd.Flags().String("session", "", "Run in an existing session")
	execCmd.Flags().String("entity", "", "Attach the run to an entity's latest session")
	execCmd.Flags().String("user", "", "User recorded on a newly created session")
	execCmd.Flags().Int("timeout", 0, "Execution timeout in seconds (server default if 0)")
	execCmd.Flags().Bool("json", false, "Output the full response as JSON")
}
