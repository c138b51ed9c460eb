package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Manage persisted session state",
	Long:  `Download, upload, inspect, and delete a session's interpreter state.`,
}

var stateGetCmd = &cobra.Command{
	Use:   "get <session-id>",
	Short: "Download a session's state blob",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		data, err := newClient().GetState(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to get state: %w", err)
		}

		if out, _ := cmd.Flags().GetString("output"); out != "" {
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", out, err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d bytes to %s\n", len(data), out)
			return nil
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

var statePutCmd = &cobra.Command{
	Use:   "put <session-id> <file>",
	Short: "Upload a state blob for a session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[1], err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		if err := newClient().PutState(ctx, args[0], data); err != nil {
			return fmt.Errorf("failed to put state: %w", err)
		}
		fmt.Printf("Uploaded %d bytes for session %s\n", len(data), args[0])
		return nil
	},
}

var stateInfoCmd = &cobra.Command{
	Use:   "info <session-id>",
	Short: "Show state metadata without downloading the blob",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		info, err := newClient().StateInfo(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to get state info: %w", err)
		}

		fmt.Printf("Session: %s\n", info.SessionID)
		fmt.Printf("Size: %d bytes\n", info.SizeBytes)
		fmt.Printf("Hash: %s\n", info.Hash)
		if info.Source != "" {
			fmt.Printf("Tier: %s\n", info.Source)
		}
		if !info.UpdatedAt.IsZero() {
			fmt.Printf("Updated: %s\n", info.UpdatedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var stateDeleteCmd = &cobra.Command{
	Use:     "delete <session-id>",
	Aliases: []string{"rm"},
	Short:   "Delete a session's state from both tiers",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := newClient().DeleteState(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to delete state: %w", err)
		}
		fmt.Printf("State deleted for session %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(stateCmd)
	stateCmd.AddCommand(stateGetCmd)
	stateCmd.AddCommand(statePutCmd)
	stateCmd.AddCommand(stateInfoCmd)
	stateCmd.AddCommand(stateDeleteCmd)

	stateGetCmd.Flags().String("output", "", "Write the blob to a file instead of stdout")
}
