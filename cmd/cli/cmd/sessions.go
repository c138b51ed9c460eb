package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"session"},
	Short:   "Manage execution sessions",
	Long:    `Create, list, inspect, and delete persistent execution sessions.`,
}

var sessionsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new session",
	RunE: func(cmd *cobra.Command, args []string) error {
		entityID, _ := cmd.Flags().GetString("entity")
		userID, _ := cmd.Flags().GetString("user")
		language, _ := cmd.Flags().GetString("language")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		sess, err := newClient().CreateSession(ctx, entityID, userID, language)
		if err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}

		fmt.Printf("Session created: %s\n", sess.ID)
		if sess.EntityID != "" {
			fmt.Printf("  Entity: %s\n", sess.EntityID)
		}
		if sess.Language != "" {
			fmt.Printf("  Language: %s\n", sess.Language)
		}
		return nil
	},
}

var sessionsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List an entity's sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		entityID, _ := cmd.Flags().GetString("entity")
		if entityID == "" {
			return fmt.Errorf("--entity is required")
		}
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		sessions, err := newClient().ListSessions(ctx, entityID, limit, offset)
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}

		if len(sessions) == 0 {
			fmt.Println("No sessions found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tLANGUAGE\tSTATUS\tLAST ACTIVITY")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				s.ID, s.Language, s.Status, s.LastActivityAt.Format(time.RFC3339))
		}
		w.Flush()
		return nil
	},
}

var sessionsGetCmd = &cobra.Command{
	Use:   "get <session-id>",
	Short: "Get session details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		sess, err := newClient().GetSession(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to get session: %w", err)
		}

		fmt.Printf("ID: %s\n", sess.ID)
		fmt.Printf("Status: %s\n", sess.Status)
		if sess.EntityID != "" {
			fmt.Printf("Entity: %s\n", sess.EntityID)
		}
		if sess.Language != "" {
			fmt.Printf("Language: %s\n", sess.Language)
		}
		fmt.Printf("Created: %s\n", sess.CreatedAt.Format(time.RFC3339))
		fmt.Printf("Last activity: %s\n", sess.LastActivityAt.Format(time.RFC3339))
		return nil
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:     "delete <session-id>",
	Aliases: []string{"rm"},
	Short:   "Delete a session",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := newClient().DeleteSession(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
		fmt.Printf("Session deleted: %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsCreateCmd)
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsGetCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)

	sessionsCreateCmd.Flags().String("entity", "", "Entity to attach the session to")
	sessionsCreateCmd.Flags().String("user", "", "User recorded on the session for auditing")
	sessionsCreateCmd.Flags().String("language", "", "Session language")
	sessionsListCmd.Flags().String("entity", "", "Entity whose sessions to list")
	sessionsListCmd.Flags().Int("limit", 20, "Maximum sessions to return")
	sessionsListCmd.Flags().Int("offset", 0, "Pagination offset")
}
