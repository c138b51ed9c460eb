package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "Manage session files",
	Long:  `Upload, list, download, and delete files stored for a session.`,
}

var filesUploadCmd = &cobra.Command{
	Use:   "upload <session-id> <file>",
	Short: "Upload a file into a session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[1], err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		f, err := newClient().UploadFile(ctx, args[0], filepath.Base(args[1]), data)
		if err != nil {
			return fmt.Errorf("failed to upload: %w", err)
		}
		fmt.Printf("Uploaded %s (%d bytes, id=%s)\n", f.Name, f.SizeBytes, f.ID)
		return nil
	},
}

var filesListCmd = &cobra.Command{
	Use:     "list <session-id>",
	Aliases: []string{"ls"},
	Short:   "List a session's files",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		files, err := newClient().ListFiles(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to list files: %w", err)
		}

		if len(files) == 0 {
			fmt.Println("No files found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tKIND\tSIZE\tCREATED")
		for _, f := range files {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				f.ID, f.Name, f.Kind, f.SizeBytes, f.CreatedAt.Format(time.RFC3339))
		}
		w.Flush()
		return nil
	},
}

var filesGetCmd = &cobra.Command{
	Use:   "get <session-id> <file-id>",
	Short: "Download a stored file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		data, err := newClient().GetFile(ctx, args[0], args[1])
		if err != nil {
			return fmt.Errorf("failed to download: %w", err)
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

var filesURLCmd = &cobra.Command{
	Use:   "url <session-id> <file-id>",
	Short: "Print a presigned download URL for a stored file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		url, err := newClient().FileURL(ctx, args[0], args[1])
		if err != nil {
			return fmt.Errorf("failed to get url: %w", err)
		}
		fmt.Println(url)
		return nil
	},
}

var filesDeleteCmd = &cobra.Command{
	Use:     "delete <session-id> <file-id>",
	Aliases: []string{"rm"},
	Short:   "Delete a stored file",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := newClient().DeleteFile(ctx, args[0], args[1]); err != nil {
			return fmt.Errorf("failed to delete: %w", err)
		}
		fmt.Printf("File deleted: %s\n", args[1])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(filesCmd)
	filesCmd.AddCommand(filesUploadCmd)
	filesCmd.AddCommand(filesListCmd)
	filesCmd.AddCommand(filesGetCmd)
	filesCmd.AddCommand(filesURLCmd)
	filesCmd.AddCommand(filesDeleteCmd)

	filesGetCmd.Flags().String("output", "", "Write the file to a path instead of stdout")
}
