package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var poolsCmd = &cobra.Command{
	Use:   "pools",
	Short: "Show warm pool occupancy",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		pools, err := newClient().Pools(ctx)
		if err != nil {
			return fmt.Errorf("failed to get pools: %w", err)
		}

		if len(pools) == 0 {
			fmt.Println("No warm pools configured")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "LANGUAGE\tTARGET\tTOTAL\tAVAILABLE\tACQUIRED")
		for _, p := range pools {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n",
				p.Language, p.Target, p.Total, p.Available, p.Acquired)
		}
		w.Flush()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(poolsCmd)
}
