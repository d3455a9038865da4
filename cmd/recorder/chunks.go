package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func chunksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chunks",
		Short: "Inspect the local chunk store",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored chunks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, _, err := loadConfig(ctx, cmd)
			if err != nil {
				return err
			}
			st, err := openStore(ctx, cfg.Store)
			if err != nil {
				return err
			}
			defer st.Close()

			chunks, err := st.List(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSESSION\tBYTES\tTIMESTAMP\tDONE")
			for _, c := range chunks {
				fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%t\n",
					c.ID, c.SessionID, c.Size(), c.Timestamp.Format(time.RFC3339), c.Done)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d chunk(s)\n", len(chunks))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete stored chunks by id",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, arg := range args {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid chunk id %q", arg)
				}
				ids = append(ids, id)
			}

			ctx := cmd.Context()
			cfg, _, err := loadConfig(ctx, cmd)
			if err != nil {
				return err
			}
			st, err := openStore(ctx, cfg.Store)
			if err != nil {
				return err
			}
			defer st.Close()

			for _, id := range ids {
				if err := st.Delete(ctx, id); err != nil {
					return fmt.Errorf("delete chunk %d: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d\n", id)
			}
			return nil
		},
	})

	return cmd
}
