package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Geni-96/SmartAudioMonitor/internal/uploader"
)

func uploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload",
		Short: "Upload stored chunks once and remove them locally",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, logger, err := loadConfig(ctx, cmd)
			if err != nil {
				return err
			}

			sink, err := newSink(ctx, cfg.Upload, nil)
			if err != nil {
				return fmt.Errorf("create upload sink: %w", err)
			}
			if sink == nil {
				return errors.New("no upload sink configured (set upload.sink to s3 or http)")
			}

			st, err := openStore(ctx, cfg.Store)
			if err != nil {
				return err
			}
			defer st.Close()

			up := uploader.New(st, sink, nil,
				uploader.WithLogger(logger),
				uploader.WithConcurrency(cfg.Upload.HTTP.MaxConcurrent),
			)
			result, err := up.RunOnce(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "uploaded %d, failed %d\n", result.Uploaded, result.Failed)
			return err
		},
	}
}
