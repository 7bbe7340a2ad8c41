package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/ccnx-streamer/internal/consumer"
	"github.com/dgnsrekt/ccnx-streamer/internal/netclient"
	"github.com/dgnsrekt/ccnx-streamer/internal/sign"
	"github.com/dgnsrekt/ccnx-streamer/internal/staging"
)

func fetchCmd() *cobra.Command {
	var (
		output string
		live   bool
	)

	cmd := &cobra.Command{
		Use:   "fetch [URI]",
		Short: "Fetch the latest version of a stream",
		Long: `Resolve the latest version published under URI (default stream.uri),
fetch its segments in order and write the payload to stdout.

Examples:
  # Fetch to stdout
  streamer fetch ccnx:/videos/talk > talk.webm

  # Fetch into a file, renamed into place only when the stream ends cleanly
  streamer fetch ccnx:/videos/talk --output talk.webm

  # Join a live stream at its newest segment
  streamer fetch ccnx:/live/cam0 --live | ffplay -`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			prefix, err := cfg.StreamName(firstArg(args))
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("live") {
				cfg.Consumer.Live = live
			}

			settings := cfg.ConsumerSettings(prefix)
			if cfg.Signing.Verify {
				key, err := sign.LoadKey(sign.ResolveKeystore(cfg.Signing.KeyFile))
				if err != nil {
					return fmt.Errorf("loading verification key: %w", err)
				}
				settings.Verifier = sign.NewKeyVerifier(key.PublicKey())
			}

			client := netclient.NewWebSocketClient(cfg.ClientOptions(), logger)
			cons, err := consumer.New(settings, client, logger)
			if err != nil {
				return err
			}
			cons.Start(ctx)
			defer cons.Close()

			var n int64
			if output != "" {
				n, err = staging.Capture(cons, output)
			} else {
				n, err = io.Copy(os.Stdout, cons)
			}
			if err != nil {
				return err
			}
			cons.Close()

			st := cons.Stats()
			logger.Info("fetch finished",
				zap.Uint64("version", st.Version),
				zap.Int64("bytes", n),
				zap.Uint64("segments", st.Delivered),
				zap.Int("gaps", len(st.Gaps)),
				zap.Uint64("rejected", st.Rejected),
			)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	cmd.Flags().BoolVar(&live, "live", false, "start at the newest segment")

	return cmd
}
