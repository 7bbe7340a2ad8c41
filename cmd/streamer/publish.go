package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/ccnx-streamer/internal/netclient"
	"github.com/dgnsrekt/ccnx-streamer/internal/producer"
	"github.com/dgnsrekt/ccnx-streamer/internal/sign"
)

func publishCmd() *cobra.Command {
	var saveKey bool

	cmd := &cobra.Command{
		Use:   "publish [URI]",
		Short: "Publish stdin as a segmented stream",
		Long: `Read stdin, split it into signed segments and publish them under a
freshly versioned name below URI (default stream.uri).

Examples:
  # Publish a file
  streamer publish ccnx:/videos/talk < talk.webm

  # Pace publishing to 50 segments per second
  CCNX_PRODUCER_PUBLISH_RATE=50 streamer publish ccnx:/live/cam0`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			prefix, err := cfg.StreamName(firstArg(args))
			if err != nil {
				return err
			}

			signer, err := loadSigner(saveKey)
			if err != nil {
				return err
			}

			client := netclient.NewWebSocketClient(cfg.ClientOptions(), logger)
			prod, err := producer.New(cfg.ProducerSettings(prefix), client, signer, logger)
			if err != nil {
				return err
			}
			if err := prod.Start(ctx); err != nil {
				return err
			}

			logger.Info("publishing stdin", zap.Stringer("name", prod.Name()))

			if _, err := io.Copy(prod, os.Stdin); err != nil {
				_ = prod.CloseContext(ctx)
				return fmt.Errorf("reading stdin: %w", err)
			}
			if err := prod.CloseContext(ctx); err != nil {
				return err
			}

			st := prod.State()
			logger.Info("publish finished",
				zap.Uint64("segments", st.Published),
				zap.Uint64("dropped", st.Dropped),
			)
			return nil
		},
	}

	cmd.Flags().BoolVar(&saveKey, "save-key", true, "store a generated key in the keystore")

	return cmd
}

// loadSigner reads the keystore, generating a key if none exists yet.
func loadSigner(save bool) (*sign.Ed25519, error) {
	path := sign.ResolveKeystore(cfg.Signing.KeyFile)
	s, generated, err := sign.LoadOrGenerate(path)
	if err != nil {
		return nil, err
	}
	if !generated {
		return s, nil
	}
	if !save || path == "" {
		logger.Warn("using an ephemeral signing key")
		return s, nil
	}
	if err := sign.SaveKey(path, s); err != nil {
		return nil, err
	}
	logger.Info("generated signing key", zap.String("keystore", path))
	return s, nil
}

func firstArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}
