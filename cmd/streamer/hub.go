package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/ccnx-streamer/internal/hub"
)

func hubCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Run a forwarder that routes interests to publishers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if listen == "" {
				listen = cfg.Hub.Listen
			}

			h, err := hub.New(cfg.Hub.CSCapacity, logger)
			if err != nil {
				return err
			}
			go h.Run(ctx)

			httpServer := &http.Server{
				Addr:              listen,
				Handler:           hub.NewRouter(h, logger),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("starting hub", zap.String("addr", listen), zap.Int("cs_capacity", cfg.Hub.CSCapacity))
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err, ok := <-errCh:
				if ok {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			logger.Info("shutting down hub...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return err
			}

			st := h.Stats()
			logger.Info("hub stopped",
				zap.Uint64("interests", st.Interests),
				zap.Uint64("data", st.Data),
				zap.Uint64("cache_hits", st.CacheHits),
			)
			return nil
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address (default hub.listen)")

	return cmd
}
