// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/qcollector/fieldmigration/pkg/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve [port]",
	Short: "Run the migration worker and the operator HTTP API",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		port := ":8080"
		if len(args) > 0 {
			port = fmt.Sprintf(":%s", args[0])
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		c, closer, err := newController(ctx)
		if err != nil {
			return err
		}
		defer closer()

		if err := c.Queue().Start(ctx); err != nil {
			return err
		}
		defer c.Queue().Stop()

		logger := newLogger()
		srv := &http.Server{
			Addr:    port,
			Handler: api.NewServer(c, logger).Routes(),
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info("starting server", "addr", port)
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}
