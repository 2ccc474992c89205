package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jrsteele09/go-auth-session/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var apiUpstream string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the guarded web app",
	Long: `Serves a small web app whose pages require the persisted session. The login
page signs in through the identity provider and, with --api, requests under
/api/proxy are forwarded to the upstream API carrying the access token.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		var opts []server.Option
		if apiUpstream != "" {
			upstream, err := url.Parse(apiUpstream)
			if err != nil {
				return fmt.Errorf("invalid --api URL: %w", err)
			}
			opts = append(opts, server.WithAPIUpstream(upstream))
		}
		handler, err := server.New(a.config, a.manager, opts...)
		if err != nil {
			return err
		}
		defer handler.Close()

		displayAppname(a.config.GetAppName())
		srv := &http.Server{
			Addr:              a.config.GetListenAddr(),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			log.Info().Str("addr", srv.Addr).Msg("server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("server.ListenAndServe: %w", err)
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}
		return shutdown(srv)
	},
}

func shutdown(srv *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	log.Info().Msg("server stopped")
	return nil
}

func init() {
	serveCmd.Flags().StringVar(&apiUpstream, "api", "", "upstream API to proxy under /api/proxy")
	rootCmd.AddCommand(serveCmd)
}
