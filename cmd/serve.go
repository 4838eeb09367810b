package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/clinic-crm/internal/api"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the CRM operations over HTTP",
	Long: `Starts the HTTP API:

  GET  /health
  POST /v1/tags            tag export (CSV body or multipart "file")
  POST /v1/batches?name=   weekly export (CSV body or multipart "file")
  GET  /v1/snapshots       list snapshots
  POST /v1/snapshots       take a snapshot (?as_of=)
  GET  /v1/diff            ?prior=&current=
  GET  /v1/scores          ?as_of=&save=true
  GET  /v1/scores/latest
  GET  /v1/kpi             ?start=&end=

Report routes accept ?format=json|csv|xlsx|yaml|table.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("store", "scoring", "vip"); err != nil {
			return err
		}

		p, closeStore, err := openPipeline(ctx)
		if err != nil {
			return err
		}
		defer closeStore()

		router := api.NewRouter(api.NewHandler(p, cfg.Batch.Encoding), cfg.Server.AllowedOrigins)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port), zap.String("store", cfg.Store.Driver))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
