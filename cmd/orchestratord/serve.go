package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/flowmesh/orchestrator/cmd/orchestratord/httpapi"
	"github.com/flowmesh/orchestrator/internal/config"
)

type serveFlags struct {
	root *rootFlags
	addr string
}

func newServeCmd(root *rootFlags) *cobra.Command {
	flags := &serveFlags{root: root}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator HTTP server (plan API, chat API, plan event streams)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(flags)
		},
	}

	cmd.Flags().StringVar(&flags.addr, "addr", "", "override the configured HTTP listen address")

	return cmd
}

func runServe(flags *serveFlags) error {
	var opts []config.Option
	if flags.addr != "" {
		opts = append(opts, config.WithHTTPAddr(flags.addr))
	}
	if flags.root.redisAddr != "" {
		opts = append(opts, config.WithRedisAddr(flags.root.redisAddr))
	}
	if flags.root.distributedBus {
		opts = append(opts, config.WithDistributedBus(true))
	}
	cfg := config.Load(opts...)

	app, err := NewApp(cfg, flags.root.plansDir, flags.root.agentProfilesDir)
	if err != nil {
		return fmt.Errorf("orchestratord: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/plans", httpapi.NewPlanHandler(app.Service))
	mux.Handle("/chat", httpapi.NewChatHandler(app.Router, app.Optimizer, app.Coalescer))
	mux.HandleFunc("/plan/", planEventsRoute(app))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})

	var handler http.Handler = otelhttp.NewHandler(mux, "orchestratord")

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	app.Logger.Info("orchestratord.starting", map[string]interface{}{"addr": cfg.HTTP.Addr})

	serveErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("orchestratord: server failed: %w", err)
		}
	case <-sig:
		app.Logger.Info("orchestratord.shutting_down", nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			app.Logger.Error("orchestratord.shutdown_error", map[string]interface{}{"error": err.Error()})
		}
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return app.Close(closeCtx)
}

// planEventsRoute adapts the path-templated /plan/{planId}/events endpoint
// onto sse.Handler.ServeHTTP's existing contract, which reads
// the plan id from a "planId" query parameter rather than the path.
func planEventsRoute(app *App) http.HandlerFunc {
	const suffix = "/events"
	return func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if len(path) <= len("/plan/")+len(suffix) || path[len(path)-len(suffix):] != suffix {
			http.NotFound(w, r)
			return
		}
		planID := path[len("/plan/") : len(path)-len(suffix)]
		if planID == "" {
			http.NotFound(w, r)
			return
		}
		q := r.URL.Query()
		q.Set("planId", planID)
		r.URL.RawQuery = q.Encode()
		app.SSEHandler.ServeHTTP(w, r)
	}
}
