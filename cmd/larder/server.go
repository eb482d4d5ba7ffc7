package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/larder/internal/api"
	"github.com/kalambet/larder/internal/config"
	"github.com/kalambet/larder/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the larder server (foreground)",
	Long: `Run the HTTP API, the ingest workers and the expiration sweeper.

With --mcp-stdio the MCP tools are also served on stdin/stdout, so the
process can be launched directly by an agent host.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpStdio, _ := cmd.Flags().GetBool("mcp-stdio")
		return runServer(mcpStdio)
	},
}

func init() {
	serveCmd.Flags().Bool("mcp-stdio", false, "also serve MCP over stdin/stdout")
}

func runServer(mcpStdio bool) error {
	fmt.Fprintf(os.Stderr, "larder version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer(ctx, "larder", cfg.Telemetry.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer shutdownTracer()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	mcpSrv := api.NewMCPServer(api.MCPDeps{Ingest: a.ingest, Review: a.review}, version)

	// REST routes plus MCP over streamable HTTP.
	topRouter := chi.NewRouter()
	topRouter.Mount("/mcp", server.NewStreamableHTTPServer(mcpSrv))
	topRouter.Mount("/", api.NewHandler(a.apiDeps()))

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           topRouter,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "larder listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return a.worker.RunN(gctx, cfg.Ingest.Workers)
	})

	g.Go(func() error {
		a.sweeper.Run(gctx)
		return nil
	})

	if mcpStdio {
		g.Go(func() error {
			slog.Info("MCP server started (stdio transport)")
			err := server.NewStdioServer(mcpSrv).Listen(gctx, os.Stdin, os.Stdout)
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
	}

	return g.Wait()
}
