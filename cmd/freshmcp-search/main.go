// Command freshmcp-search serves the search-index gateway: Azure AI Search
// index management and query operations exposed as MCP tools over an SSE
// stream at /search/sse.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/eosho/freshmcp/backend/searchindex"
	"github.com/eosho/freshmcp/internal/config"
	"github.com/eosho/freshmcp/internal/dispatch"
	"github.com/eosho/freshmcp/internal/logctx"
	"github.com/eosho/freshmcp/internal/session"
	"github.com/eosho/freshmcp/mcp"
	"github.com/eosho/freshmcp/registry"
	"github.com/eosho/freshmcp/transport"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadSearch()
	if err != nil {
		return err
	}
	log := slog.New(logctx.Handler{
		Handler: slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}),
	})

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return fmt.Errorf("acquire credentials: %w", err)
	}
	client := searchindex.NewClient(cfg.Endpoint, cred, nil)
	adapter := searchindex.New(client, searchindex.WithLogger(log))

	reg := registry.New()
	if err := registry.RegisterAdapter(reg, adapter); err != nil {
		return err
	}
	if err := reg.Register(registry.EchoTool()); err != nil {
		return err
	}

	eng := dispatch.NewEngine(reg,
		dispatch.WithLogger(log),
		dispatch.WithServerInfo(mcp.ImplementationInfo{Name: "search_mcp", Version: version}),
		dispatch.WithDefaultTimeout(cfg.CallTimeout),
		dispatch.WithTextResource(mcp.Resource{
			URI:      "config://version",
			Name:     "version",
			MimeType: "text/plain",
		}, version),
	)

	h, err := transport.New("search", eng,
		transport.WithLogger(log),
		transport.WithHeartbeatInterval(cfg.Heartbeat),
		transport.WithDrainGrace(cfg.DrainGrace),
		transport.WithSessionConfig(session.Config{
			MaxConcurrent: cfg.MaxConcurrent,
			QueueSize:     cfg.QueueSize,
			PendingSize:   cfg.PendingLimit,
		}),
	)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainGrace*2)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("server.start", slog.String("addr", cfg.Addr), slog.String("service", "search"))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Info("server.stop")
	return nil
}
