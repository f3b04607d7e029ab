package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/mnemo/pkg/service/mcp"
	"github.com/m-mizutani/mnemo/pkg/usecase/consolidation"
	"github.com/m-mizutani/mnemo/pkg/utils/logging"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

func serveCommand() *cli.Command {
	var (
		cfg         config
		metricsAddr string
	)

	flags := commandFlags(&cfg,
		&cli.StringFlag{
			Name:        "metrics-addr",
			Usage:       "Listen address of the Prometheus /metrics endpoint; disabled when empty",
			Sources:     cli.EnvVars("MNEMO_METRICS_ADDR"),
			Destination: &metricsAddr,
		},
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve memory tools over MCP stdio",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, err := cfg.setup(ctx, c)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := cfg.newRuntime(ctx, true)
			if err != nil {
				return err
			}
			defer rt.Close(context.WithoutCancel(ctx))

			server := mcp.NewServer(consolidation.NewSerialized(rt.pipeline), Version)

			eg, ctx := errgroup.WithContext(ctx)
			eg.Go(func() error {
				defer stop()
				return server.Run(ctx, &mcpsdk.StdioTransport{})
			})

			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", rt.metrics.Handler())
				httpServer := &http.Server{
					Addr:              metricsAddr,
					Handler:           mux,
					ReadHeaderTimeout: 10 * time.Second,
				}

				eg.Go(func() error {
					logging.From(ctx).Info("serving metrics", "addr", metricsAddr)
					if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return goerr.Wrap(err, "metrics server failed", goerr.V("addr", metricsAddr))
					}
					return nil
				})
				eg.Go(func() error {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
					defer cancel()
					return httpServer.Shutdown(shutdownCtx)
				})
			}

			if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}
