package main

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/vinayprograms/stepkit/api"
	"github.com/vinayprograms/stepkit/shutdown"
)

func newServeCmd(cfgPath *string) *cobra.Command {
	var listen string
	var noAPI bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the dispatcher",
		Long: `Serve runs due instances as they come up and exposes the HTTP API.
It stops gracefully on SIGINT or SIGTERM: the dispatcher finishes the
runs it has started, then the server, the store and telemetry are
closed in that order.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, *cfgPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if listen != "" {
				a.config.API.Listen = listen
			}
			return serve(ctx, a, !noAPI)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Override api.listen")
	cmd.Flags().BoolVar(&noAPI, "no-api", false, "Run only the dispatcher")
	return cmd
}

func serve(ctx context.Context, a *app, withAPI bool) error {
	coord := shutdown.New(shutdown.DefaultConfig(), a.log)
	coord.RegisterFunc("dispatcher", shutdown.PhaseDispatcher, a.dispatcher.Stop)
	coord.RegisterFunc("store", shutdown.PhaseStore, func(ctx context.Context) error {
		return a.closeStore()
	})
	coord.RegisterFunc("telemetry", shutdown.PhaseTelemetry, a.flushTelemetry)

	if err := a.dispatcher.Start(context.Background()); err != nil {
		a.close(ctx)
		return err
	}

	serverErr := make(chan error, 1)
	if withAPI {
		gin.SetMode(gin.ReleaseMode)
		handler := api.New(a.engine, a.dispatcher,
			api.WithLogger(a.log),
			api.WithTracer(a.provider.Tracer()),
		).Handler()
		srv := &http.Server{
			Addr:              a.config.API.Listen,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			coord.ShutdownWithTimeout()
			return err
		}
		coord.RegisterFunc("http-server", shutdown.PhaseServer, srv.Shutdown)

		go func() {
			if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
		a.log.Info("api_listening", map[string]interface{}{"addr": ln.Addr().String()})
	}

	stop := coord.HandleSignals()
	defer stop()

	select {
	case <-coord.Done():
	case <-ctx.Done():
		coord.ShutdownWithTimeout()
	case err := <-serverErr:
		a.log.Error("api_failed", map[string]interface{}{"error": err.Error()})
		coord.ShutdownWithTimeout()
		return err
	}

	if res := coord.Result(); res != nil && res.Failed() {
		a.log.Error("shutdown_incomplete", map[string]interface{}{
			"handlers": strings.Join(res.FailedHandlers(), ","),
			"error":    res.Err.Error(),
		})
		return res.Err
	}
	return nil
}
