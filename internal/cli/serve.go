package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rcliao/care-companion/internal/config"
	"github.com/rcliao/care-companion/internal/httpapi"
)

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, turn workers and reminder scheduler",
		Long: "Serve ingests turns over HTTP, classifies them on a worker pool, runs emergency safety checks " +
			"and fires scheduled reminders. Runtime settings reload when the config file changes.",
		Run: runServe,
	}
	cmd.Flags().String("addr", "", "Listen address (overrides http.addr)")
	cmd.Flags().Bool("no-scheduler", false, "Do not fire reminder jobs")

	RootCmd.AddCommand(cmd)
}

func runServe(cmd *cobra.Command, args []string) {
	addr, _ := cmd.Flags().GetString("addr")
	noScheduler, _ := cmd.Flags().GetBool("no-scheduler")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := mustApp(ctx, false)
	defer a.close()
	if addr == "" {
		addr = a.cfg.HTTP.Addr
	}
	if err := serve(ctx, a, addr, !noScheduler); err != nil {
		a.logger.Error("serve", zap.Error(err))
		a.close()
		os.Exit(1)
	}
}

func serve(ctx context.Context, a *app, addr string, withScheduler bool) error {
	log := a.logger

	// Re-drive alerts interrupted by the last shutdown before any case
	// escalates again, so a resumed escalation finds its alert settled.
	if n, err := a.dispatcher.Recover(ctx); err != nil {
		log.Error("recover alerts", zap.Error(err))
	} else if n > 0 {
		log.Info("recovered pending alerts", zap.Int("count", n))
	}
	if err := a.emergency.Start(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	a.pipeline.Start(ctx)

	if withScheduler {
		if n, err := a.scheduler.SyncAll(ctx); err != nil {
			log.Warn("sync jobs", zap.Error(err))
		} else if n > 0 {
			log.Info("jobs synced", zap.Int("written", n))
		}
		if err := a.scheduler.Start(ctx); err != nil {
			return err
		}
	}

	if configPath != "" {
		w, err := config.NewWatcher(configPath, a.cfg, log)
		if err != nil {
			log.Warn("config hot reload disabled", zap.Error(err))
		} else {
			w.OnChange(a.applyConfig)
			g.Go(func() error { return w.Run(ctx) })
		}
	}

	srv := &http.Server{
		Addr: addr,
		Handler: httpapi.NewRouter(httpapi.Deps{
			Turns:    a.pipeline,
			Cases:    a.emergency,
			Contexts: a.contexts,
			Store:    a.store,
			Events:   a.broadcast,
			Metrics:  a.metrics,
		}, log),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// Event streams end when the server shuts down.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g.Go(func() error {
		log.Info("listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
