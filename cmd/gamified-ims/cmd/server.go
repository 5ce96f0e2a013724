package cmd

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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/Yuz-tech/gamified-ims/api"
	"github.com/Yuz-tech/gamified-ims/config"
	"github.com/Yuz-tech/gamified-ims/session"
)

const limiterSweepInterval = 10 * time.Minute

var serverPort int

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the API server",
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().IntVarP(&serverPort, "port", "p", 0, "Port to listen on (overrides config)")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, logger, logCloser, err := loadConfig()
	if err != nil {
		return err
	}
	defer logCloser.Close()
	if serverPort != 0 {
		cfg.Server.Port = serverPort
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var metricsReg prometheus.Registerer
	if cfg.Metrics.Enabled {
		metricsReg = reg
	}

	app, err := openApp(ctx, cfg, logger, metricsReg)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Error("closing resources", "error", err)
		}
	}()

	proxies, err := api.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return fmt.Errorf("parsing trusted proxies: %w", err)
	}
	a := api.New(api.Services{
		Users:    app.users,
		Sessions: app.sessions,
		Tokens:   app.tokens,
		Training: app.training,
		Activity: app.activity,
		Recorder: app.recorder,
	},
		api.WithLogger(logger),
		api.WithTrustedProxies(proxies),
		api.WithMetrics(metricsReg),
		api.WithAlertFunc(func(e api.AlertEvent) {
			logger.Warn("security alert",
				"type", e.Type, "message", e.Message, "count", e.Count, "threshold", e.Threshold)
		}),
	)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	if cfg.Server.CORSOrigin != "" {
		r.Use(api.CORS(cfg.Server.CORSOrigin))
	}
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	if cfg.Metrics.Enabled {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}
	r.Mount("/api", a.Router())

	go runSweeper(ctx, app, logger, metricsReg)
	go func() {
		t := time.NewTicker(limiterSweepInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				a.SweepLimiters()
			}
		}
	}()

	return serve(ctx, cfg.Server, r, logger)
}

func runSweeper(ctx context.Context, app *app, logger *slog.Logger, reg prometheus.Registerer) {
	swept := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gims",
		Name:      "sessions_swept_total",
		Help:      "Stale sessions deleted by the sweeper.",
	})
	if reg != nil {
		reg.MustRegister(swept)
	}
	s := &session.Sweeper{
		Registry: app.sessions,
		Locker:   app.locker,
		Interval: app.cfg.Sessions.SweepInterval,
		Timeout:  app.cfg.Sessions.SweepTimeout,
		Logger:   logger,
		OnSweep: func(deleted int, err error) {
			if err == nil {
				swept.Add(float64(deleted))
			}
		},
	}
	s.Run(ctx)
}

func serve(ctx context.Context, cfg config.ServerConfig, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	done := make(chan error, 1)
	go func() {
		var err error
		if cfg.TLSCert != "" {
			err = server.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- fmt.Errorf("server failed: %w", err)
			return
		}
		done <- nil
	}()

	printBanner(os.Stdout)
	logger.Info("server listening", "port", cfg.Port, "tls", cfg.TLSCert != "", "version", Version)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return <-done
	case err := <-done:
		return err
	}
}

// requestLogger logs one line per request through slog.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.LogAttrs(r.Context(), slog.LevelInfo, "request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
