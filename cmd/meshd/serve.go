package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"meshd/internal/config"
	"meshd/internal/httpapi"
)

func newServeCmd(f *rootFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP job server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.loadConfig(os.LookupEnv)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, newLogger(cfg.Log, cmd.ErrOrStderr()), nil)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address, e.g. :7842 (overrides config)")
	return cmd
}

// serve runs until ctx is done. When ready is non-nil it receives the bound
// address once the listener is up.
func serve(ctx context.Context, cfg config.Config, log zerolog.Logger, ready chan<- string) error {
	a, err := buildApp(ctx, cfg, log, true)
	if err != nil {
		return err
	}
	report := a.mgr.SanityCheck()
	for _, m := range report.Models {
		if !m.WeightsFound {
			log.Warn().Str("event", "sanity").Str("model", m.ID).Str("path", m.Path).Str("error", m.Error).Msg("startup")
		}
	}
	if len(report.Features) > 0 {
		log.Info().Str("event", "sanity").Strs("features_without_model", report.Features).Msg("startup")
	}

	if _, err := a.sched.Recover(ctx); err != nil {
		_ = a.shutdown(context.Background())
		return err
	}
	a.sched.Start()

	h := cfg.HTTP
	mux := httpapi.NewMux(httpapi.Core{Scheduler: a.sched, Manager: a.mgr, Recent: a.recent}, httpapi.Options{
		MaxBodyBytes: h.MaxBodyBytes,
		SubmitRPS:    h.SubmitRPS,
		SubmitBurst:  h.SubmitBurst,
		CORS: httpapi.CORSOptions{
			Enabled: h.CORS.Enabled,
			Origins: h.CORS.Origins,
			Methods: h.CORS.Methods,
			Headers: h.CORS.Headers,
		},
		OutputDir:    cfg.OutputDir,
		LogLevel:     httpapi.ParseLogLevel(h.RequestLog),
		Logger:       log.With().Str("component", "http").Logger(),
		AdminTimeout: h.AdminTimeout.Std(),
	})
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		_ = a.shutdown(context.Background())
		return err
	}
	log.Info().Str("event", "listen").Str("addr", ln.Addr().String()).Int("workers", cfg.Workers).Str("store", cfg.Store.Backend).Str("runtime", cfg.Runtime.Mode).Msg("meshd")
	if ready != nil {
		ready <- ln.Addr().String()
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errc:
		if errors.Is(serveErr, http.ErrServerClosed) {
			serveErr = nil
		}
	}

	log.Info().Str("event", "shutdown").Msg("meshd")
	// drain time plus a margin for unloading models
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Queue.ShutdownTimeout.Std()+10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Error().Err(err).Str("event", "http_shutdown").Msg("meshd")
	}
	if err := a.shutdown(sctx); err != nil {
		log.Error().Err(err).Str("event", "drain").Msg("meshd")
		return errors.Join(serveErr, err)
	}
	return serveErr
}
