package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	ticketshttp "github.com/divelog/ticketledger/middleware/http"
	"github.com/divelog/ticketledger/pkg/api"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the ticket API and the gated AI chat proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(a *app) error {
				return a.serve(cmd.Context())
			})
		},
	}
}

func (a *app) router() (http.Handler, error) {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(a.log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if a.cfg.Metrics.Enabled {
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		r.Handle(a.cfg.Metrics.Path, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	}

	handler, err := api.NewHandler(api.Config{
		Ledger:          a.ledger,
		GetUserID:       api.FromHeader(a.cfg.Server.UserHeader),
		AllowTestGrants: a.cfg.Server.AllowTestGrants,
		Logger:          a.ledgerLog,
	})
	if err != nil {
		return nil, err
	}
	r.Mount("/v1/tickets", handler.Routes())

	if a.cfg.Server.UpstreamURL != "" {
		upstream, err := url.Parse(a.cfg.Server.UpstreamURL)
		if err != nil {
			return nil, fmt.Errorf("invalid upstream url: %w", err)
		}
		proxy := httputil.NewSingleHostReverseProxy(upstream)
		proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
			// The ticket is already spent; the upstream failure is reported as is
			a.log.Error().Err(err).Str("path", r.URL.Path).Msg("upstream request failed")
			w.WriteHeader(http.StatusBadGateway)
		}

		gate := ticketshttp.Middleware(ticketshttp.Config{
			Ledger:     a.ledger,
			GetUserID:  ticketshttp.FromHeader(a.cfg.Server.UserHeader),
			GrantDaily: a.cfg.Server.GrantDaily,
			OnError: func(w http.ResponseWriter, r *http.Request, err error) {
				a.log.Error().Err(err).Str("path", r.URL.Path).Msg("ticket check failed")
				http.Error(w, "ticket service unavailable", http.StatusServiceUnavailable)
			},
		})
		r.With(gate).Handle("/v1/assistant/*", http.StripPrefix("/v1/assistant", proxy))
	}
	return r, nil
}

func (a *app) serve(ctx context.Context) error {
	handler, err := a.router()
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", srv.Addr).
			Str("remote", a.cfg.Remote.Backend).
			Str("local", a.cfg.Local.Backend).
			Msg("ticketd listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// requestLogger logs one line per request with chi's request ID
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug().
				Str("requestId", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Now().Sub(start)).
				Msg("request")
		})
	}
}
