// Package server exposes the QuotaControl methods over HTTP as
// POST /rpc/QuotaControl/<Method>, plus the admission endpoint and the
// operational routes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/pario-ai/quotacontrol/pkg/handler"
	"github.com/pario-ai/quotacontrol/pkg/models"
)

// RPCPrefix is the path every method is served under.
const RPCPrefix = "/rpc/QuotaControl/"

// Service is what the server fronts. *handler.Handler implements it.
type Service interface {
	models.QuotaControl
	Admit(ctx context.Context, req handler.AdmitRequest) (*handler.Decision, error)
}

// Server is the QuotaControl HTTP server.
type Server struct {
	listen    string
	svc       Service
	router    chi.Router
	endpoints map[string]endpoint
	log       zerolog.Logger
}

// New creates a Server wired with all routes.
func New(listen string, svc Service, log zerolog.Logger) *Server {
	s := &Server{
		listen:    listen,
		svc:       svc,
		router:    chi.NewRouter(),
		endpoints: endpoints(svc),
		log:       log.With().Str("component", "server").Logger(),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(RequestLogger(s.log))
	s.router.Use(Recoverer)
	s.router.Use(versionHeader)

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, models.ErrWebrpcBadRoute.WithCausef("no route for %s", r.URL.Path))
	})
	s.router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, models.ErrWebrpcBadMethod.WithCausef("unsupported method %s", r.Method))
	})

	s.router.Handle("/metrics", promhttp.Handler())
	s.router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	s.router.Post(RPCPrefix+"{method}", s.serveRPC)
	s.router.Post("/admit", s.serveAdmit)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe starts the server and shuts it down gracefully when ctx
// is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("listen", s.listen).Msg("quotacontrol listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func versionHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(models.WebrpcHeader, models.WebrpcHeaderValue)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes err in the wire format. Errors that are not part of
// the protocol are logged and replaced by an internal error without cause.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := models.AsError(err)
	if e.Kind == models.KindWebrpcInternalError || e.Kind == models.KindWebrpcServerPanic {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		hidden := *e
		hidden.Cause = ""
		e = &hidden
	}
	status := e.Status
	if status == 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, e)
}
