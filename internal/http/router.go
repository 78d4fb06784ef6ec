package http

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"speech-stream-proxy/internal/api/ws"
	"speech-stream-proxy/internal/app"
	"speech-stream-proxy/internal/errs"
	"speech-stream-proxy/internal/observability"
	"speech-stream-proxy/internal/observability/metrics"
)

// NewRouter constructs the HTTP router for the service. application must be started.
func NewRouter(application *app.Application) http.Handler {
	r := chi.NewRouter()

	// Basic middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observability.RequestLogger(metrics.DefaultMetrics))

	// Health endpoints
	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		if !application.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	// API routes
	b := application.Bridge
	auth := application.Cfg.Auth
	r.Route("/v1", func(r chi.Router) {
		if auth.JWTSecret != "" {
			r.Use(RequireJWT(auth.JWTSecret, auth.JWTIssuer))
		}

		r.Handle("/stream", ws.NewHandler(b, application.Cfg.Proxy.PongWait))

		r.Get("/sessions", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"sessions": b.Sessions()})
		})
		r.Get("/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
			snap, ok := b.Get(chi.URLParam(r, "id"))
			if !ok {
				writeError(w, errs.E(errs.CodeInvalidArgument, "http.getSession", "session not found", nil), http.StatusNotFound)
				return
			}
			writeJSON(w, http.StatusOK, snap)
		})
		r.Delete("/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
			if !b.Close(chi.URLParam(r, "id")) {
				writeError(w, errs.E(errs.CodeInvalidArgument, "http.closeSession", "session not found", nil), http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusAccepted)
		})
	})

	return r
}

type apiError struct {
	Code    errs.Code `json:"code"`
	Message string    `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err as {"code","message"}. status 0 derives it from the code.
func writeError(w http.ResponseWriter, err error, status int) {
	if status == 0 {
		status = errs.HTTPStatus(err)
	}
	writeJSON(w, status, apiError{Code: errs.CodeOf(err), Message: errs.SafeMessage(err)})
}
