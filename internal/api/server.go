package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// NewServer creates an HTTP server with all routes configured.
func NewServer(port string, deps Deps) *http.Server {
	return &http.Server{
		Addr:         ":" + port,
		Handler:      NewMux(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 180 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// NewMux registers every route on a fresh mux.
func NewMux(deps Deps) *http.ServeMux {
	handler := NewHandler(deps)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handler.Health)
	mux.Handle("GET /metrics", deps.Metrics.Handler())
	mux.HandleFunc("POST /api/v1/bids", handler.ComputeBid)
	mux.HandleFunc("GET /api/v1/prices", handler.GetPrices)
	mux.HandleFunc("GET /api/v1/wallet", handler.GetWallet)
	mux.HandleFunc("GET /api/v1/settlements/{requestId}/attempts", handler.ListAttempts)

	settleHandler := http.HandlerFunc(handler.Settle)
	if deps.APISecret != "" {
		mux.Handle("POST /api/v1/settlements/{requestId}", requireAuth(deps.APISecret, settleHandler))
	} else {
		slog.Warn("API_SECRET not set, settlement endpoint is unprotected")
		mux.Handle("POST /api/v1/settlements/{requestId}", settleHandler)
	}

	return mux
}

func requireAuth(apiKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		token := strings.TrimPrefix(auth, "Bearer ")
		if !strings.HasPrefix(auth, "Bearer ") || subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}
