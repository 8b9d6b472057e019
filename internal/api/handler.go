// Package api exposes the engine over HTTP: chi handlers, the WebSocket
// activity feed and the mapping from domain errors to status codes.
//
// Amounts are whole base units and travel as decimal strings.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/atmx/farm-engine/internal/engine"
	"github.com/atmx/farm-engine/internal/farm"
	"github.com/atmx/farm-engine/internal/fixedpoint"
	"github.com/atmx/farm-engine/internal/ledger"
	"github.com/atmx/farm-engine/internal/metrics"
	"github.com/atmx/farm-engine/internal/staking"
	"github.com/atmx/farm-engine/internal/store"
)

// UserHeader carries the caller's account id.
const UserHeader = "X-User-ID"

type ctxKey struct{}

// Handler serves the HTTP API on top of an engine.
type Handler struct {
	eng        *engine.Engine
	hub        *WSHub
	adminToken string
	log        zerolog.Logger
}

// NewHandler creates the handler. hub may be nil.
func NewHandler(eng *engine.Engine, hub *WSHub, adminToken string, log zerolog.Logger) *Handler {
	return &Handler{eng: eng, hub: hub, adminToken: adminToken, log: log.With().Str("component", "api").Logger()}
}

// NewRouter builds the full router with middleware, health, metrics and
// the versioned API.
func NewRouter(h *Handler, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", UserHeader},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "farm-engine"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if h.hub != nil {
			r.Get("/ws", h.hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			h.routes(r)
		})
	})
	return r
}

func (h *Handler) routes(r chi.Router) {
	r.Get("/pools", h.ListPools)
	r.Get("/pools/{poolID}", h.GetPool)
	r.Get("/pools/{poolID}/positions/{userID}", h.GetPosition)
	r.Post("/pools/{poolID}/reconcile", h.ReconcilePool)
	r.Post("/reconcile", h.ReconcileAll)
	r.Get("/farm", h.GetFarm)

	r.Get("/staking", h.GetStaking)
	r.Get("/staking/accounts/{userID}", h.GetAccount)

	r.Get("/ledger/balances/{account}", h.GetBalances)
	r.Get("/activity", h.ListActivity)

	r.Group(func(r chi.Router) {
		r.Use(h.requireUser)
		r.Post("/pools/{poolID}/deposit", h.Deposit)
		r.Post("/pools/{poolID}/withdraw", h.Withdraw)
		r.Post("/pools/{poolID}/harvest", h.Harvest)
		r.Post("/pools/{poolID}/emergency-withdraw", h.EmergencyWithdraw)
		r.Post("/staking/deposit", h.Stake)
		r.Post("/staking/withdraw", h.Unstake)
		r.Post("/staking/claim", h.ClaimEscrow)
		r.Post("/ledger/approve", h.Approve)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(h.requireOwner)
		r.Post("/pools", h.AddPool)
		r.Put("/pools/{poolID}/allocation", h.SetAllocation)
		r.Put("/reward-rate", h.SetRewardRate)
		r.Put("/staking/base-rate", h.SetBaseRate)
		r.Put("/staking/speed-up-rate", h.SetSpeedUpRate)
		r.Put("/staking/speed-up-threshold", h.SetSpeedUpThreshold)
		r.Put("/staking/cap", h.SetMaxCapPct)
		r.Post("/staking/update-reward-vars", h.UpdateRewardVars)
		r.Post("/escrow/mint", h.MintEscrow)
		r.Post("/escrow/burn", h.BurnEscrow)
		r.Post("/ledger/mint", h.MintTokens)
		r.Post("/ledger/fund", h.FundReserve)
	})
}

// --- Middleware ---

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

// requireUser takes the caller from the X-User-ID header.
func (h *Handler) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := strings.TrimSpace(r.Header.Get(UserHeader))
		if user == "" {
			writeError(w, UserHeader+" header is required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, user)))
	})
}

// requireOwner maps a valid admin bearer token to the owner account.
func (h *Handler) requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || h.adminToken == "" {
			writeError(w, "admin bearer token is required", http.StatusUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) != 1 {
			writeError(w, "invalid admin token", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, h.eng.Owner())))
	})
}

func caller(r *http.Request) string {
	s, _ := r.Context().Value(ctxKey{}).(string)
	return s
}

// --- Helpers ---

func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// fail maps a domain error to its status code.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, farm.ErrInvalidAmount), errors.Is(err, staking.ErrInvalidAmount),
		errors.Is(err, fixedpoint.ErrInvalidAmount),
		errors.Is(err, farm.ErrInvalidConfiguration), errors.Is(err, staking.ErrInvalidConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, farm.ErrUnauthorized), errors.Is(err, staking.ErrUnauthorized),
		errors.Is(err, engine.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, farm.ErrPoolNotFound), errors.Is(err, store.ErrNotFound),
		errors.Is(err, ledger.ErrUnknownToken):
		return http.StatusNotFound
	case errors.Is(err, farm.ErrPoolExists), errors.Is(err, farm.ErrInsufficientBalance),
		errors.Is(err, staking.ErrInsufficientStake), errors.Is(err, staking.ErrNothingStaked):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientBalance), errors.Is(err, ledger.ErrInsufficientAllowance),
		errors.Is(err, ledger.ErrInsufficientReserve), errors.Is(err, ledger.ErrNonTransferable),
		errors.Is(err, ledger.ErrMaxSupplyExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, staking.ErrNotInitialized):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
