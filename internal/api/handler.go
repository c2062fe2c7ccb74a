package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/mtlprog/resolver/internal/bid"
	"github.com/mtlprog/resolver/internal/domain"
	"github.com/mtlprog/resolver/internal/journal"
	"github.com/mtlprog/resolver/internal/metrics"
	"github.com/mtlprog/resolver/internal/wallet"
)

const maxBodyBytes = 1 << 20

// BidComputer prices bid requests.
type BidComputer interface {
	Compute(ctx context.Context, req domain.BidRequest) (domain.Bid, error)
}

// Settler executes settlement attempts.
type Settler interface {
	Execute(ctx context.Context, requestID uint64) (domain.SettlementOutcome, error)
}

// AttemptLister reads the settlement attempt journal.
type AttemptLister interface {
	ListByRequest(ctx context.Context, requestID uint64, limit int) ([]journal.Attempt, error)
}

// PriceReader serves cached USD prices.
type PriceReader interface {
	GetBatch(ctx context.Context, assets []string) (map[string]domain.PriceQuote, error)
	HotAssets() []string
}

// WalletReader reads the resolver wallet.
type WalletReader interface {
	Status(ctx context.Context) (wallet.Status, error)
}

// Deps are the services behind the API. Attempts may be nil when no database is configured.
type Deps struct {
	Bids        BidComputer
	Settlements Settler
	Attempts    AttemptLister
	Prices      PriceReader
	Wallet      WalletReader
	Metrics     *metrics.Metrics
	ResolverID  string
	Network     string
	APISecret   string
}

// Handler provides HTTP endpoints for the resolver API.
type Handler struct {
	deps Deps
	now  func() time.Time
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{deps: deps, now: time.Now}
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"resolverId": h.deps.ResolverID,
		"network":    h.deps.Network,
		"time":       h.now().UTC(),
	})
}

// ComputeBid handles POST /api/v1/bids.
func (h *Handler) ComputeBid(w http.ResponseWriter, r *http.Request) {
	var req domain.BidRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	op, err := domain.ParseOperation(string(req.Operation))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Operation = op

	b, err := h.deps.Bids.Compute(r.Context(), req)
	if err != nil {
		if errors.Is(err, bid.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("failed to compute bid", "bundle_id", req.BundleID, "operation", req.Operation, "error", err)
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// Settle handles POST /api/v1/settlements/{requestId}.
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	requestID, ok := parseRequestID(w, r)
	if !ok {
		return
	}

	outcome, err := h.deps.Settlements.Execute(r.Context(), requestID)
	if err != nil {
		writeJSON(w, statusForKind(domain.KindOf(err)), settlementFailure{
			Error:     err.Error(),
			Kind:      outcome.ErrorKind,
			Retryable: outcome.Retryable,
			Outcome:   outcome,
		})
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// ListAttempts handles GET /api/v1/settlements/{requestId}/attempts.
func (h *Handler) ListAttempts(w http.ResponseWriter, r *http.Request) {
	if h.deps.Attempts == nil {
		writeError(w, http.StatusServiceUnavailable, "attempt journal not configured")
		return
	}
	requestID, ok := parseRequestID(w, r)
	if !ok {
		return
	}

	limit := journal.DefaultListLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = min(n, journal.MaxListLimit)
		}
	}

	attempts, err := h.deps.Attempts.ListByRequest(r.Context(), requestID, limit)
	if err != nil {
		if errors.Is(err, journal.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no attempts recorded for request")
			return
		}
		slog.Error("failed to list settlement attempts", "request_id", requestID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, attempts)
}

// GetPrices handles GET /api/v1/prices?assets=BTC,ETH. Without assets the hot list is served.
func (h *Handler) GetPrices(w http.ResponseWriter, r *http.Request) {
	assets := splitList(r.URL.Query().Get("assets"))
	if len(assets) == 0 {
		assets = h.deps.Prices.HotAssets()
	}
	if len(assets) == 0 {
		writeError(w, http.StatusBadRequest, "assets query parameter is required")
		return
	}

	quotes, err := h.deps.Prices.GetBatch(r.Context(), assets)
	if err != nil {
		slog.Error("failed to get prices", "assets", assets, "error", err)
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quotes)
}

// GetWallet handles GET /api/v1/wallet.
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	st, err := h.deps.Wallet.Status(r.Context())
	if err != nil {
		slog.Error("failed to read wallet", "error", err)
		writeError(w, http.StatusBadGateway, "wallet unreadable")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type settlementFailure struct {
	Error     string                   `json:"error"`
	Kind      domain.ErrorKind         `json:"kind,omitempty"`
	Retryable bool                     `json:"retryable"`
	Outcome   domain.SettlementOutcome `json:"outcome"`
}

// statusForKind maps the settlement error taxonomy onto HTTP statuses.
// Retryable kinds are 5xx; kinds that void the assignment are 4xx.
func statusForKind(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindPriceUnavailable, domain.KindInsufficientResolverFunds:
		return http.StatusServiceUnavailable
	case domain.KindLedgerOperationFailed:
		return http.StatusBadGateway
	case domain.KindAllocationMissing, domain.KindCoordinatorRejected:
		return http.StatusConflict
	case domain.KindUnsupportedLedgerLocation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeKindError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	writeJSON(w, statusForKind(kind), map[string]any{
		"error":     err.Error(),
		"kind":      kind,
		"retryable": domain.Retryable(err),
	})
}

func parseRequestID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := r.PathValue("requestId")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request id")
		return 0, false
	}
	return id, true
}

func splitList(s string) []string {
	return lo.Uniq(lo.FilterMap(strings.Split(s, ","), func(part string, _ int) (string, bool) {
		part = strings.TrimSpace(part)
		return part, part != ""
	}))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to marshal JSON response", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.Warn("failed to write HTTP response body", "error", err)
		return
	}
	_, _ = w.Write([]byte("\n"))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
