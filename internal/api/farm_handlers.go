package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/farm-engine/internal/recorder"
)

type amountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type addPoolRequest struct {
	Token      string          `json:"token"`
	AllocPoint decimal.Decimal `json:"alloc_point"`
	Boosted    bool            `json:"boosted"`
}

type allocationRequest struct {
	AllocPoint decimal.Decimal `json:"alloc_point"`
}

type rateRequest struct {
	Rate decimal.Decimal `json:"rate"`
}

// --- Reads ---

func (h *Handler) GetFarm(w http.ResponseWriter, r *http.Request) {
	fs, err := h.eng.FarmState(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":           fs,
		"reserve_balance": h.eng.ReserveBalance(),
		"now":             h.eng.Now(),
	})
}

func (h *Handler) ListPools(w http.ResponseWriter, r *http.Request) {
	pools, err := h.eng.Pools(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pools)
}

func (h *Handler) GetPool(w http.ResponseWriter, r *http.Request) {
	p, err := h.eng.Pool(r.Context(), chi.URLParam(r, "poolID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) GetPosition(w http.ResponseWriter, r *http.Request) {
	v, err := h.eng.Position(r.Context(), chi.URLParam(r, "poolID"), chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// --- Reconciliation ---

func (h *Handler) ReconcilePool(w http.ResponseWriter, r *http.Request) {
	p, err := h.eng.ReconcilePool(r.Context(), chi.URLParam(r, "poolID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) ReconcileAll(w http.ResponseWriter, r *http.Request) {
	if err := h.eng.ReconcileAll(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reconciled"})
}

// --- Positions ---

func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	rc, err := h.eng.Deposit(r.Context(), chi.URLParam(r, "poolID"), caller(r), req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	rc, err := h.eng.Withdraw(r.Context(), chi.URLParam(r, "poolID"), caller(r), req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

func (h *Handler) Harvest(w http.ResponseWriter, r *http.Request) {
	rc, err := h.eng.Harvest(r.Context(), chi.URLParam(r, "poolID"), caller(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

func (h *Handler) EmergencyWithdraw(w http.ResponseWriter, r *http.Request) {
	rc, err := h.eng.EmergencyWithdraw(r.Context(), chi.URLParam(r, "poolID"), caller(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

// --- Owner ---

func (h *Handler) AddPool(w http.ResponseWriter, r *http.Request) {
	var req addPoolRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Token == "" {
		writeError(w, "token is required", http.StatusBadRequest)
		return
	}
	p, err := h.eng.AddPool(r.Context(), caller(r), req.Token, req.AllocPoint, req.Boosted)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) SetAllocation(w http.ResponseWriter, r *http.Request) {
	var req allocationRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	p, err := h.eng.SetAllocation(r.Context(), caller(r), chi.URLParam(r, "poolID"), req.AllocPoint)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) SetRewardRate(w http.ResponseWriter, r *http.Request) {
	var req rateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	fs, err := h.eng.SetRewardRate(r.Context(), caller(r), req.Rate)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fs)
}

// --- Ledger ---

type approveRequest struct {
	Token   string          `json:"token"`
	Spender string          `json:"spender"`
	Amount  decimal.Decimal `json:"amount"`
}

type mintRequest struct {
	Token  string          `json:"token"`
	To     string          `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}

func (h *Handler) GetBalances(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.eng.Balances(r.Context(), chi.URLParam(r, "account")))
}

func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Token == "" || req.Spender == "" {
		writeError(w, "token and spender are required", http.StatusBadRequest)
		return
	}
	if err := h.eng.Approve(r.Context(), caller(r), req.Spender, req.Token, req.Amount); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

func (h *Handler) MintTokens(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Token == "" || req.To == "" {
		writeError(w, "token and to are required", http.StatusBadRequest)
		return
	}
	if err := h.eng.MintTokens(r.Context(), caller(r), req.Token, req.To, req.Amount); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "minted"})
}

func (h *Handler) FundReserve(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.eng.FundReserve(r.Context(), req.Amount); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reserve_balance": h.eng.ReserveBalance()})
}

func (h *Handler) ListActivity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := recorder.Filter{UserID: q.Get("user"), PoolID: q.Get("pool"), Kind: q.Get("kind")}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		f.Limit = n
	}
	acts, err := h.eng.Activity(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acts)
}
