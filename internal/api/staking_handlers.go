package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

type pctRequest struct {
	Pct int64 `json:"pct"`
}

type escrowRequest struct {
	User   string          `json:"user"`
	Amount decimal.Decimal `json:"amount"`
}

func (h *Handler) GetStaking(w http.ResponseWriter, r *http.Request) {
	st, err := h.eng.StakingState(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	v, err := h.eng.Account(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) Stake(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	a, err := h.eng.Stake(r.Context(), caller(r), req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) Unstake(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	a, err := h.eng.Unstake(r.Context(), caller(r), req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) ClaimEscrow(w http.ResponseWriter, r *http.Request) {
	minted, err := h.eng.ClaimEscrow(r.Context(), caller(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"minted": minted})
}

// --- Owner ---

func (h *Handler) UpdateRewardVars(w http.ResponseWriter, r *http.Request) {
	st, err := h.eng.UpdateStakingRewardVars(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) SetBaseRate(w http.ResponseWriter, r *http.Request) {
	var req rateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	st, err := h.eng.SetBaseRate(r.Context(), caller(r), req.Rate)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) SetSpeedUpRate(w http.ResponseWriter, r *http.Request) {
	var req rateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	st, err := h.eng.SetSpeedUpRate(r.Context(), caller(r), req.Rate)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) SetSpeedUpThreshold(w http.ResponseWriter, r *http.Request) {
	var req pctRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	st, err := h.eng.SetSpeedUpThreshold(r.Context(), caller(r), req.Pct)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) SetMaxCapPct(w http.ResponseWriter, r *http.Request) {
	var req pctRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	st, err := h.eng.SetMaxCapPct(r.Context(), caller(r), req.Pct)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) MintEscrow(w http.ResponseWriter, r *http.Request) {
	h.adjustEscrow(w, r, true)
}

func (h *Handler) BurnEscrow(w http.ResponseWriter, r *http.Request) {
	h.adjustEscrow(w, r, false)
}

func (h *Handler) adjustEscrow(w http.ResponseWriter, r *http.Request, mint bool) {
	var req escrowRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.User == "" {
		writeError(w, "user is required", http.StatusBadRequest)
		return
	}
	op := h.eng.BurnEscrow
	if mint {
		op = h.eng.MintEscrow
	}
	bal, err := op(r.Context(), caller(r), req.User, req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"escrow_balance": bal})
}
