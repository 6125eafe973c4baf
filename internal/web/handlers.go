package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/orangewallet/internal/domain"
	"github.com/vadiminshakov/orangewallet/internal/services/transfer"
)

// walletView adds the BTC balance to the stored row.
type walletView struct {
	domain.Wallet
	BalanceBTC decimal.Decimal `json:"balance_btc"`
}

func viewOf(w domain.Wallet) walletView {
	return walletView{Wallet: w, BalanceBTC: w.BalanceBTC()}
}

type createWalletRequest struct {
	Label        string           `json:"label"`
	Description  string           `json:"description"`
	Credential   string           `json:"credential"`
	GoalAmount   *decimal.Decimal `json:"goal_amount"`
	GoalCurrency string           `json:"goal_currency"`
	GoalDeadline *time.Time       `json:"goal_deadline"`
	IsPrimary    bool             `json:"is_primary"`
	Category     string           `json:"category"`
	CategoryIcon string           `json:"category_icon"`
}

type updateWalletRequest struct {
	Label        *string          `json:"label"`
	Description  *string          `json:"description"`
	Credential   *string          `json:"credential"`
	GoalAmount   *decimal.Decimal `json:"goal_amount"`
	GoalCurrency *string          `json:"goal_currency"`
	GoalDeadline *time.Time       `json:"goal_deadline"`
	IsPrimary    *bool            `json:"is_primary"`
	Category     *string          `json:"category"`
	CategoryIcon *string          `json:"category_icon"`
}

type transferRequest struct {
	FromWalletID string          `json:"from_wallet_id"`
	ToWalletID   string          `json:"to_wallet_id"`
	AmountBTC    decimal.Decimal `json:"amount_btc"`
	Note         string          `json:"note"`
}

type transferResponse struct {
	Transaction  domain.LedgerEntry `json:"transaction"`
	From         walletView         `json:"from_wallet"`
	To           walletView         `json:"to_wallet"`
	RequestedBTC decimal.Decimal    `json:"requested_btc"`
	AppliedBTC   decimal.Decimal    `json:"applied_btc"`
	Rounded      bool               `json:"rounded"`
}

func (s *Server) handleCreateWallet(w http.ResponseWriter, r *http.Request) {
	var req createWalletRequest
	if err := decodeBody(w, r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}

	wallet, err := s.svc.Wallets.Create(r.Context(), ownerFrom(r.Context()), domain.WalletFields{
		Label:        req.Label,
		Description:  req.Description,
		Credential:   req.Credential,
		GoalAmount:   req.GoalAmount,
		GoalCurrency: req.GoalCurrency,
		GoalDeadline: req.GoalDeadline,
		IsPrimary:    req.IsPrimary,
		Category:     req.Category,
		CategoryIcon: req.CategoryIcon,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(wallet))
}

func (s *Server) handleListWallets(w http.ResponseWriter, r *http.Request) {
	includeInactive := false
	if v := r.URL.Query().Get("include_inactive"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			badRequest(w, "include_inactive must be a boolean")
			return
		}
		includeInactive = b
	}

	list, err := s.svc.Wallets.ListByOwner(r.Context(), ownerFrom(r.Context()), includeInactive)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]walletView, 0, len(list))
	for _, wallet := range list {
		views = append(views, viewOf(wallet))
	}
	writeJSON(w, http.StatusOK, map[string]any{"wallets": views})
}

func (s *Server) handlePrimaryWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.svc.Wallets.PrimaryWallet(r.Context(), ownerFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(wallet))
}

func (s *Server) handleGetWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.svc.Wallets.GetForOwner(r.Context(), chi.URLParam(r, "id"), ownerFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(wallet))
}

func (s *Server) handleUpdateWallet(w http.ResponseWriter, r *http.Request) {
	var req updateWalletRequest
	if err := decodeBody(w, r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	patch := domain.WalletPatch{
		Label:        req.Label,
		Description:  req.Description,
		Credential:   req.Credential,
		GoalAmount:   req.GoalAmount,
		GoalCurrency: req.GoalCurrency,
		GoalDeadline: req.GoalDeadline,
		IsPrimary:    req.IsPrimary,
		Category:     req.Category,
		CategoryIcon: req.CategoryIcon,
	}
	if patch.Empty() {
		badRequest(w, "nothing to update")
		return
	}

	wallet, err := s.svc.Wallets.Update(r.Context(), chi.URLParam(r, "id"), ownerFrom(r.Context()), patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(wallet))
}

func (s *Server) handleDeleteWallet(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Wallets.SoftDelete(r.Context(), chi.URLParam(r, "id"), ownerFrom(r.Context())); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Refresh.Refresh(r.Context(), chi.URLParam(r, "id"), ownerFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Cached {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := decodeBody(w, r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}

	res, err := s.svc.Transfers.Transfer(r.Context(), transfer.Request{
		FromWalletID: req.FromWalletID,
		ToWalletID:   req.ToWalletID,
		AmountBTC:    req.AmountBTC,
		Note:         req.Note,
		Requester:    ownerFrom(r.Context()),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transferResponse{
		Transaction:  res.Transaction,
		From:         viewOf(res.From),
		To:           viewOf(res.To),
		RequestedBTC: res.RequestedBTC,
		AppliedBTC:   res.AppliedBTC,
		Rounded:      res.Rounded,
	})
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := s.svc.Ledger.ListForOwner(r.Context(), chi.URLParam(r, "id"), ownerFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.Ledger.Report(r.Context(), chi.URLParam(r, "id"), ownerFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
