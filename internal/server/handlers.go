package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tradervault/workspace-core/internal/apperrors"
	"github.com/tradervault/workspace-core/internal/models"
	"github.com/tradervault/workspace-core/internal/querycache"
)

type createWorkspaceRequest struct {
	OwnerID        string          `json:"owner_id"`
	OwnerEmail     string          `json:"owner_email"`
	Name           string          `json:"name"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
	Currency       string          `json:"currency"`
}

func (s *Server) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req createWorkspaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var account *models.Account
	err := s.cache.Mutate(r.Context(), querycache.Mutation{
		Entity: "workspace",
		Commit: func(ctx context.Context) error {
			a, err := s.accounts.Create(ctx, req.OwnerID, req.OwnerEmail, req.Name, req.InitialBalance, req.Currency)
			account = a
			return err
		},
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

type recordMovementRequest struct {
	UserID      string          `json:"user_id"`
	Type        string          `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

func (s *Server) handleRecordMovement(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	var req recordMovementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var balance decimal.Decimal
	err := s.cache.Mutate(r.Context(), querycache.Mutation{
		Entity: "movement",
		Commit: func(ctx context.Context) error {
			b, err := s.engine.RecordMovement(ctx, accountID, req.UserID, models.Movement{
				Type:        models.MovementType(req.Type),
				Amount:      req.Amount,
				Description: req.Description,
			})
			balance = b
			return err
		},
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"account_id": accountID,
		"balance":    balance,
	})
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	entries, err := s.engine.Ledger(r.Context(), accountID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	balance, err := s.engine.Balance(r.Context(), accountID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account_id": accountID,
		"balance":    balance,
	})
}

type switchRequest struct {
	AccountID string `json:"account_id"`
}

func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")

	var req switchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.cache.Mutate(r.Context(), querycache.Mutation{
		Entity: "profile",
		Commit: func(ctx context.Context) error {
			return s.accounts.SwitchAccount(ctx, uid, req.AccountID)
		},
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"active_account_id": req.AccountID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case apperrors.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, apperrors.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, apperrors.ErrInsufficientFunds):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, apperrors.ErrPermission):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
