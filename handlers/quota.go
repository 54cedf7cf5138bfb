package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"tierwise.app/cloud/internal/logger"
	"tierwise.app/cloud/internal/quota"
	"tierwise.app/cloud/internal/tiers"
	"tierwise.app/cloud/models"
	"tierwise.app/cloud/storage"
)

type ReserveRequest struct {
	AccountID string `json:"accountId"`
	Units     int64  `json:"units"`
	Meter     string `json:"meter"`
}

type RecordRequest struct {
	AccountID   string `json:"accountId"`
	Reserved    int64  `json:"reserved"`
	ActualUnits int64  `json:"actualUnits"`
	Meter       string `json:"meter"`
}

type EntitlementResponse struct {
	AccountID    string      `json:"accountId"`
	Tier         models.Tier `json:"tier"`
	Status       string      `json:"status"`
	MonthlyLimit int64       `json:"monthlyLimit"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

func decisionStatus(reason quota.Reason) int {
	switch reason {
	case "":
		return http.StatusOK
	case quota.ReasonLimitExceeded:
		return http.StatusPaymentRequired
	case quota.ReasonInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusServiceUnavailable
	}
}

func (s *Server) Reserve(w http.ResponseWriter, r *http.Request) {
	var req ReserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Meter == "" {
		req.Meter = quota.DefaultMeter
	}

	decision := s.Gate.CheckAndReserve(r.Context(), req.AccountID, req.Units, req.Meter)
	writeJSON(w, decisionStatus(decision.Reason), decision)
}

func (s *Server) Record(w http.ResponseWriter, r *http.Request) {
	var req RecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Meter == "" {
		req.Meter = quota.DefaultMeter
	}

	record := s.Gate.RecordActual(r.Context(), req.AccountID, req.Reserved, req.ActualUnits, req.Meter)
	status := http.StatusOK
	switch record.Reason {
	case quota.ReasonInvalidRequest:
		status = http.StatusBadRequest
	case quota.ReasonStoreUnavailable:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, record)
}

func (s *Server) Balance(w http.ResponseWriter, r *http.Request) {
	balance, err := s.Gate.GetBalance(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

func (s *Server) LowBalance(w http.ResponseWriter, r *http.Request) {
	low, err := s.Gate.IsLowBalance(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, low)
}

func (s *Server) Entitlement(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	ent, err := s.Storage.ReadEntitlement(r.Context(), accountID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if ent == nil {
		ent = models.DefaultEntitlement(accountID, time.Time{})
	}

	writeJSON(w, http.StatusOK, EntitlementResponse{
		AccountID:    ent.AccountID,
		Tier:         ent.Tier,
		Status:       string(ent.Status),
		MonthlyLimit: tiers.MonthlyLimit(ent.Tier),
		UpdatedAt:    ent.UpdatedAt,
	})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, quota.ErrAccountRequired):
		writeErrorResponse(w, http.StatusBadRequest, "Account id required")
	case errors.Is(err, storage.ErrStoreUnavailable):
		logger.Warn("Ledger unavailable", map[string]interface{}{
			"error": err.Error(),
		})
		writeErrorResponse(w, http.StatusServiceUnavailable, "Ledger unavailable")
	default:
		logger.Error("Ledger read failed", map[string]interface{}{
			"error": err.Error(),
		})
		writeErrorResponse(w, http.StatusInternalServerError, "Internal error")
	}
}
