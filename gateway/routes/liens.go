package routes

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"lienvault/native/lien"
)

type payRequest struct {
	Caller           string       `json:"caller"`
	LienID           uint64       `json:"lienId"`
	Lien             *lienPayload `json:"lien"`
	PrincipalPortion string       `json:"principalPortion,omitempty"`
}

type lienActionRequest struct {
	Caller string       `json:"caller"`
	LienID uint64       `json:"lienId"`
	Lien   *lienPayload `json:"lien"`
}

type paymentResponse struct {
	LienID uint64            `json:"lienId"`
	Debt   *breakdownPayload `json:"debt"`
	Lien   *lienPayload      `json:"lien,omitempty"`
}

func (s *Server) handlePay(w http.ResponseWriter, r *http.Request) {
	var req payRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		badRequest(w, err)
		return
	}
	candidate, err := req.Lien.toLien()
	if err != nil {
		badRequest(w, err)
		return
	}
	principal, err := parseOptionalAmount(req.PrincipalPortion)
	if err != nil {
		badRequest(w, err)
		return
	}

	result, err := s.mutate("pay", func() (interface{}, error) {
		bd, next, err := s.Liens.Pay(caller, req.LienID, candidate, principal)
		if err != nil {
			return nil, err
		}
		return &paymentResponse{LienID: req.LienID, Debt: breakdownToPayload(bd), Lien: lienToPayload(next)}, nil
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleCure(w http.ResponseWriter, r *http.Request) {
	var req lienActionRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		badRequest(w, err)
		return
	}
	candidate, err := req.Lien.toLien()
	if err != nil {
		badRequest(w, err)
		return
	}

	result, err := s.mutate("cure", func() (interface{}, error) {
		bd, next, err := s.Liens.Cure(caller, req.LienID, candidate)
		if err != nil {
			return nil, err
		}
		return &paymentResponse{LienID: req.LienID, Debt: breakdownToPayload(bd), Lien: lienToPayload(next)}, nil
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	var req lienActionRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		badRequest(w, err)
		return
	}
	candidate, err := req.Lien.toLien()
	if err != nil {
		badRequest(w, err)
		return
	}

	result, err := s.mutate("repay", func() (interface{}, error) {
		bd, err := s.Liens.Repay(caller, req.LienID, candidate)
		if err != nil {
			return nil, err
		}
		return &paymentResponse{LienID: req.LienID, Debt: breakdownToPayload(bd)}, nil
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req lienActionRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	candidate, err := req.Lien.toLien()
	if err != nil {
		badRequest(w, err)
		return
	}

	result, err := s.mutate("claim", func() (interface{}, error) {
		if err := s.Liens.Claim(req.LienID, candidate); err != nil {
			return nil, err
		}
		return &paymentResponse{LienID: req.LienID}, nil
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

type lienResponse struct {
	LienID uint64       `json:"lienId"`
	Status string       `json:"status"`
	Lien   *lienPayload `json:"lien"`
}

func (s *Server) handleGetLien(w http.ResponseWriter, r *http.Request) {
	id, err := lienIDParam(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	record, err := s.Liens.Ledger().Record(id)
	if err != nil {
		respondError(w, err)
		return
	}
	now := uint64(time.Now().Unix())
	respondJSON(w, http.StatusOK, &lienResponse{
		LienID: id,
		Status: lien.StatusOf(record, now).String(),
		Lien:   lienToPayload(record),
	})
}

type debtResponse struct {
	LienID uint64            `json:"lienId"`
	AsOf   uint64            `json:"asOf"`
	Status string            `json:"status"`
	Debt   *breakdownPayload `json:"debt"`
}

func (s *Server) handleGetDebt(w http.ResponseWriter, r *http.Request) {
	id, err := lienIDParam(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	record, err := s.Liens.Ledger().Record(id)
	if err != nil {
		respondError(w, err)
		return
	}
	now := uint64(time.Now().Unix())
	if asOf := r.URL.Query().Get("asOf"); asOf != "" {
		parsed, err := strconv.ParseUint(asOf, 10, 64)
		if err != nil {
			badRequest(w, fmt.Errorf("invalid asOf: %w", err))
			return
		}
		now = parsed
	}
	bd, err := lien.ComputeDebt(record, now)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, &debtResponse{
		LienID: id,
		AsOf:   now,
		Status: lien.StatusOf(record, now).String(),
		Debt:   breakdownToPayload(bd),
	})
}

func lienIDParam(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid lien id %q", raw)
	}
	return id, nil
}
