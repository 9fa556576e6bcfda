package routes

import (
	"fmt"
	"net/http"
)

type creditRequest struct {
	Token   string `json:"token"`
	Address string `json:"address"`
	Amount  string `json:"amount"`
	TokenID string `json:"tokenId,omitempty"`
}

// handleCredit funds an account. Deposits arrive out of band (bridge,
// operator tooling); this endpoint records them.
func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	var req creditRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	addr, err := parseAddress(req.Address)
	if err != nil {
		badRequest(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		badRequest(w, err)
		return
	}

	result, err := s.mutate("credit", func() (interface{}, error) {
		if req.TokenID != "" {
			tokenID, err := parseAmount(req.TokenID)
			if err != nil {
				return nil, err
			}
			if err := s.Bank.CreditCollateral(req.Token, tokenID, addr, amount); err != nil {
				return nil, err
			}
		} else if err := s.Bank.Credit(req.Token, addr, amount); err != nil {
			return nil, err
		}
		return map[string]string{"status": "credited"}, nil
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

type balanceResponse struct {
	Token   string `json:"token"`
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	addrRaw := r.URL.Query().Get("address")
	if token == "" || addrRaw == "" {
		badRequest(w, fmt.Errorf("token and address query parameters are required"))
		return
	}
	addr, err := parseAddress(addrRaw)
	if err != nil {
		badRequest(w, err)
		return
	}

	if tokenIDRaw := r.URL.Query().Get("tokenId"); tokenIDRaw != "" {
		tokenID, err := parseAmount(tokenIDRaw)
		if err != nil {
			badRequest(w, err)
			return
		}
		amount, err := s.Bank.CollateralBalance(token, tokenID, addr)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, &balanceResponse{Token: token, Address: addrRaw, Amount: amount.String()})
		return
	}

	amount, err := s.Bank.Balance(token, addr)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, &balanceResponse{Token: token, Address: addrRaw, Amount: amount.String()})
}
