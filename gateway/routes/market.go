package routes

import (
	"math/big"
	"net/http"

	"lienvault/native/market"
)

type takeLoanOfferRequest struct {
	Borrower  string            `json:"borrower"`
	Offer     *loanOfferPayload `json:"offer"`
	Signature string            `json:"signature"`
	Amount    string            `json:"amount"`
	TokenID   string            `json:"tokenId"`
	Proof     []string          `json:"proof,omitempty"`
}

func (s *Server) handleTakeLoanOffer(w http.ResponseWriter, r *http.Request) {
	var req takeLoanOfferRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	borrower, err := parseAddress(req.Borrower)
	if err != nil {
		badRequest(w, err)
		return
	}
	offer, err := req.Offer.toOffer()
	if err != nil {
		badRequest(w, err)
		return
	}
	signature, err := parseSignature(req.Signature)
	if err != nil {
		badRequest(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		badRequest(w, err)
		return
	}
	tokenID, err := parseAmount(req.TokenID)
	if err != nil {
		badRequest(w, err)
		return
	}
	proof, err := parseProof(req.Proof)
	if err != nil {
		badRequest(w, err)
		return
	}

	s.settle(w, "take_loan_offer", func() (*market.Settlement, error) {
		return s.Market.TakeLoanOffer(borrower, offer, signature, amount, tokenID, proof)
	})
}

type takeBorrowOfferRequest struct {
	Lender    string              `json:"lender"`
	Offer     *borrowOfferPayload `json:"offer"`
	Signature string              `json:"signature"`
}

func (s *Server) handleTakeBorrowOffer(w http.ResponseWriter, r *http.Request) {
	var req takeBorrowOfferRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	lender, err := parseAddress(req.Lender)
	if err != nil {
		badRequest(w, err)
		return
	}
	offer, err := req.Offer.toOffer()
	if err != nil {
		badRequest(w, err)
		return
	}
	signature, err := parseSignature(req.Signature)
	if err != nil {
		badRequest(w, err)
		return
	}

	s.settle(w, "take_borrow_offer", func() (*market.Settlement, error) {
		return s.Market.TakeBorrowOffer(lender, offer, signature)
	})
}

type cancelOfferRequest struct {
	Caller string `json:"caller"`
	Maker  string `json:"maker"`
	Salt   string `json:"salt"`
}

func (s *Server) handleCancelOffer(w http.ResponseWriter, r *http.Request) {
	var req cancelOfferRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		badRequest(w, err)
		return
	}
	maker, err := parseAddress(req.Maker)
	if err != nil {
		badRequest(w, err)
		return
	}
	salt, err := parseHash(req.Salt)
	if err != nil {
		badRequest(w, err)
		return
	}

	result, err := s.mutate("cancel_offer", func() (interface{}, error) {
		if err := s.Market.CancelOffer(caller, maker, salt); err != nil {
			return nil, err
		}
		return map[string]string{"status": "cancelled"}, nil
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

type bumpNonceRequest struct {
	Caller string `json:"caller"`
}

func (s *Server) handleBumpNonce(w http.ResponseWriter, r *http.Request) {
	var req bumpNonceRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		badRequest(w, err)
		return
	}

	result, err := s.mutate("bump_nonce", func() (interface{}, error) {
		nonce, err := s.Market.BumpNonce(caller)
		if err != nil {
			return nil, err
		}
		return map[string]uint64{"nonce": nonce}, nil
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

type refinanceRequest struct {
	Borrower  string            `json:"borrower"`
	LienID    uint64            `json:"lienId"`
	Lien      *lienPayload      `json:"lien"`
	Offer     *loanOfferPayload `json:"offer"`
	Signature string            `json:"signature"`
	Amount    string            `json:"amount"`
	Proof     []string          `json:"proof,omitempty"`
}

func (s *Server) handleRefinance(w http.ResponseWriter, r *http.Request) {
	var req refinanceRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	borrower, err := parseAddress(req.Borrower)
	if err != nil {
		badRequest(w, err)
		return
	}
	candidate, err := req.Lien.toLien()
	if err != nil {
		badRequest(w, err)
		return
	}
	offer, err := req.Offer.toOffer()
	if err != nil {
		badRequest(w, err)
		return
	}
	signature, err := parseSignature(req.Signature)
	if err != nil {
		badRequest(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		badRequest(w, err)
		return
	}
	proof, err := parseProof(req.Proof)
	if err != nil {
		badRequest(w, err)
		return
	}

	s.settle(w, "refinance", func() (*market.Settlement, error) {
		return s.Market.Refinance(borrower, req.LienID, candidate, offer, signature, amount, proof)
	})
}

type marketOrderRequest struct {
	Taker     string              `json:"taker"`
	Offer     *marketOfferPayload `json:"offer"`
	Signature string              `json:"signature"`
	TokenID   string              `json:"tokenId,omitempty"`
	Proof     []string            `json:"proof,omitempty"`
}

func (s *Server) handleMarketOrder(w http.ResponseWriter, r *http.Request) {
	var req marketOrderRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	taker, err := parseAddress(req.Taker)
	if err != nil {
		badRequest(w, err)
		return
	}
	offer, err := req.Offer.toOffer()
	if err != nil {
		badRequest(w, err)
		return
	}
	signature, err := parseSignature(req.Signature)
	if err != nil {
		badRequest(w, err)
		return
	}
	tokenID, err := parseOptionalAmount(req.TokenID)
	if err != nil {
		badRequest(w, err)
		return
	}
	if tokenID == nil {
		tokenID = offer.Collateral.TokenID
	}
	proof, err := parseProof(req.Proof)
	if err != nil {
		badRequest(w, err)
		return
	}

	s.settle(w, "market_order", func() (*market.Settlement, error) {
		return s.Market.MarketOrder(taker, offer, signature, tokenID, proof)
	})
}

type buyWithLoanRequest struct {
	Buyer         string              `json:"buyer"`
	Ask           *marketOfferPayload `json:"ask"`
	AskSignature  string              `json:"askSignature"`
	LoanOffer     *loanOfferPayload   `json:"loanOffer"`
	LoanSignature string              `json:"loanSignature"`
	BorrowAmount  string              `json:"borrowAmount"`
	LoanProof     []string            `json:"loanProof,omitempty"`
}

func (s *Server) handleBuyWithLoan(w http.ResponseWriter, r *http.Request) {
	var req buyWithLoanRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	buyer, err := parseAddress(req.Buyer)
	if err != nil {
		badRequest(w, err)
		return
	}
	ask, err := req.Ask.toOffer()
	if err != nil {
		badRequest(w, err)
		return
	}
	askSignature, err := parseSignature(req.AskSignature)
	if err != nil {
		badRequest(w, err)
		return
	}
	loanOffer, err := req.LoanOffer.toOffer()
	if err != nil {
		badRequest(w, err)
		return
	}
	loanSignature, err := parseSignature(req.LoanSignature)
	if err != nil {
		badRequest(w, err)
		return
	}
	borrowAmount, err := parseAmount(req.BorrowAmount)
	if err != nil {
		badRequest(w, err)
		return
	}
	loanProof, err := parseProof(req.LoanProof)
	if err != nil {
		badRequest(w, err)
		return
	}

	s.settle(w, "buy_with_loan", func() (*market.Settlement, error) {
		return s.Market.BuyWithLoan(buyer, ask, askSignature, loanOffer, loanSignature, borrowAmount, loanProof)
	})
}

type sellIntoBidRequest struct {
	Seller        string              `json:"seller"`
	Bid           *marketOfferPayload `json:"bid"`
	BidSignature  string              `json:"bidSignature"`
	LoanOffer     *loanOfferPayload   `json:"loanOffer,omitempty"`
	LoanSignature string              `json:"loanSignature,omitempty"`
	TokenID       string              `json:"tokenId"`
	Proof         []string            `json:"proof,omitempty"`
	LoanProof     []string            `json:"loanProof,omitempty"`
}

func (s *Server) handleSellIntoBid(w http.ResponseWriter, r *http.Request) {
	var req sellIntoBidRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	seller, err := parseAddress(req.Seller)
	if err != nil {
		badRequest(w, err)
		return
	}
	bid, err := req.Bid.toOffer()
	if err != nil {
		badRequest(w, err)
		return
	}
	bidSignature, err := parseSignature(req.BidSignature)
	if err != nil {
		badRequest(w, err)
		return
	}
	var loanOffer *market.LoanOffer
	var loanSignature []byte
	if req.LoanOffer != nil {
		loanOffer, err = req.LoanOffer.toOffer()
		if err != nil {
			badRequest(w, err)
			return
		}
		loanSignature, err = parseSignature(req.LoanSignature)
		if err != nil {
			badRequest(w, err)
			return
		}
	}
	tokenID, err := parseAmount(req.TokenID)
	if err != nil {
		badRequest(w, err)
		return
	}
	proof, err := parseProof(req.Proof)
	if err != nil {
		badRequest(w, err)
		return
	}
	loanProof, err := parseProof(req.LoanProof)
	if err != nil {
		badRequest(w, err)
		return
	}

	s.settle(w, "sell_into_bid", func() (*market.Settlement, error) {
		return s.Market.SellIntoBid(seller, bid, bidSignature, loanOffer, loanSignature, tokenID, proof, loanProof)
	})
}

type buyInLienRequest struct {
	Buyer         string              `json:"buyer"`
	LienID        uint64              `json:"lienId"`
	Lien          *lienPayload        `json:"lien"`
	Ask           *marketOfferPayload `json:"ask"`
	AskSignature  string              `json:"askSignature"`
	LoanOffer     *loanOfferPayload   `json:"loanOffer,omitempty"`
	LoanSignature string              `json:"loanSignature,omitempty"`
	BorrowAmount  string              `json:"borrowAmount,omitempty"`
	LoanProof     []string            `json:"loanProof,omitempty"`
}

func (s *Server) handleBuyInLien(w http.ResponseWriter, r *http.Request) {
	var req buyInLienRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	buyer, err := parseAddress(req.Buyer)
	if err != nil {
		badRequest(w, err)
		return
	}
	candidate, err := req.Lien.toLien()
	if err != nil {
		badRequest(w, err)
		return
	}
	ask, err := req.Ask.toOffer()
	if err != nil {
		badRequest(w, err)
		return
	}
	askSignature, err := parseSignature(req.AskSignature)
	if err != nil {
		badRequest(w, err)
		return
	}
	var loanOffer *market.LoanOffer
	var loanSignature []byte
	var borrowAmount *big.Int
	if req.LoanOffer != nil {
		loanOffer, err = req.LoanOffer.toOffer()
		if err != nil {
			badRequest(w, err)
			return
		}
		loanSignature, err = parseSignature(req.LoanSignature)
		if err != nil {
			badRequest(w, err)
			return
		}
		borrowAmount, err = parseAmount(req.BorrowAmount)
		if err != nil {
			badRequest(w, err)
			return
		}
	}
	loanProof, err := parseProof(req.LoanProof)
	if err != nil {
		badRequest(w, err)
		return
	}

	s.settle(w, "buy_in_lien", func() (*market.Settlement, error) {
		return s.Market.BuyInLien(buyer, req.LienID, candidate, ask, askSignature, loanOffer, loanSignature, borrowAmount, loanProof)
	})
}

type sellInLienRequest struct {
	Seller        string              `json:"seller"`
	LienID        uint64              `json:"lienId"`
	Lien          *lienPayload        `json:"lien"`
	Bid           *marketOfferPayload `json:"bid"`
	BidSignature  string              `json:"bidSignature"`
	LoanOffer     *loanOfferPayload   `json:"loanOffer,omitempty"`
	LoanSignature string              `json:"loanSignature,omitempty"`
	Proof         []string            `json:"proof,omitempty"`
	LoanProof     []string            `json:"loanProof,omitempty"`
}

func (s *Server) handleSellInLien(w http.ResponseWriter, r *http.Request) {
	var req sellInLienRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	seller, err := parseAddress(req.Seller)
	if err != nil {
		badRequest(w, err)
		return
	}
	candidate, err := req.Lien.toLien()
	if err != nil {
		badRequest(w, err)
		return
	}
	bid, err := req.Bid.toOffer()
	if err != nil {
		badRequest(w, err)
		return
	}
	bidSignature, err := parseSignature(req.BidSignature)
	if err != nil {
		badRequest(w, err)
		return
	}
	var loanOffer *market.LoanOffer
	var loanSignature []byte
	if req.LoanOffer != nil {
		loanOffer, err = req.LoanOffer.toOffer()
		if err != nil {
			badRequest(w, err)
			return
		}
		loanSignature, err = parseSignature(req.LoanSignature)
		if err != nil {
			badRequest(w, err)
			return
		}
	}
	proof, err := parseProof(req.Proof)
	if err != nil {
		badRequest(w, err)
		return
	}
	loanProof, err := parseProof(req.LoanProof)
	if err != nil {
		badRequest(w, err)
		return
	}

	s.settle(w, "sell_in_lien", func() (*market.Settlement, error) {
		return s.Market.SellInLien(seller, req.LienID, candidate, bid, bidSignature, loanOffer, loanSignature, proof, loanProof)
	})
}

// settle runs one settlement operation inside the commit discipline and
// writes the settlement payload on success.
func (s *Server) settle(w http.ResponseWriter, operation string, fn func() (*market.Settlement, error)) {
	result, err := s.mutate(operation, func() (interface{}, error) {
		settlement, err := fn()
		if err != nil {
			return nil, err
		}
		return settlementToPayload(settlement), nil
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}
