package routes

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"

	"lienvault/crypto"
	"lienvault/native/lien"
	"lienvault/native/market"
)

// parseAddress decodes a bech32 account address into the raw form the
// engines operate on.
func parseAddress(value string) ([20]byte, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(value))
	if err != nil {
		return [20]byte{}, err
	}
	return addr.Array(), nil
}

// parseAmount accepts decimal or 0x-prefixed hex and bounds the result to
// 256 bits.
func parseAmount(value string) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("empty amount")
	}
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		parsed, err := uint256.FromHex(strings.ToLower(value))
		if err != nil {
			return nil, fmt.Errorf("invalid hex amount %q: %w", value, err)
		}
		return parsed.ToBig(), nil
	}
	parsed, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	bounded, overflow := uint256.FromBig(parsed)
	if overflow {
		return nil, fmt.Errorf("amount %q exceeds 256 bits", value)
	}
	return bounded.ToBig(), nil
}

// parseOptionalAmount treats empty as absent.
func parseOptionalAmount(value string) (*big.Int, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	return parseAmount(value)
}

func parseHash(value string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(value), "0x"))
	if err != nil {
		return out, fmt.Errorf("invalid hex %q: %w", value, err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func parseSignature(value string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(value), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid signature hex: %w", err)
	}
	return raw, nil
}

func parseProof(values []string) ([][32]byte, error) {
	if len(values) == 0 {
		return nil, nil
	}
	proof := make([][32]byte, 0, len(values))
	for _, value := range values {
		node, err := parseHash(value)
		if err != nil {
			return nil, err
		}
		proof = append(proof, node)
	}
	return proof, nil
}

func parseModel(value string) (lien.AccrualModel, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "fixed":
		return lien.ModelFixed, nil
	case "compound":
		return lien.ModelCompound, nil
	case "prorated":
		return lien.ModelProRated, nil
	default:
		return 0, fmt.Errorf("unknown accrual model %q", value)
	}
}

func modelString(m lien.AccrualModel) string {
	switch m {
	case lien.ModelCompound:
		return "compound"
	case lien.ModelProRated:
		return "prorated"
	default:
		return "fixed"
	}
}

func addressString(addr [20]byte) string {
	encoded, err := crypto.NewAddress(crypto.LVPrefix, addr[:])
	if err != nil {
		return ""
	}
	return encoded.String()
}

// lienPayload is the wire shape of a lien record. Mutating endpoints require
// the caller to echo the full current record; the ledger's fingerprint check
// rejects stale copies.
type lienPayload struct {
	Lender       string `json:"lender"`
	Borrower     string `json:"borrower"`
	FeeRecipient string `json:"feeRecipient"`
	Currency     string `json:"currency"`
	Collection   string `json:"collection"`
	TokenID      string `json:"tokenId"`
	Size         string `json:"size"`
	Principal    string `json:"principal"`
	Rate         uint64 `json:"rate"`
	DefaultRate  uint64 `json:"defaultRate"`
	FeeRate      uint64 `json:"feeRate"`
	Period       uint64 `json:"period"`
	GracePeriod  uint64 `json:"gracePeriod"`
	Tenor        uint64 `json:"tenor"`
	StartTime    uint64 `json:"startTime"`
	Model        string `json:"model"`
	PaidThrough  uint64 `json:"paidThrough"`
	AmountOwed   string `json:"amountOwed"`
}

func (p *lienPayload) toLien() (*lien.Lien, error) {
	if p == nil {
		return nil, fmt.Errorf("missing lien record")
	}
	lender, err := parseAddress(p.Lender)
	if err != nil {
		return nil, fmt.Errorf("lender: %w", err)
	}
	borrower, err := parseAddress(p.Borrower)
	if err != nil {
		return nil, fmt.Errorf("borrower: %w", err)
	}
	feeRecipient, err := parseAddress(p.FeeRecipient)
	if err != nil {
		return nil, fmt.Errorf("feeRecipient: %w", err)
	}
	tokenID, err := parseAmount(p.TokenID)
	if err != nil {
		return nil, fmt.Errorf("tokenId: %w", err)
	}
	size, err := parseAmount(p.Size)
	if err != nil {
		return nil, fmt.Errorf("size: %w", err)
	}
	principal, err := parseAmount(p.Principal)
	if err != nil {
		return nil, fmt.Errorf("principal: %w", err)
	}
	amountOwed, err := parseAmount(p.AmountOwed)
	if err != nil {
		return nil, fmt.Errorf("amountOwed: %w", err)
	}
	model, err := parseModel(p.Model)
	if err != nil {
		return nil, err
	}
	return &lien.Lien{
		Lender:       lender,
		Borrower:     borrower,
		FeeRecipient: feeRecipient,
		Currency:     p.Currency,
		Collection:   p.Collection,
		TokenID:      tokenID,
		Size:         size,
		Principal:    principal,
		Rate:         p.Rate,
		DefaultRate:  p.DefaultRate,
		FeeRate:      p.FeeRate,
		Period:       p.Period,
		GracePeriod:  p.GracePeriod,
		Tenor:        p.Tenor,
		StartTime:    p.StartTime,
		Model:        model,
		PaidThrough:  p.PaidThrough,
		AmountOwed:   amountOwed,
	}, nil
}

func lienToPayload(l *lien.Lien) *lienPayload {
	return &lienPayload{
		Lender:       addressString(l.Lender),
		Borrower:     addressString(l.Borrower),
		FeeRecipient: addressString(l.FeeRecipient),
		Currency:     l.Currency,
		Collection:   l.Collection,
		TokenID:      l.TokenID.String(),
		Size:         l.Size.String(),
		Principal:    l.Principal.String(),
		Rate:         l.Rate,
		DefaultRate:  l.DefaultRate,
		FeeRate:      l.FeeRate,
		Period:       l.Period,
		GracePeriod:  l.GracePeriod,
		Tenor:        l.Tenor,
		StartTime:    l.StartTime,
		Model:        modelString(l.Model),
		PaidThrough:  l.PaidThrough,
		AmountOwed:   l.AmountOwed.String(),
	}
}

type collateralPayload struct {
	Criteria     bool   `json:"criteria"`
	Collection   string `json:"collection"`
	TokenID      string `json:"tokenId,omitempty"`
	Size         string `json:"size"`
	CriteriaRoot string `json:"criteriaRoot,omitempty"`
}

func (p *collateralPayload) toCollateral() (market.Collateral, error) {
	var out market.Collateral
	if p == nil {
		return out, fmt.Errorf("missing collateral")
	}
	out.Criteria = p.Criteria
	out.Collection = p.Collection
	size, err := parseAmount(p.Size)
	if err != nil {
		return out, fmt.Errorf("size: %w", err)
	}
	out.Size = size
	if p.Criteria {
		root, err := parseHash(p.CriteriaRoot)
		if err != nil {
			return out, fmt.Errorf("criteriaRoot: %w", err)
		}
		out.CriteriaRoot = root
		out.TokenID = new(big.Int)
		return out, nil
	}
	tokenID, err := parseAmount(p.TokenID)
	if err != nil {
		return out, fmt.Errorf("tokenId: %w", err)
	}
	out.TokenID = tokenID
	return out, nil
}

type loanOfferPayload struct {
	Lender       string            `json:"lender"`
	FeeRecipient string            `json:"feeRecipient"`
	Currency     string            `json:"currency"`
	TotalAmount  string            `json:"totalAmount"`
	MinAmount    string            `json:"minAmount"`
	MaxAmount    string            `json:"maxAmount"`
	Rate         uint64            `json:"rate"`
	DefaultRate  uint64            `json:"defaultRate"`
	FeeRate      uint64            `json:"feeRate"`
	Period       uint64            `json:"period"`
	GracePeriod  uint64            `json:"gracePeriod"`
	Tenor        uint64            `json:"tenor"`
	Model        string            `json:"model"`
	Collateral   collateralPayload `json:"collateral"`
	Expiration   uint64            `json:"expiration"`
	Salt         string            `json:"salt"`
	Nonce        uint64            `json:"nonce"`
}

func (p *loanOfferPayload) toOffer() (*market.LoanOffer, error) {
	if p == nil {
		return nil, fmt.Errorf("missing loan offer")
	}
	lender, err := parseAddress(p.Lender)
	if err != nil {
		return nil, fmt.Errorf("lender: %w", err)
	}
	feeRecipient, err := parseAddress(p.FeeRecipient)
	if err != nil {
		return nil, fmt.Errorf("feeRecipient: %w", err)
	}
	total, err := parseAmount(p.TotalAmount)
	if err != nil {
		return nil, fmt.Errorf("totalAmount: %w", err)
	}
	minAmount, err := parseAmount(p.MinAmount)
	if err != nil {
		return nil, fmt.Errorf("minAmount: %w", err)
	}
	maxAmount, err := parseAmount(p.MaxAmount)
	if err != nil {
		return nil, fmt.Errorf("maxAmount: %w", err)
	}
	model, err := parseModel(p.Model)
	if err != nil {
		return nil, err
	}
	collateral, err := p.Collateral.toCollateral()
	if err != nil {
		return nil, err
	}
	salt, err := parseHash(p.Salt)
	if err != nil {
		return nil, fmt.Errorf("salt: %w", err)
	}
	return &market.LoanOffer{
		Lender:       lender,
		FeeRecipient: feeRecipient,
		Terms: market.LoanOfferTerms{
			Currency:    p.Currency,
			TotalAmount: total,
			MinAmount:   minAmount,
			MaxAmount:   maxAmount,
			Rate:        p.Rate,
			DefaultRate: p.DefaultRate,
			FeeRate:     p.FeeRate,
			Period:      p.Period,
			GracePeriod: p.GracePeriod,
			Tenor:       p.Tenor,
			Model:       model,
		},
		Collateral: collateral,
		Expiration: p.Expiration,
		Salt:       salt,
		Nonce:      p.Nonce,
	}, nil
}

type borrowOfferPayload struct {
	Borrower     string            `json:"borrower"`
	FeeRecipient string            `json:"feeRecipient"`
	Currency     string            `json:"currency"`
	Amount       string            `json:"amount"`
	Rate         uint64            `json:"rate"`
	DefaultRate  uint64            `json:"defaultRate"`
	FeeRate      uint64            `json:"feeRate"`
	Period       uint64            `json:"period"`
	GracePeriod  uint64            `json:"gracePeriod"`
	Tenor        uint64            `json:"tenor"`
	Model        string            `json:"model"`
	Collateral   collateralPayload `json:"collateral"`
	Expiration   uint64            `json:"expiration"`
	Salt         string            `json:"salt"`
	Nonce        uint64            `json:"nonce"`
}

func (p *borrowOfferPayload) toOffer() (*market.BorrowOffer, error) {
	if p == nil {
		return nil, fmt.Errorf("missing borrow offer")
	}
	borrower, err := parseAddress(p.Borrower)
	if err != nil {
		return nil, fmt.Errorf("borrower: %w", err)
	}
	feeRecipient, err := parseAddress(p.FeeRecipient)
	if err != nil {
		return nil, fmt.Errorf("feeRecipient: %w", err)
	}
	amount, err := parseAmount(p.Amount)
	if err != nil {
		return nil, fmt.Errorf("amount: %w", err)
	}
	model, err := parseModel(p.Model)
	if err != nil {
		return nil, err
	}
	collateral, err := p.Collateral.toCollateral()
	if err != nil {
		return nil, err
	}
	salt, err := parseHash(p.Salt)
	if err != nil {
		return nil, fmt.Errorf("salt: %w", err)
	}
	return &market.BorrowOffer{
		Borrower:     borrower,
		FeeRecipient: feeRecipient,
		Terms: market.BorrowOfferTerms{
			Currency:    p.Currency,
			Amount:      amount,
			Rate:        p.Rate,
			DefaultRate: p.DefaultRate,
			FeeRate:     p.FeeRate,
			Period:      p.Period,
			GracePeriod: p.GracePeriod,
			Tenor:       p.Tenor,
			Model:       model,
		},
		Collateral: collateral,
		Expiration: p.Expiration,
		Salt:       salt,
		Nonce:      p.Nonce,
	}, nil
}

type marketOfferPayload struct {
	Side         string            `json:"side"`
	Maker        string            `json:"maker"`
	Currency     string            `json:"currency"`
	Collateral   collateralPayload `json:"collateral"`
	Amount       string            `json:"amount"`
	WithLoan     bool              `json:"withLoan"`
	BorrowAmount string            `json:"borrowAmount,omitempty"`
	Expiration   uint64            `json:"expiration"`
	Salt         string            `json:"salt"`
	Nonce        uint64            `json:"nonce"`
}

func (p *marketOfferPayload) toOffer() (*market.MarketOffer, error) {
	if p == nil {
		return nil, fmt.Errorf("missing market offer")
	}
	var side market.Side
	switch strings.ToLower(strings.TrimSpace(p.Side)) {
	case "bid":
		side = market.SideBid
	case "ask":
		side = market.SideAsk
	default:
		return nil, fmt.Errorf("unknown offer side %q", p.Side)
	}
	maker, err := parseAddress(p.Maker)
	if err != nil {
		return nil, fmt.Errorf("maker: %w", err)
	}
	amount, err := parseAmount(p.Amount)
	if err != nil {
		return nil, fmt.Errorf("amount: %w", err)
	}
	borrowAmount, err := parseOptionalAmount(p.BorrowAmount)
	if err != nil {
		return nil, fmt.Errorf("borrowAmount: %w", err)
	}
	collateral, err := p.Collateral.toCollateral()
	if err != nil {
		return nil, err
	}
	salt, err := parseHash(p.Salt)
	if err != nil {
		return nil, fmt.Errorf("salt: %w", err)
	}
	return &market.MarketOffer{
		Side:         side,
		Maker:        maker,
		Currency:     p.Currency,
		Collateral:   collateral,
		Amount:       amount,
		WithLoan:     p.WithLoan,
		BorrowAmount: borrowAmount,
		Expiration:   p.Expiration,
		Salt:         salt,
		Nonce:        p.Nonce,
	}, nil
}

type breakdownPayload struct {
	AmountOwed      string `json:"amountOwed"`
	Principal       string `json:"principal"`
	PastInterest    string `json:"pastInterest"`
	PastFee         string `json:"pastFee"`
	CurrentInterest string `json:"currentInterest"`
	CurrentFee      string `json:"currentFee"`
}

func breakdownToPayload(bd *lien.Breakdown) *breakdownPayload {
	if bd == nil {
		return nil
	}
	return &breakdownPayload{
		AmountOwed:      bd.AmountOwed.String(),
		Principal:       bd.Principal.String(),
		PastInterest:    bd.PastInterest.String(),
		PastFee:         bd.PastFee.String(),
		CurrentInterest: bd.CurrentInterest.String(),
		CurrentFee:      bd.CurrentFee.String(),
	}
}

type settlementPayload struct {
	LienID       uint64            `json:"lienId,omitempty"`
	ClosedLienID uint64            `json:"closedLienId,omitempty"`
	Debt         *breakdownPayload `json:"debt,omitempty"`
	Net          string            `json:"net,omitempty"`
}

func settlementToPayload(s *market.Settlement) *settlementPayload {
	if s == nil {
		return nil
	}
	out := &settlementPayload{
		LienID:       s.LienID,
		ClosedLienID: s.ClosedLienID,
		Debt:         breakdownToPayload(s.Debt),
	}
	if s.Net != nil {
		out.Net = s.Net.String()
	}
	return out
}
