package market

import (
	"math/big"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"lienvault/native/lien"
)

// Side distinguishes buy intents from sell intents on market offers.
type Side uint8

const (
	SideBid Side = iota
	SideAsk
)

// Collateral describes what a lien or trade is secured by. Criteria offers
// accept any token in a collection whose inclusion proof verifies against
// CriteriaRoot; simple offers name one token id exactly.
type Collateral struct {
	Criteria     bool
	Collection   string
	TokenID      *big.Int
	Size         *big.Int
	CriteriaRoot [32]byte
}

// LoanOfferTerms carries the economics a lender is willing to extend.
// TotalAmount caps cumulative draws across borrowers; each individual draw
// must fall within [MinAmount, MaxAmount].
type LoanOfferTerms struct {
	Currency    string
	TotalAmount *big.Int
	MinAmount   *big.Int
	MaxAmount   *big.Int
	Rate        uint64
	DefaultRate uint64
	FeeRate     uint64
	Period      uint64
	GracePeriod uint64
	Tenor       uint64
	Model       lien.AccrualModel
}

// LoanOffer is a lender's signed, off-chain intent to lend against matching
// collateral. It is consumable repeatedly until TotalAmount is exhausted,
// cancelled, or the maker's nonce moves.
type LoanOffer struct {
	Lender       [20]byte
	FeeRecipient [20]byte
	Terms        LoanOfferTerms
	Collateral   Collateral
	Expiration   uint64
	Salt         [32]byte
	Nonce        uint64
}

// BorrowOfferTerms carries the exact economics a borrower posts.
type BorrowOfferTerms struct {
	Currency    string
	Amount      *big.Int
	Rate        uint64
	DefaultRate uint64
	FeeRate     uint64
	Period      uint64
	GracePeriod uint64
	Tenor       uint64
	Model       lien.AccrualModel
}

// BorrowOffer is a borrower's signed one-shot intent to take a loan on their
// own collateral at posted terms.
type BorrowOffer struct {
	Borrower     [20]byte
	FeeRecipient [20]byte
	Terms        BorrowOfferTerms
	Collateral   Collateral
	Expiration   uint64
	Salt         [32]byte
	Nonce        uint64
}

// MarketOffer is a signed one-shot intent to buy (bid) or sell (ask)
// collateral outright. A bid flagged WithLoan finances BorrowAmount of the
// purchase price through an accompanying loan offer.
type MarketOffer struct {
	Side         Side
	Maker        [20]byte
	Currency     string
	Collateral   Collateral
	Amount       *big.Int
	WithLoan     bool
	BorrowAmount *big.Int
	Expiration   uint64
	Salt         [32]byte
	Nonce        uint64
}

// Hash returns the keccak hash of the offer's canonical RLP encoding. The
// maker's nonce is part of the preimage, so bumping the nonce invalidates
// every outstanding signature at once.
func (o *LoanOffer) Hash() ([32]byte, error) { return hashOffer(byte(kindLoanOffer), o) }

// Hash returns the keccak hash of the offer's canonical RLP encoding.
func (o *BorrowOffer) Hash() ([32]byte, error) { return hashOffer(byte(kindBorrowOffer), o) }

// Hash returns the keccak hash of the offer's canonical RLP encoding.
func (o *MarketOffer) Hash() ([32]byte, error) { return hashOffer(byte(kindMarketOffer), o) }

type offerKind byte

const (
	kindLoanOffer offerKind = iota + 1
	kindBorrowOffer
	kindMarketOffer
)

func hashOffer(kind byte, offer interface{}) ([32]byte, error) {
	encoded, err := rlp.EncodeToBytes(offer)
	if err != nil {
		return [32]byte{}, err
	}
	return [32]byte(ethcrypto.Keccak256Hash([]byte{kind}, encoded)), nil
}

// sanitizeLoanOffer returns a normalized copy. The input is never
// mutated; hashing and signature recovery always run over the copy so a
// maker's signed payload and the engine's canonical form agree.
func sanitizeLoanOffer(o *LoanOffer) (*LoanOffer, error) {
	if o == nil {
		return nil, ErrTermMismatch
	}
	cp := *o
	cp.Terms.TotalAmount = cloneBig(o.Terms.TotalAmount)
	cp.Terms.MinAmount = cloneBig(o.Terms.MinAmount)
	cp.Terms.MaxAmount = cloneBig(o.Terms.MaxAmount)
	cp.Collateral.TokenID = cloneBig(o.Collateral.TokenID)
	cp.Collateral.Size = cloneBig(o.Collateral.Size)

	cp.Terms.Currency = strings.ToUpper(strings.TrimSpace(cp.Terms.Currency))
	if cp.Terms.Currency == "" {
		return nil, ErrTermMismatch
	}
	if cp.Terms.TotalAmount == nil || cp.Terms.TotalAmount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if cp.Terms.MinAmount == nil || cp.Terms.MinAmount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	if cp.Terms.MaxAmount == nil || cp.Terms.MaxAmount.Cmp(cp.Terms.MinAmount) < 0 {
		return nil, ErrInvalidAmount
	}
	if cp.Terms.MaxAmount.Cmp(cp.Terms.TotalAmount) > 0 {
		return nil, ErrInvalidAmount
	}
	if cp.Terms.Period == 0 || cp.Terms.Tenor < cp.Terms.Period {
		return nil, ErrTermMismatch
	}
	if cp.Terms.Model > lien.ModelProRated {
		return nil, ErrTermMismatch
	}
	if err := sanitizeCollateral(&cp.Collateral); err != nil {
		return nil, err
	}
	return &cp, nil
}

// sanitizeBorrowOffer returns a normalized copy. Borrow offers name
// the borrower's own token, so criteria collateral is rejected.
func sanitizeBorrowOffer(o *BorrowOffer) (*BorrowOffer, error) {
	if o == nil {
		return nil, ErrTermMismatch
	}
	cp := *o
	cp.Terms.Amount = cloneBig(o.Terms.Amount)
	cp.Collateral.TokenID = cloneBig(o.Collateral.TokenID)
	cp.Collateral.Size = cloneBig(o.Collateral.Size)

	cp.Terms.Currency = strings.ToUpper(strings.TrimSpace(cp.Terms.Currency))
	if cp.Terms.Currency == "" {
		return nil, ErrTermMismatch
	}
	if cp.Terms.Amount == nil || cp.Terms.Amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if cp.Terms.Period == 0 || cp.Terms.Tenor < cp.Terms.Period {
		return nil, ErrTermMismatch
	}
	if cp.Terms.Model > lien.ModelProRated {
		return nil, ErrTermMismatch
	}
	if cp.Collateral.Criteria {
		return nil, ErrCriteria
	}
	if err := sanitizeCollateral(&cp.Collateral); err != nil {
		return nil, err
	}
	return &cp, nil
}

// sanitizeMarketOffer returns a normalized copy. Asks must name an
// exact token; only bids may carry collection criteria.
func sanitizeMarketOffer(o *MarketOffer) (*MarketOffer, error) {
	if o == nil {
		return nil, ErrTermMismatch
	}
	cp := *o
	cp.Amount = cloneBig(o.Amount)
	cp.BorrowAmount = cloneBig(o.BorrowAmount)
	cp.Collateral.TokenID = cloneBig(o.Collateral.TokenID)
	cp.Collateral.Size = cloneBig(o.Collateral.Size)

	cp.Currency = strings.ToUpper(strings.TrimSpace(cp.Currency))
	if cp.Currency == "" {
		return nil, ErrTermMismatch
	}
	if cp.Amount == nil || cp.Amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if cp.Side != SideBid && cp.Side != SideAsk {
		return nil, ErrSideMismatch
	}
	if cp.Side == SideAsk && (cp.WithLoan || cp.Collateral.Criteria) {
		return nil, ErrSideMismatch
	}
	if cp.WithLoan {
		if cp.BorrowAmount == nil || cp.BorrowAmount.Sign() <= 0 {
			return nil, ErrInvalidAmount
		}
		if cp.BorrowAmount.Cmp(cp.Amount) > 0 {
			return nil, ErrBidFinancing
		}
	}
	if err := sanitizeCollateral(&cp.Collateral); err != nil {
		return nil, err
	}
	return &cp, nil
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func sanitizeCollateral(c *Collateral) error {
	c.Collection = strings.ToUpper(strings.TrimSpace(c.Collection))
	if c.Collection == "" {
		return ErrTermMismatch
	}
	if c.Size == nil || c.Size.Sign() <= 0 {
		return ErrTermMismatch
	}
	if !c.Criteria && (c.TokenID == nil || c.TokenID.Sign() < 0) {
		return ErrTermMismatch
	}
	return nil
}
