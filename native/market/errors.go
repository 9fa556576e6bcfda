package market

import "errors"

// Settlement errors. Every one aborts the whole operation with prior state
// untouched; callers resubmit with corrected data.
var (
	// ErrOfferExpired is returned when now is past the offer's expiration.
	ErrOfferExpired = errors.New("market: offer expired")
	// ErrOfferConsumed covers cancelled offers, reused one-shot offers and
	// offers carrying a superseded maker nonce.
	ErrOfferConsumed = errors.New("market: offer already consumed or cancelled")
	// ErrOfferExhausted is returned when drawing against a pooled loan offer
	// would push cumulative amount taken past its total cap.
	ErrOfferExhausted = errors.New("market: loan offer amount exhausted")
	// ErrAmountOutOfRange rejects principal requests outside [min, max].
	ErrAmountOutOfRange = errors.New("market: loan amount out of offer range")
	// ErrSideMismatch is returned when a bid is used where an ask is
	// required, or vice versa.
	ErrSideMismatch = errors.New("market: offer side mismatch")
	// ErrTermMismatch is returned when collection, currency or size differ
	// between matched offers or an offer and a lien.
	ErrTermMismatch = errors.New("market: collateral or currency terms mismatch")
	// ErrInvalidSignature is returned by the signature collaborator.
	ErrInvalidSignature = errors.New("market: invalid offer signature")
	// ErrBidFinancing rejects a loan-backed bid whose borrow amount exceeds
	// its total amount.
	ErrBidFinancing = errors.New("market: bid borrow amount exceeds bid amount")
	// ErrFinancedOffer is returned when a loan-backed bid reaches a plain
	// settlement path that cannot originate its lien.
	ErrFinancedOffer = errors.New("market: financed bid must settle through a loan path")
	// ErrCriteria is returned when a token fails an offer's criteria proof.
	ErrCriteria = errors.New("market: token does not satisfy offer criteria")
	// ErrInvalidAmount rejects nil, zero or negative monetary inputs.
	ErrInvalidAmount = errors.New("market: amount must be positive")
	// ErrNilState is returned when the engine was not wired to a state store.
	ErrNilState = errors.New("market: state not configured")
	// ErrNotMaker rejects cancellation of someone else's offer.
	ErrNotMaker = errors.New("market: caller is not the offer maker")
)
