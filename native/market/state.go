package market

import "math/big"

// State is the persistence surface for offer consumption bookkeeping: salt
// cancellations, one-shot fills, cumulative draws against pooled loan offers
// and per-maker nonces. Implementations must apply the writes of one
// settlement operation atomically with the ledger and balance writes.
type State interface {
	OfferCancelled(maker [20]byte, salt [32]byte) (bool, error)
	SetOfferCancelled(maker [20]byte, salt [32]byte) error
	OfferFilled(hash [32]byte) (bool, error)
	SetOfferFilled(hash [32]byte) error
	AmountTaken(hash [32]byte) (*big.Int, error)
	SetAmountTaken(hash [32]byte, amount *big.Int) error
	Nonce(maker [20]byte) (uint64, error)
	SetNonce(maker [20]byte, nonce uint64) error
}
