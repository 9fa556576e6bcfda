package lien

import (
	"errors"
	"math/big"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// AccrualModel selects how interest and fees accumulate over a lien's life.
// The set is closed; every switch over it must be exhaustive.
type AccrualModel uint8

const (
	// ModelFixed charges simple interest for the full period as soon as the
	// period opens.
	ModelFixed AccrualModel = iota
	// ModelCompound grows debt continuously via an exponential over elapsed
	// seconds.
	ModelCompound
	// ModelProRated charges the fixed period amount linearly by elapsed
	// fraction of the period.
	ModelProRated
)

// Status classifies the health of a lien at a point in time.
type Status uint8

const (
	StatusCurrent Status = iota
	StatusDelinquent
	StatusDefaulted
)

func (s Status) String() string {
	switch s {
	case StatusCurrent:
		return "current"
	case StatusDelinquent:
		return "delinquent"
	case StatusDefaulted:
		return "defaulted"
	default:
		return "unknown"
	}
}

// Lien is one active collateralized loan. Everything except PaidThrough and
// AmountOwed is fixed at origination; the ledger detects any other field
// changing via the fingerprint check.
type Lien struct {
	Lender       [20]byte
	Borrower     [20]byte
	FeeRecipient [20]byte

	// Currency is the fungible token symbol used for every payment.
	Currency string
	// Collection and TokenID identify the collateral; Size carries the
	// semi-fungible quantity (1 for one-of-a-kind tokens).
	Collection string
	TokenID    *big.Int
	Size       *big.Int

	// Principal is the amount advanced at origination.
	Principal *big.Int
	// Rate, DefaultRate and FeeRate are annual basis points.
	Rate        uint64
	DefaultRate uint64
	FeeRate     uint64
	// Period, GracePeriod and Tenor are in seconds.
	Period      uint64
	GracePeriod uint64
	Tenor       uint64
	StartTime   uint64
	Model       AccrualModel

	// PaidThrough is the watermark through which interest and fees have been
	// settled. Monotonically non-decreasing.
	PaidThrough uint64
	// AmountOwed is the outstanding principal. Monotonically non-increasing
	// after origination.
	AmountOwed *big.Int
}

var (
	errNilLien        = errors.New("lien: nil record")
	errLienAmounts    = errors.New("lien: amounts must be initialised and non-negative")
	errLienPeriod     = errors.New("lien: period must be positive")
	errLienTenor      = errors.New("lien: tenor must be at least one period")
	errLienModel      = errors.New("lien: unknown accrual model")
	errLienCollateral = errors.New("lien: collateral size must be positive")
)

// Clone returns a deep copy so callers can mutate state fields without
// aliasing the stored record.
func (l *Lien) Clone() *Lien {
	if l == nil {
		return nil
	}
	cp := *l
	cp.TokenID = cloneBig(l.TokenID)
	cp.Size = cloneBig(l.Size)
	cp.Principal = cloneBig(l.Principal)
	cp.AmountOwed = cloneBig(l.AmountOwed)
	return &cp
}

// SanitizeLien normalizes identifiers and verifies structural invariants. It
// returns a fresh copy; the input is never mutated.
func SanitizeLien(l *Lien) (*Lien, error) {
	if l == nil {
		return nil, errNilLien
	}
	cp := l.Clone()
	cp.Currency = strings.ToUpper(strings.TrimSpace(cp.Currency))
	cp.Collection = strings.ToUpper(strings.TrimSpace(cp.Collection))
	if cp.Currency == "" || cp.Collection == "" {
		return nil, errLienCollateral
	}
	if cp.TokenID == nil || cp.TokenID.Sign() < 0 {
		return nil, errLienAmounts
	}
	if cp.Size == nil || cp.Size.Sign() <= 0 {
		return nil, errLienCollateral
	}
	if cp.Principal == nil || cp.Principal.Sign() <= 0 {
		return nil, errLienAmounts
	}
	if cp.AmountOwed == nil || cp.AmountOwed.Sign() < 0 {
		return nil, errLienAmounts
	}
	if cp.Period == 0 {
		return nil, errLienPeriod
	}
	if cp.Tenor < cp.Period {
		return nil, errLienTenor
	}
	if cp.Model > ModelProRated {
		return nil, errLienModel
	}
	return cp, nil
}

// Fingerprint returns the keccak hash of the canonical RLP encoding of the
// full record, mutable state included. Any caller supplying a stale or
// tampered copy of the lien produces a different hash.
func (l *Lien) Fingerprint() ([32]byte, error) {
	sanitized, err := SanitizeLien(l)
	if err != nil {
		return [32]byte{}, err
	}
	encoded, err := rlp.EncodeToBytes(sanitized)
	if err != nil {
		return [32]byte{}, err
	}
	return [32]byte(ethcrypto.Keccak256Hash(encoded)), nil
}

// Maturity returns the timestamp at which the lien's tenor ends.
func (l *Lien) Maturity() uint64 {
	return l.StartTime + l.Tenor
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
