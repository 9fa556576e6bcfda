// Package bank tracks fungible currency balances and semi-fungible collateral
// holdings, and settles transfer plans atomically. It is the in-process
// implementation of the asset-movement collaborator consumed by the lien and
// market engines; tests may substitute any other Settler.
package bank

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"lienvault/native/lien"
)

var (
	ErrInsufficientBalance = errors.New("bank: insufficient balance")
	ErrInvalidToken        = errors.New("bank: invalid token symbol")
	errNilState            = errors.New("bank: state not configured")
	errNegativeAmount      = errors.New("bank: amount must not be negative")
)

// State is the persistence surface for balances. Implementations must apply
// the writes of one Settle call atomically with the caller's other writes.
type State interface {
	Balance(token string, addr [20]byte) (*big.Int, error)
	SetBalance(token string, addr [20]byte, amount *big.Int) error
	CollateralBalance(collection string, tokenID *big.Int, addr [20]byte) (*big.Int, error)
	SetCollateralBalance(collection string, tokenID *big.Int, addr [20]byte, amount *big.Int) error
}

// NormalizeToken canonicalizes a token or collection symbol.
func NormalizeToken(symbol string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(symbol))
	if normalized == "" {
		return "", ErrInvalidToken
	}
	return normalized, nil
}

// Bank applies transfer plans against the balance store.
type Bank struct {
	state State

	mu sync.Mutex
}

// NewBank constructs a bank bound to the supplied state backend.
func NewBank(state State) *Bank {
	return &Bank{state: state}
}

// Settle validates and applies a transfer plan all-or-nothing: every source
// balance is checked against the plan's net effect before anything is
// written, so an insufficient balance anywhere aborts the entire plan.
// Transfers with zero amount or identical endpoints are no-ops.
func (b *Bank) Settle(transfers []lien.Transfer) error {
	if b == nil || b.state == nil {
		return errNilState
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	// Net deltas per (asset, holder), staged before any write.
	type slot struct {
		transfer lien.Transfer
		addr     [20]byte
		balance  *big.Int
	}
	slots := make(map[string]*slot)
	load := func(t lien.Transfer, addr [20]byte) (*slot, error) {
		key := assetKey(t) + "|" + string(addr[:])
		if s, ok := slots[key]; ok {
			return s, nil
		}
		balance, err := b.lookup(t, addr)
		if err != nil {
			return nil, err
		}
		s := &slot{transfer: t, addr: addr, balance: balance}
		slots[key] = s
		return s, nil
	}

	order := make([]string, 0, len(transfers)*2)
	tracked := make(map[string]struct{})
	track := func(t lien.Transfer, addr [20]byte) {
		key := assetKey(t) + "|" + string(addr[:])
		if _, ok := tracked[key]; !ok {
			tracked[key] = struct{}{}
			order = append(order, key)
		}
	}

	for _, t := range transfers {
		if t.Amount == nil || t.Amount.Sign() == 0 || t.From == t.To {
			continue
		}
		if t.Amount.Sign() < 0 {
			return errNegativeAmount
		}
		from, err := load(t, t.From)
		if err != nil {
			return err
		}
		to, err := load(t, t.To)
		if err != nil {
			return err
		}
		from.balance = new(big.Int).Sub(from.balance, t.Amount)
		if from.balance.Sign() < 0 {
			return fmt.Errorf("%w: %s", ErrInsufficientBalance, t.Token)
		}
		to.balance = new(big.Int).Add(to.balance, t.Amount)
		track(t, t.From)
		track(t, t.To)
	}

	for _, key := range order {
		s := slots[key]
		if err := b.store(s.transfer, s.addr, s.balance); err != nil {
			return err
		}
	}
	return nil
}

// Credit mints currency onto an address, used at genesis and in tests.
func (b *Bank) Credit(token string, addr [20]byte, amount *big.Int) error {
	if b == nil || b.state == nil {
		return errNilState
	}
	normalized, err := NormalizeToken(token)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return errNegativeAmount
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	balance, err := b.state.Balance(normalized, addr)
	if err != nil {
		return err
	}
	return b.state.SetBalance(normalized, addr, new(big.Int).Add(balance, amount))
}

// CreditCollateral mints collateral units onto an address.
func (b *Bank) CreditCollateral(collection string, tokenID *big.Int, addr [20]byte, size *big.Int) error {
	if b == nil || b.state == nil {
		return errNilState
	}
	normalized, err := NormalizeToken(collection)
	if err != nil {
		return err
	}
	if size == nil || size.Sign() < 0 {
		return errNegativeAmount
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	balance, err := b.state.CollateralBalance(normalized, tokenID, addr)
	if err != nil {
		return err
	}
	return b.state.SetCollateralBalance(normalized, tokenID, addr, new(big.Int).Add(balance, size))
}

// Balance reads a currency balance.
func (b *Bank) Balance(token string, addr [20]byte) (*big.Int, error) {
	if b == nil || b.state == nil {
		return nil, errNilState
	}
	normalized, err := NormalizeToken(token)
	if err != nil {
		return nil, err
	}
	return b.state.Balance(normalized, addr)
}

// CollateralBalance reads a collateral holding.
func (b *Bank) CollateralBalance(collection string, tokenID *big.Int, addr [20]byte) (*big.Int, error) {
	if b == nil || b.state == nil {
		return nil, errNilState
	}
	normalized, err := NormalizeToken(collection)
	if err != nil {
		return nil, err
	}
	return b.state.CollateralBalance(normalized, tokenID, addr)
}

func (b *Bank) lookup(t lien.Transfer, addr [20]byte) (*big.Int, error) {
	if t.Kind == lien.TransferCollateral {
		return b.state.CollateralBalance(t.Token, t.TokenID, addr)
	}
	return b.state.Balance(t.Token, addr)
}

func (b *Bank) store(t lien.Transfer, addr [20]byte, balance *big.Int) error {
	if t.Kind == lien.TransferCollateral {
		return b.state.SetCollateralBalance(t.Token, t.TokenID, addr, balance)
	}
	return b.state.SetBalance(t.Token, addr, balance)
}

func assetKey(t lien.Transfer) string {
	if t.Kind == lien.TransferCollateral {
		id := ""
		if t.TokenID != nil {
			id = t.TokenID.String()
		}
		return "c|" + t.Token + "|" + id
	}
	return "f|" + t.Token
}
