package lien

import (
	"math/big"
	"sync"
	"time"

	"lienvault/core/events"
	"lienvault/core/types"
	nativecommon "lienvault/native/common"
)

const moduleName = "lien"

// lockStripes bounds the per-lien mutex table. Distinct lien identifiers have
// no ordering dependency, so contention only occurs on stripe collisions.
const lockStripes = 64

// Engine applies payments against liens: it orchestrates ComputeDebt against
// ledger state, enforces the status state machine, and settles funds through
// the wired Settler. Every operation is validate-compute-settle-mutate under
// a per-lien lock, with no partial effects on error.
type Engine struct {
	ledger  *Ledger
	settler Settler
	// custody holds collateral for the life of every lien.
	custody [20]byte
	emitter events.Emitter
	nowFn   func() uint64
	pauses  nativecommon.PauseView

	locks [lockStripes]sync.Mutex
}

// NewEngine constructs a payment engine bound to the ledger and the custody
// address collateral is parked under.
func NewEngine(ledger *Ledger, settler Settler, custody [20]byte) *Engine {
	return &Engine{
		ledger:  ledger,
		settler: settler,
		custody: custody,
		emitter: events.NoopEmitter{},
		nowFn:   func() uint64 { return uint64(time.Now().Unix()) },
	}
}

// SetEmitter configures the event emitter used by the engine.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetNowFunc overrides the time source, primarily used in tests.
func (e *Engine) SetNowFunc(now func() uint64) {
	if now == nil {
		e.nowFn = func() uint64 { return uint64(time.Now().Unix()) }
		return
	}
	e.nowFn = now
}

// Ledger exposes the underlying ledger for composing engines.
func (e *Engine) Ledger() *Ledger { return e.ledger }

// Custody returns the collateral custody address.
func (e *Engine) Custody() [20]byte { return e.custody }

func (e *Engine) emit(evt *types.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(lienEvent{evt: evt})
}

func (e *Engine) now() uint64 {
	if e == nil || e.nowFn == nil {
		return uint64(time.Now().Unix())
	}
	return e.nowFn()
}

// Lock serializes all mutations of one lien identifier. Exposed so composing
// engines (marketplace settlement) can hold it across their own sequences.
func (e *Engine) Lock(id uint64) func() {
	lock := &e.locks[id%lockStripes]
	lock.Lock()
	return lock.Unlock
}

// Pay applies a non-cure payment: it must clear all past and current interest
// and fees, plus an optional principal reduction chosen by the borrower (zero
// is valid; requests beyond the outstanding principal are clamped). The
// paid-through watermark advances one whole period past the highest boundary
// not exceeding now, so repeating a payment within an already-paid period
// charges nothing and leaves the watermark unchanged. Once now passes
// maturity the watermark cannot advance, so partial payment is rejected and
// the lien exits through Repay or Claim.
func (e *Engine) Pay(caller [20]byte, id uint64, candidate *Lien, principalPortion *big.Int) (*Breakdown, *Lien, error) {
	if e == nil || e.ledger == nil || e.settler == nil {
		return nil, nil, ErrNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, nil, err
	}
	unlock := e.Lock(id)
	defer unlock()

	sanitized, now, bd, err := e.prepare(caller, id, candidate)
	if err != nil {
		return nil, nil, err
	}
	if now > sanitized.Maturity() {
		return nil, nil, ErrLienMatured
	}

	reduction := big.NewInt(0)
	if principalPortion != nil && principalPortion.Sign() > 0 {
		reduction.Set(principalPortion)
		if reduction.Cmp(sanitized.AmountOwed) > 0 {
			reduction.Set(sanitized.AmountOwed)
		}
	}

	lenderDue := bd.TotalInterest()
	lenderDue.Add(lenderDue, reduction)
	plan := []Transfer{
		{Kind: TransferCurrency, Token: sanitized.Currency, From: sanitized.Borrower, To: sanitized.Lender, Amount: lenderDue},
		{Kind: TransferCurrency, Token: sanitized.Currency, From: sanitized.Borrower, To: sanitized.FeeRecipient, Amount: bd.TotalFee()},
	}
	if err := e.settler.Settle(plan); err != nil {
		return nil, nil, err
	}

	next := sanitized.Clone()
	next.AmountOwed = new(big.Int).Sub(next.AmountOwed, reduction)
	next.PaidThrough = advanceWatermark(sanitized, now, false)
	if err := e.ledger.Mutate(id, next); err != nil {
		return nil, nil, err
	}
	e.emit(NewPaymentEvent(id, next, bd))
	return bd, next, nil
}

// Cure settles exactly the past-due interest and fees of a delinquent lien,
// advancing paid-through to the most recently missed period boundary without
// touching current-period accrual.
func (e *Engine) Cure(caller [20]byte, id uint64, candidate *Lien) (*Breakdown, *Lien, error) {
	if e == nil || e.ledger == nil || e.settler == nil {
		return nil, nil, ErrNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, nil, err
	}
	unlock := e.Lock(id)
	defer unlock()

	sanitized, now, bd, err := e.prepare(caller, id, candidate)
	if err != nil {
		return nil, nil, err
	}
	if now > sanitized.Maturity() {
		return nil, nil, ErrLienMatured
	}
	if StatusOf(sanitized, now) != StatusDelinquent {
		return nil, nil, ErrLienNotDelinquent
	}

	plan := []Transfer{
		{Kind: TransferCurrency, Token: sanitized.Currency, From: sanitized.Borrower, To: sanitized.Lender, Amount: bd.PastInterest},
		{Kind: TransferCurrency, Token: sanitized.Currency, From: sanitized.Borrower, To: sanitized.FeeRecipient, Amount: bd.PastFee},
	}
	if err := e.settler.Settle(plan); err != nil {
		return nil, nil, err
	}

	next := sanitized.Clone()
	next.PaidThrough = advanceWatermark(sanitized, now, true)
	if err := e.ledger.Mutate(id, next); err != nil {
		return nil, nil, err
	}
	e.emit(NewCuredEvent(id, next, bd))
	return bd, next, nil
}

// Repay is full settlement: outstanding principal plus every interest
// component to the lender, every fee component to the fee recipient, and the
// collateral back to the borrower. The lien is destroyed.
func (e *Engine) Repay(caller [20]byte, id uint64, candidate *Lien) (*Breakdown, error) {
	if e == nil || e.ledger == nil || e.settler == nil {
		return nil, ErrNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	unlock := e.Lock(id)
	defer unlock()

	sanitized, _, bd, err := e.prepare(caller, id, candidate)
	if err != nil {
		return nil, err
	}

	lenderDue := bd.TotalInterest()
	lenderDue.Add(lenderDue, sanitized.AmountOwed)
	plan := []Transfer{
		{Kind: TransferCurrency, Token: sanitized.Currency, From: sanitized.Borrower, To: sanitized.Lender, Amount: lenderDue},
		{Kind: TransferCurrency, Token: sanitized.Currency, From: sanitized.Borrower, To: sanitized.FeeRecipient, Amount: bd.TotalFee()},
		{Kind: TransferCollateral, Token: sanitized.Collection, TokenID: sanitized.TokenID, From: e.custody, To: sanitized.Borrower, Amount: sanitized.Size},
	}
	if err := e.settler.Settle(plan); err != nil {
		return nil, err
	}
	if err := e.ledger.Close(id); err != nil {
		return nil, err
	}
	e.emit(NewRepaidEvent(id, sanitized, bd))
	return bd, nil
}

// Claim seizes the collateral of a defaulted lien for the lender and destroys
// the lien. Any caller may trigger it; the collateral always lands with the
// lender and no funds move: the collateral is the lender's sole recovery.
func (e *Engine) Claim(id uint64, candidate *Lien) error {
	if e == nil || e.ledger == nil || e.settler == nil {
		return ErrNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	unlock := e.Lock(id)
	defer unlock()

	sanitized, err := SanitizeLien(candidate)
	if err != nil {
		return err
	}
	if err := e.ledger.Validate(id, sanitized); err != nil {
		return err
	}
	if StatusOf(sanitized, e.now()) != StatusDefaulted {
		return ErrLienNotDefaulted
	}

	plan := []Transfer{
		{Kind: TransferCollateral, Token: sanitized.Collection, TokenID: sanitized.TokenID, From: e.custody, To: sanitized.Lender, Amount: sanitized.Size},
	}
	if err := e.settler.Settle(plan); err != nil {
		return err
	}
	if err := e.ledger.Close(id); err != nil {
		return err
	}
	e.emit(NewClaimedEvent(id, sanitized))
	return nil
}

// CloseSettled removes a lien whose debt was extinguished by a composing
// settlement (refinance, in-lien sale). The caller must already hold the
// lien's lock and have validated the candidate.
func (e *Engine) CloseSettled(id uint64, settled *Lien, bd *Breakdown) error {
	if e == nil || e.ledger == nil {
		return ErrNilState
	}
	if err := e.ledger.Close(id); err != nil {
		return err
	}
	e.emit(NewRepaidEvent(id, settled, bd))
	return nil
}

// prepare runs the shared preamble of every borrower payment path: sanitize,
// fingerprint validation, borrower authorization, terminal-default rejection
// and the owed breakdown at now.
func (e *Engine) prepare(caller [20]byte, id uint64, candidate *Lien) (*Lien, uint64, *Breakdown, error) {
	sanitized, err := SanitizeLien(candidate)
	if err != nil {
		return nil, 0, nil, err
	}
	if err := e.ledger.Validate(id, sanitized); err != nil {
		return nil, 0, nil, err
	}
	if caller != sanitized.Borrower {
		return nil, 0, nil, ErrNotBorrower
	}
	now := e.now()
	if StatusOf(sanitized, now) == StatusDefaulted {
		return nil, 0, nil, ErrLienDefaulted
	}
	bd, err := ComputeDebt(sanitized, now)
	if err != nil {
		return nil, 0, nil, err
	}
	return sanitized, now, bd, nil
}

// advanceWatermark computes the new paid-through timestamp. Non-cure payments
// land one whole period past the highest boundary not exceeding now; cures
// land on that boundary itself. A payment made at or before the current
// watermark leaves it unchanged, and the watermark never passes maturity.
func advanceWatermark(l *Lien, now uint64, cure bool) uint64 {
	pt := l.PaidThrough
	if now <= pt {
		return pt
	}
	maturity := l.Maturity()
	if now > maturity {
		// Past tenor every obligation through now is charged, so the
		// watermark lands on maturity regardless of payment kind.
		return maturity
	}
	boundary := pt + (now-pt)/l.Period*l.Period
	if !cure {
		boundary += l.Period
	}
	if boundary > maturity {
		boundary = maturity
	}
	return boundary
}
