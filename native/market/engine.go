package market

import (
	"math/big"
	"sync"
	"time"

	"lienvault/core/events"
	"lienvault/core/types"
	nativecommon "lienvault/native/common"
	"lienvault/native/lien"
)

const moduleName = "market"

// Engine matches signed offers and settles the resulting trades. It composes
// the lien ledger and payment engine for loan lifecycles and hands every
// asset movement to the wired Settler as one atomic plan. Operations follow
// the same discipline as the payment engine: every check runs before the
// first transfer, and any error leaves prior state untouched.
type Engine struct {
	payments *lien.Engine
	settler  lien.Settler
	state    State
	verifier SignatureVerifier
	criteria CriteriaChecker
	emitter  events.Emitter
	nowFn    func() uint64
	pauses   nativecommon.PauseView

	// mu serializes offer consumption so concurrent fills cannot double
	// spend a salt or overdraw a pooled loan offer.
	mu sync.Mutex
}

// Settlement reports the outcome of one settlement operation.
type Settlement struct {
	// LienID identifies the lien originated by the operation, zero if none.
	LienID uint64
	// ClosedLienID identifies the lien extinguished by the operation, zero
	// if none.
	ClosedLienID uint64
	// Debt is the settled breakdown of the closed lien, nil otherwise.
	Debt *lien.Breakdown
	// Net is gross proceeds minus settled debt: positive is the payee's
	// equity out of the sale, negative the residual payer's top-up.
	Net *big.Int
}

// NewEngine constructs a marketplace engine over the payment engine, the
// settler and the offer-consumption state. Signature verification defaults
// to secp256k1 recovery and criteria checks to keccak Merkle proofs.
func NewEngine(payments *lien.Engine, settler lien.Settler, state State) *Engine {
	return &Engine{
		payments: payments,
		settler:  settler,
		state:    state,
		verifier: ECDSAVerifier{},
		criteria: MerkleChecker{},
		emitter:  events.NoopEmitter{},
		nowFn:    func() uint64 { return uint64(time.Now().Unix()) },
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

// SetVerifier overrides the signature verifier, used to admit contract
// signers whose approval logic lives outside this process.
func (e *Engine) SetVerifier(v SignatureVerifier) {
	if v == nil {
		e.verifier = ECDSAVerifier{}
		return
	}
	e.verifier = v
}

// SetCriteriaChecker overrides the criteria proof checker.
func (e *Engine) SetCriteriaChecker(c CriteriaChecker) {
	if c == nil {
		e.criteria = MerkleChecker{}
		return
	}
	e.criteria = c
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

func (e *Engine) emit(evt *types.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(marketEvent{evt: evt})
}

func (e *Engine) now() uint64 {
	if e == nil || e.nowFn == nil {
		return uint64(time.Now().Unix())
	}
	return e.nowFn()
}

func (e *Engine) ready() error {
	if e == nil || e.payments == nil || e.settler == nil || e.state == nil {
		return ErrNilState
	}
	return nativecommon.Guard(e.pauses, moduleName)
}

// TakeLoanOffer originates a loan against a lender's signed offer: the
// borrower draws amount within the offer's bounds, the collateral moves into
// custody and a fresh lien opens at the offer's terms. Pooled offers stay
// consumable until cumulative draws reach TotalAmount.
func (e *Engine) TakeLoanOffer(borrower [20]byte, offer *LoanOffer, signature []byte, amount, tokenID *big.Int, proof [][32]byte) (*Settlement, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	sanitized, hash, err := e.checkLoanOffer(offer, signature, now)
	if err != nil {
		return nil, err
	}
	taken, err := e.reserveDraw(hash, sanitized, amount)
	if err != nil {
		return nil, err
	}
	if err := e.matchToken(&sanitized.Collateral, tokenID, proof); err != nil {
		return nil, err
	}

	plan := []lien.Transfer{
		{Kind: lien.TransferCurrency, Token: sanitized.Terms.Currency, From: sanitized.Lender, To: borrower, Amount: new(big.Int).Set(amount)},
		{Kind: lien.TransferCollateral, Token: sanitized.Collateral.Collection, TokenID: tokenID, From: borrower, To: e.payments.Custody(), Amount: sanitized.Collateral.Size},
	}
	if err := e.settler.Settle(plan); err != nil {
		return nil, err
	}

	id, err := e.openFromLoanOffer(sanitized, borrower, tokenID, amount, now)
	if err != nil {
		return nil, err
	}
	if err := e.state.SetAmountTaken(hash, taken); err != nil {
		return nil, err
	}
	result := &Settlement{LienID: id}
	e.emit(NewSettlementEvent(EventTypeLoanOriginated, result))
	return result, nil
}

// TakeBorrowOffer originates a loan against a borrower's signed one-shot
// offer at exactly the posted amount and terms. The caller becomes the
// lender.
func (e *Engine) TakeBorrowOffer(lender [20]byte, offer *BorrowOffer, signature []byte) (*Settlement, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	sanitized, err := sanitizeBorrowOffer(offer)
	if err != nil {
		return nil, err
	}
	hash, err := sanitized.Hash()
	if err != nil {
		return nil, err
	}
	if err := e.checkConsumable(sanitized.Borrower, sanitized.Salt, sanitized.Nonce, sanitized.Expiration, now); err != nil {
		return nil, err
	}
	if err := e.checkUnfilled(hash); err != nil {
		return nil, err
	}
	if err := e.verifier.Verify(hash, sanitized.Borrower, signature); err != nil {
		return nil, err
	}

	plan := []lien.Transfer{
		{Kind: lien.TransferCurrency, Token: sanitized.Terms.Currency, From: lender, To: sanitized.Borrower, Amount: sanitized.Terms.Amount},
		{Kind: lien.TransferCollateral, Token: sanitized.Collateral.Collection, TokenID: sanitized.Collateral.TokenID, From: sanitized.Borrower, To: e.payments.Custody(), Amount: sanitized.Collateral.Size},
	}
	if err := e.settler.Settle(plan); err != nil {
		return nil, err
	}

	record := &lien.Lien{
		Lender:       lender,
		Borrower:     sanitized.Borrower,
		FeeRecipient: sanitized.FeeRecipient,
		Currency:     sanitized.Terms.Currency,
		Collection:   sanitized.Collateral.Collection,
		TokenID:      sanitized.Collateral.TokenID,
		Size:         sanitized.Collateral.Size,
		Principal:    sanitized.Terms.Amount,
		Rate:         sanitized.Terms.Rate,
		DefaultRate:  sanitized.Terms.DefaultRate,
		FeeRate:      sanitized.Terms.FeeRate,
		Period:       sanitized.Terms.Period,
		GracePeriod:  sanitized.Terms.GracePeriod,
		Tenor:        sanitized.Terms.Tenor,
		StartTime:    now,
		Model:        sanitized.Terms.Model,
		PaidThrough:  now,
		AmountOwed:   new(big.Int).Set(sanitized.Terms.Amount),
	}
	id, err := e.payments.Ledger().Open(record)
	if err != nil {
		return nil, err
	}
	if err := e.state.SetOfferFilled(hash); err != nil {
		return nil, err
	}
	result := &Settlement{LienID: id}
	e.emit(NewSettlementEvent(EventTypeLoanOriginated, result))
	return result, nil
}

// CancelOffer permanently retires one salt for the maker. Every offer signed
// under that salt becomes unconsumable; the decision is irreversible.
func (e *Engine) CancelOffer(caller, maker [20]byte, salt [32]byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	if caller != maker {
		return ErrNotMaker
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.state.SetOfferCancelled(maker, salt); err != nil {
		return err
	}
	e.emit(NewOfferCancelledEvent(maker, salt))
	return nil
}

// BumpNonce advances the caller's nonce, invalidating every outstanding offer
// signed under the previous one. Returns the new nonce.
func (e *Engine) BumpNonce(caller [20]byte) (uint64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	current, err := e.state.Nonce(caller)
	if err != nil {
		return 0, err
	}
	next := current + 1
	if err := e.state.SetNonce(caller, next); err != nil {
		return 0, err
	}
	e.emit(NewNonceBumpedEvent(caller, next))
	return next, nil
}

// Refinance settles an existing lien out of a new loan offer's proceeds: the
// new lender's draw flows through the tranche waterfall against the old debt,
// the borrower covers any shortfall and pockets any surplus, and a fresh lien
// opens at the new terms with the collateral staying in custody throughout.
func (e *Engine) Refinance(borrower [20]byte, id uint64, candidate *lien.Lien, offer *LoanOffer, signature []byte, amount *big.Int, proof [][32]byte) (*Settlement, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	unlock := e.payments.Lock(id)
	defer unlock()

	now := e.now()
	current, debt, err := e.prepareLien(id, candidate, now)
	if err != nil {
		return nil, err
	}
	if borrower != current.Borrower {
		return nil, lien.ErrNotBorrower
	}
	sanitized, hash, err := e.checkLoanOffer(offer, signature, now)
	if err != nil {
		return nil, err
	}
	taken, err := e.reserveDraw(hash, sanitized, amount)
	if err != nil {
		return nil, err
	}
	if err := e.matchLien(sanitized.Terms.Currency, &sanitized.Collateral, current, proof); err != nil {
		return nil, err
	}

	plan := lien.DistributeProceeds(current.Currency, amount, debt, current.Lender, current.FeeRecipient, sanitized.Lender, borrower, borrower)
	if err := e.settler.Settle(plan); err != nil {
		return nil, err
	}
	if err := e.payments.CloseSettled(id, current, debt); err != nil {
		return nil, err
	}
	newID, err := e.openFromLoanOffer(sanitized, borrower, current.TokenID, amount, now)
	if err != nil {
		return nil, err
	}
	if err := e.state.SetAmountTaken(hash, taken); err != nil {
		return nil, err
	}
	result := &Settlement{LienID: newID, ClosedLienID: id, Debt: debt, Net: netOf(amount, debt)}
	e.emit(NewSettlementEvent(EventTypeRefinanced, result))
	return result, nil
}

// MarketOrder fills a plain buy or sell offer at its posted price: the taker
// sells into a bid or buys out of an ask, and the collateral moves directly
// between the parties. Loan-backed bids are rejected here; they settle
// through SellIntoBid so their lien can be originated.
func (e *Engine) MarketOrder(taker [20]byte, offer *MarketOffer, signature []byte, tokenID *big.Int, proof [][32]byte) (*Settlement, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	sanitized, hash, err := e.checkMarketOffer(offer, signature, now)
	if err != nil {
		return nil, err
	}
	if sanitized.WithLoan {
		return nil, ErrFinancedOffer
	}

	var plan []lien.Transfer
	switch sanitized.Side {
	case SideBid:
		if err := e.matchToken(&sanitized.Collateral, tokenID, proof); err != nil {
			return nil, err
		}
		plan = []lien.Transfer{
			{Kind: lien.TransferCurrency, Token: sanitized.Currency, From: sanitized.Maker, To: taker, Amount: sanitized.Amount},
			{Kind: lien.TransferCollateral, Token: sanitized.Collateral.Collection, TokenID: tokenID, From: taker, To: sanitized.Maker, Amount: sanitized.Collateral.Size},
		}
	case SideAsk:
		plan = []lien.Transfer{
			{Kind: lien.TransferCurrency, Token: sanitized.Currency, From: taker, To: sanitized.Maker, Amount: sanitized.Amount},
			{Kind: lien.TransferCollateral, Token: sanitized.Collateral.Collection, TokenID: sanitized.Collateral.TokenID, From: sanitized.Maker, To: taker, Amount: sanitized.Collateral.Size},
		}
	}
	if err := e.settler.Settle(plan); err != nil {
		return nil, err
	}
	if err := e.state.SetOfferFilled(hash); err != nil {
		return nil, err
	}
	result := &Settlement{Net: new(big.Int).Set(sanitized.Amount)}
	e.emit(NewSettlementEvent(EventTypeOrderFilled, result))
	return result, nil
}

// BuyWithLoan fills an ask while financing part of the price through a loan
// offer: the lender's draw and the buyer's cash both land with the seller,
// the collateral moves into custody and a lien opens with the buyer as
// borrower for the financed portion.
func (e *Engine) BuyWithLoan(buyer [20]byte, ask *MarketOffer, askSignature []byte, offer *LoanOffer, loanSignature []byte, borrowAmount *big.Int, loanProof [][32]byte) (*Settlement, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	sanitizedAsk, askHash, err := e.checkMarketOffer(ask, askSignature, now)
	if err != nil {
		return nil, err
	}
	if sanitizedAsk.Side != SideAsk {
		return nil, ErrSideMismatch
	}
	loan, loanHash, err := e.checkLoanOffer(offer, loanSignature, now)
	if err != nil {
		return nil, err
	}
	taken, err := e.reserveDraw(loanHash, loan, borrowAmount)
	if err != nil {
		return nil, err
	}
	if borrowAmount.Cmp(sanitizedAsk.Amount) > 0 {
		return nil, ErrAmountOutOfRange
	}
	if err := e.matchOffers(sanitizedAsk, loan, loanProof); err != nil {
		return nil, err
	}

	cash := new(big.Int).Sub(sanitizedAsk.Amount, borrowAmount)
	plan := []lien.Transfer{
		{Kind: lien.TransferCurrency, Token: loan.Terms.Currency, From: loan.Lender, To: sanitizedAsk.Maker, Amount: new(big.Int).Set(borrowAmount)},
		{Kind: lien.TransferCurrency, Token: sanitizedAsk.Currency, From: buyer, To: sanitizedAsk.Maker, Amount: cash},
		{Kind: lien.TransferCollateral, Token: sanitizedAsk.Collateral.Collection, TokenID: sanitizedAsk.Collateral.TokenID, From: sanitizedAsk.Maker, To: e.payments.Custody(), Amount: sanitizedAsk.Collateral.Size},
	}
	if err := e.settler.Settle(plan); err != nil {
		return nil, err
	}

	id, err := e.openFromLoanOffer(loan, buyer, sanitizedAsk.Collateral.TokenID, borrowAmount, now)
	if err != nil {
		return nil, err
	}
	if err := e.state.SetOfferFilled(askHash); err != nil {
		return nil, err
	}
	if err := e.state.SetAmountTaken(loanHash, taken); err != nil {
		return nil, err
	}
	result := &Settlement{LienID: id, Net: new(big.Int).Set(sanitizedAsk.Amount)}
	e.emit(NewSettlementEvent(EventTypePurchaseWithLoan, result))
	return result, nil
}

// SellIntoBid fills a bid from the seller's side. Plain bids settle like a
// market order. Loan-backed bids draw BorrowAmount from the accompanying
// loan offer, the bidder covers the remainder in cash, the collateral moves
// into custody and a lien opens with the bidder as borrower.
func (e *Engine) SellIntoBid(seller [20]byte, bid *MarketOffer, bidSignature []byte, offer *LoanOffer, loanSignature []byte, tokenID *big.Int, proof, loanProof [][32]byte) (*Settlement, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	sanitizedBid, bidHash, err := e.checkMarketOffer(bid, bidSignature, now)
	if err != nil {
		return nil, err
	}
	if sanitizedBid.Side != SideBid {
		return nil, ErrSideMismatch
	}
	if err := e.matchToken(&sanitizedBid.Collateral, tokenID, proof); err != nil {
		return nil, err
	}

	if !sanitizedBid.WithLoan {
		plan := []lien.Transfer{
			{Kind: lien.TransferCurrency, Token: sanitizedBid.Currency, From: sanitizedBid.Maker, To: seller, Amount: sanitizedBid.Amount},
			{Kind: lien.TransferCollateral, Token: sanitizedBid.Collateral.Collection, TokenID: tokenID, From: seller, To: sanitizedBid.Maker, Amount: sanitizedBid.Collateral.Size},
		}
		if err := e.settler.Settle(plan); err != nil {
			return nil, err
		}
		if err := e.state.SetOfferFilled(bidHash); err != nil {
			return nil, err
		}
		result := &Settlement{Net: new(big.Int).Set(sanitizedBid.Amount)}
		e.emit(NewSettlementEvent(EventTypeOrderFilled, result))
		return result, nil
	}

	loan, loanHash, err := e.checkLoanOffer(offer, loanSignature, now)
	if err != nil {
		return nil, err
	}
	taken, err := e.reserveDraw(loanHash, loan, sanitizedBid.BorrowAmount)
	if err != nil {
		return nil, err
	}
	if loan.Terms.Currency != sanitizedBid.Currency || loan.Collateral.Collection != sanitizedBid.Collateral.Collection {
		return nil, ErrTermMismatch
	}
	if loan.Collateral.Size.Cmp(sanitizedBid.Collateral.Size) != 0 {
		return nil, ErrTermMismatch
	}
	if err := e.matchToken(&loan.Collateral, tokenID, loanProof); err != nil {
		return nil, err
	}

	cash := new(big.Int).Sub(sanitizedBid.Amount, sanitizedBid.BorrowAmount)
	plan := []lien.Transfer{
		{Kind: lien.TransferCurrency, Token: loan.Terms.Currency, From: loan.Lender, To: seller, Amount: sanitizedBid.BorrowAmount},
		{Kind: lien.TransferCurrency, Token: sanitizedBid.Currency, From: sanitizedBid.Maker, To: seller, Amount: cash},
		{Kind: lien.TransferCollateral, Token: sanitizedBid.Collateral.Collection, TokenID: tokenID, From: seller, To: e.payments.Custody(), Amount: sanitizedBid.Collateral.Size},
	}
	if err := e.settler.Settle(plan); err != nil {
		return nil, err
	}

	id, err := e.openFromLoanOffer(loan, sanitizedBid.Maker, tokenID, sanitizedBid.BorrowAmount, now)
	if err != nil {
		return nil, err
	}
	if err := e.state.SetOfferFilled(bidHash); err != nil {
		return nil, err
	}
	if err := e.state.SetAmountTaken(loanHash, taken); err != nil {
		return nil, err
	}
	result := &Settlement{LienID: id, Net: new(big.Int).Set(sanitizedBid.Amount)}
	e.emit(NewSettlementEvent(EventTypePurchaseWithLoan, result))
	return result, nil
}

// BuyInLien purchases collateral that is currently under a lien. The ask must
// come from the lien's borrower; the buyer's price flows through the tranche
// waterfall against the debt first, the seller keeps the equity and covers
// any shortfall, and the old lien closes. With a loan offer attached the
// buyer finances borrowAmount of the price and a fresh lien opens in its
// place; otherwise the collateral leaves custody for the buyer.
func (e *Engine) BuyInLien(buyer [20]byte, id uint64, candidate *lien.Lien, ask *MarketOffer, askSignature []byte, offer *LoanOffer, loanSignature []byte, borrowAmount *big.Int, loanProof [][32]byte) (*Settlement, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	unlock := e.payments.Lock(id)
	defer unlock()

	now := e.now()
	current, debt, err := e.prepareLien(id, candidate, now)
	if err != nil {
		return nil, err
	}
	sanitizedAsk, askHash, err := e.checkMarketOffer(ask, askSignature, now)
	if err != nil {
		return nil, err
	}
	if sanitizedAsk.Side != SideAsk {
		return nil, ErrSideMismatch
	}
	if sanitizedAsk.Maker != current.Borrower {
		return nil, ErrNotMaker
	}
	if err := e.matchLien(sanitizedAsk.Currency, &sanitizedAsk.Collateral, current, nil); err != nil {
		return nil, err
	}

	result, err := e.settleLienSale(id, current, debt, sanitizedAsk.Amount, buyer, current.Borrower, offer, loanSignature, borrowAmount, loanProof, now)
	if err != nil {
		return nil, err
	}
	if err := e.state.SetOfferFilled(askHash); err != nil {
		return nil, err
	}
	e.emit(NewSettlementEvent(EventTypeSaleInLien, result))
	return result, nil
}

// SellInLien sells collateral that is currently under a lien into a bid. The
// caller must be the lien's borrower. The bidder's price flows through the
// tranche waterfall against the debt first, the seller keeps the equity and
// covers any shortfall, and the old lien closes. Loan-backed bids finance
// BorrowAmount of the price and open a fresh lien with the bidder as
// borrower; otherwise the collateral leaves custody for the bidder.
func (e *Engine) SellInLien(seller [20]byte, id uint64, candidate *lien.Lien, bid *MarketOffer, bidSignature []byte, offer *LoanOffer, loanSignature []byte, proof, loanProof [][32]byte) (*Settlement, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	unlock := e.payments.Lock(id)
	defer unlock()

	now := e.now()
	current, debt, err := e.prepareLien(id, candidate, now)
	if err != nil {
		return nil, err
	}
	if seller != current.Borrower {
		return nil, lien.ErrNotBorrower
	}
	sanitizedBid, bidHash, err := e.checkMarketOffer(bid, bidSignature, now)
	if err != nil {
		return nil, err
	}
	if sanitizedBid.Side != SideBid {
		return nil, ErrSideMismatch
	}
	if err := e.matchLien(sanitizedBid.Currency, &sanitizedBid.Collateral, current, proof); err != nil {
		return nil, err
	}

	var financed *LoanOffer
	var borrowAmount *big.Int
	if sanitizedBid.WithLoan {
		financed = offer
		borrowAmount = sanitizedBid.BorrowAmount
	}
	result, err := e.settleLienSale(id, current, debt, sanitizedBid.Amount, sanitizedBid.Maker, seller, financed, loanSignature, borrowAmount, loanProof, now)
	if err != nil {
		return nil, err
	}
	if err := e.state.SetOfferFilled(bidHash); err != nil {
		return nil, err
	}
	e.emit(NewSettlementEvent(EventTypeSaleInLien, result))
	return result, nil
}

// settleLienSale is the shared core of the in-lien sale paths: waterfall the
// price against the debt, move or re-encumber the collateral, close the old
// lien and, when financed, open the new one. Callers hold both the engine
// mutex and the lien lock.
func (e *Engine) settleLienSale(id uint64, current *lien.Lien, debt *lien.Breakdown, price *big.Int, buyer, seller [20]byte, offer *LoanOffer, loanSignature []byte, borrowAmount *big.Int, loanProof [][32]byte, now uint64) (*Settlement, error) {
	plan := lien.DistributeProceeds(current.Currency, price, debt, current.Lender, current.FeeRecipient, buyer, seller, seller)

	if offer == nil {
		plan = append(plan, lien.Transfer{
			Kind: lien.TransferCollateral, Token: current.Collection, TokenID: current.TokenID,
			From: e.payments.Custody(), To: buyer, Amount: current.Size,
		})
		if err := e.settler.Settle(plan); err != nil {
			return nil, err
		}
		if err := e.payments.CloseSettled(id, current, debt); err != nil {
			return nil, err
		}
		return &Settlement{ClosedLienID: id, Debt: debt, Net: netOf(price, debt)}, nil
	}

	loan, loanHash, err := e.checkLoanOffer(offer, loanSignature, now)
	if err != nil {
		return nil, err
	}
	taken, err := e.reserveDraw(loanHash, loan, borrowAmount)
	if err != nil {
		return nil, err
	}
	if borrowAmount.Cmp(price) > 0 {
		return nil, ErrAmountOutOfRange
	}
	if err := e.matchLien(loan.Terms.Currency, &loan.Collateral, current, loanProof); err != nil {
		return nil, err
	}

	// The lender's draw lands with the buyer before the buyer's waterfall
	// contribution, so the buyer's own cash covers only price minus draw.
	plan = append([]lien.Transfer{
		{Kind: lien.TransferCurrency, Token: loan.Terms.Currency, From: loan.Lender, To: buyer, Amount: new(big.Int).Set(borrowAmount)},
	}, plan...)
	if err := e.settler.Settle(plan); err != nil {
		return nil, err
	}
	if err := e.payments.CloseSettled(id, current, debt); err != nil {
		return nil, err
	}
	newID, err := e.openFromLoanOffer(loan, buyer, current.TokenID, borrowAmount, now)
	if err != nil {
		return nil, err
	}
	if err := e.state.SetAmountTaken(loanHash, taken); err != nil {
		return nil, err
	}
	return &Settlement{LienID: newID, ClosedLienID: id, Debt: debt, Net: netOf(price, debt)}, nil
}

// prepareLien runs the shared preamble of lien-composing paths: sanitize,
// fingerprint validation, terminal-default rejection and the owed breakdown.
func (e *Engine) prepareLien(id uint64, candidate *lien.Lien, now uint64) (*lien.Lien, *lien.Breakdown, error) {
	sanitized, err := lien.SanitizeLien(candidate)
	if err != nil {
		return nil, nil, err
	}
	if err := e.payments.Ledger().Validate(id, sanitized); err != nil {
		return nil, nil, err
	}
	if lien.StatusOf(sanitized, now) == lien.StatusDefaulted {
		return nil, nil, lien.ErrLienDefaulted
	}
	debt, err := lien.ComputeDebt(sanitized, now)
	if err != nil {
		return nil, nil, err
	}
	return sanitized, debt, nil
}

// checkLoanOffer sanitizes a loan offer and runs its full admission gauntlet:
// expiration, nonce, cancellation and signature.
func (e *Engine) checkLoanOffer(offer *LoanOffer, signature []byte, now uint64) (*LoanOffer, [32]byte, error) {
	sanitized, err := sanitizeLoanOffer(offer)
	if err != nil {
		return nil, [32]byte{}, err
	}
	hash, err := sanitized.Hash()
	if err != nil {
		return nil, [32]byte{}, err
	}
	if err := e.checkConsumable(sanitized.Lender, sanitized.Salt, sanitized.Nonce, sanitized.Expiration, now); err != nil {
		return nil, [32]byte{}, err
	}
	if err := e.verifier.Verify(hash, sanitized.Lender, signature); err != nil {
		return nil, [32]byte{}, err
	}
	return sanitized, hash, nil
}

// checkMarketOffer sanitizes a market offer and runs its full admission
// gauntlet, including one-shot fill tracking.
func (e *Engine) checkMarketOffer(offer *MarketOffer, signature []byte, now uint64) (*MarketOffer, [32]byte, error) {
	sanitized, err := sanitizeMarketOffer(offer)
	if err != nil {
		return nil, [32]byte{}, err
	}
	hash, err := sanitized.Hash()
	if err != nil {
		return nil, [32]byte{}, err
	}
	if err := e.checkConsumable(sanitized.Maker, sanitized.Salt, sanitized.Nonce, sanitized.Expiration, now); err != nil {
		return nil, [32]byte{}, err
	}
	if err := e.checkUnfilled(hash); err != nil {
		return nil, [32]byte{}, err
	}
	if err := e.verifier.Verify(hash, sanitized.Maker, signature); err != nil {
		return nil, [32]byte{}, err
	}
	return sanitized, hash, nil
}

func (e *Engine) checkConsumable(maker [20]byte, salt [32]byte, nonce, expiration, now uint64) error {
	if now > expiration {
		return ErrOfferExpired
	}
	current, err := e.state.Nonce(maker)
	if err != nil {
		return err
	}
	if nonce != current {
		return ErrOfferConsumed
	}
	cancelled, err := e.state.OfferCancelled(maker, salt)
	if err != nil {
		return err
	}
	if cancelled {
		return ErrOfferConsumed
	}
	return nil
}

func (e *Engine) checkUnfilled(hash [32]byte) error {
	filled, err := e.state.OfferFilled(hash)
	if err != nil {
		return err
	}
	if filled {
		return ErrOfferConsumed
	}
	return nil
}

// reserveDraw bounds a draw against a pooled loan offer and returns the new
// cumulative taken amount for the caller to persist after settlement.
func (e *Engine) reserveDraw(hash [32]byte, offer *LoanOffer, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if amount.Cmp(offer.Terms.MinAmount) < 0 || amount.Cmp(offer.Terms.MaxAmount) > 0 {
		return nil, ErrAmountOutOfRange
	}
	taken, err := e.state.AmountTaken(hash)
	if err != nil {
		return nil, err
	}
	if taken == nil {
		taken = big.NewInt(0)
	}
	next := new(big.Int).Add(taken, amount)
	if next.Cmp(offer.Terms.TotalAmount) > 0 {
		return nil, ErrOfferExhausted
	}
	return next, nil
}

// matchToken decides whether tokenID satisfies an offer's collateral clause:
// an exact id comparison for simple offers, a criteria proof otherwise.
func (e *Engine) matchToken(c *Collateral, tokenID *big.Int, proof [][32]byte) error {
	if tokenID == nil || tokenID.Sign() < 0 {
		return ErrInvalidAmount
	}
	if c.Criteria {
		if !e.criteria.Satisfies(tokenID, c.CriteriaRoot, proof) {
			return ErrCriteria
		}
		return nil
	}
	if c.TokenID.Cmp(tokenID) != 0 {
		return ErrTermMismatch
	}
	return nil
}

// matchLien checks an offer's currency and collateral clause against an
// existing lien's terms.
func (e *Engine) matchLien(currency string, c *Collateral, current *lien.Lien, proof [][32]byte) error {
	if currency != current.Currency || c.Collection != current.Collection {
		return ErrTermMismatch
	}
	if c.Size.Cmp(current.Size) != 0 {
		return ErrTermMismatch
	}
	return e.matchToken(c, current.TokenID, proof)
}

// matchOffers checks a loan offer against the ask it finances.
func (e *Engine) matchOffers(ask *MarketOffer, loan *LoanOffer, loanProof [][32]byte) error {
	if loan.Terms.Currency != ask.Currency || loan.Collateral.Collection != ask.Collateral.Collection {
		return ErrTermMismatch
	}
	if loan.Collateral.Size.Cmp(ask.Collateral.Size) != 0 {
		return ErrTermMismatch
	}
	return e.matchToken(&loan.Collateral, ask.Collateral.TokenID, loanProof)
}

// openFromLoanOffer opens the lien a loan offer draw originates.
func (e *Engine) openFromLoanOffer(offer *LoanOffer, borrower [20]byte, tokenID, principal *big.Int, now uint64) (uint64, error) {
	record := &lien.Lien{
		Lender:       offer.Lender,
		Borrower:     borrower,
		FeeRecipient: offer.FeeRecipient,
		Currency:     offer.Terms.Currency,
		Collection:   offer.Collateral.Collection,
		TokenID:      new(big.Int).Set(tokenID),
		Size:         new(big.Int).Set(offer.Collateral.Size),
		Principal:    new(big.Int).Set(principal),
		Rate:         offer.Terms.Rate,
		DefaultRate:  offer.Terms.DefaultRate,
		FeeRate:      offer.Terms.FeeRate,
		Period:       offer.Terms.Period,
		GracePeriod:  offer.Terms.GracePeriod,
		Tenor:        offer.Terms.Tenor,
		StartTime:    now,
		Model:        offer.Terms.Model,
		PaidThrough:  now,
		AmountOwed:   new(big.Int).Set(principal),
	}
	return e.payments.Ledger().Open(record)
}

// netOf is gross proceeds minus the full settled debt.
func netOf(amount *big.Int, debt *lien.Breakdown) *big.Int {
	net := new(big.Int).Set(amount)
	net.Sub(net, debt.Principal)
	net.Sub(net, debt.TotalInterest())
	net.Sub(net, debt.TotalFee())
	return net
}
