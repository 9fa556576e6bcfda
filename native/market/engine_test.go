package market

import (
	"crypto/ecdsa"
	"errors"
	"math/big"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"lienvault/native/lien"
)

type mockLienState struct {
	counter      uint64
	fingerprints map[uint64][32]byte
	records      map[uint64]*lien.Lien
}

func newMockLienState() *mockLienState {
	return &mockLienState{
		fingerprints: make(map[uint64][32]byte),
		records:      make(map[uint64]*lien.Lien),
	}
}

func (m *mockLienState) LienCounter() (uint64, error) { return m.counter, nil }

func (m *mockLienState) SetLienCounter(next uint64) error {
	m.counter = next
	return nil
}

func (m *mockLienState) LienFingerprint(id uint64) ([32]byte, bool, error) {
	fp, ok := m.fingerprints[id]
	return fp, ok, nil
}

func (m *mockLienState) PutLienFingerprint(id uint64, fp [32]byte) error {
	m.fingerprints[id] = fp
	return nil
}

func (m *mockLienState) DeleteLienFingerprint(id uint64) error {
	delete(m.fingerprints, id)
	return nil
}

func (m *mockLienState) PutLienRecord(id uint64, l *lien.Lien) error {
	m.records[id] = l.Clone()
	return nil
}

func (m *mockLienState) LienRecord(id uint64) (*lien.Lien, bool, error) {
	l, ok := m.records[id]
	if !ok {
		return nil, false, nil
	}
	return l.Clone(), true, nil
}

func (m *mockLienState) DeleteLienRecord(id uint64) error {
	delete(m.records, id)
	return nil
}

type mockMarketState struct {
	cancelled map[string]bool
	filled    map[[32]byte]bool
	taken     map[[32]byte]*big.Int
	nonces    map[[20]byte]uint64
}

func newMockMarketState() *mockMarketState {
	return &mockMarketState{
		cancelled: make(map[string]bool),
		filled:    make(map[[32]byte]bool),
		taken:     make(map[[32]byte]*big.Int),
		nonces:    make(map[[20]byte]uint64),
	}
}

func saltKey(maker [20]byte, salt [32]byte) string {
	return string(maker[:]) + string(salt[:])
}

func (m *mockMarketState) OfferCancelled(maker [20]byte, salt [32]byte) (bool, error) {
	return m.cancelled[saltKey(maker, salt)], nil
}

func (m *mockMarketState) SetOfferCancelled(maker [20]byte, salt [32]byte) error {
	m.cancelled[saltKey(maker, salt)] = true
	return nil
}

func (m *mockMarketState) OfferFilled(hash [32]byte) (bool, error) {
	return m.filled[hash], nil
}

func (m *mockMarketState) SetOfferFilled(hash [32]byte) error {
	m.filled[hash] = true
	return nil
}

func (m *mockMarketState) AmountTaken(hash [32]byte) (*big.Int, error) {
	if v, ok := m.taken[hash]; ok {
		return new(big.Int).Set(v), nil
	}
	return nil, nil
}

func (m *mockMarketState) SetAmountTaken(hash [32]byte, amount *big.Int) error {
	m.taken[hash] = new(big.Int).Set(amount)
	return nil
}

func (m *mockMarketState) Nonce(maker [20]byte) (uint64, error) { return m.nonces[maker], nil }

func (m *mockMarketState) SetNonce(maker [20]byte, nonce uint64) error {
	m.nonces[maker] = nonce
	return nil
}

type planSettler struct {
	plans [][]lien.Transfer
	err   error
}

func (s *planSettler) Settle(transfers []lien.Transfer) error {
	if s.err != nil {
		return s.err
	}
	s.plans = append(s.plans, transfers)
	return nil
}

func (s *planSettler) last() []lien.Transfer {
	if len(s.plans) == 0 {
		return nil
	}
	return s.plans[len(s.plans)-1]
}

type party struct {
	key  *ecdsa.PrivateKey
	addr [20]byte
}

func newParty(t *testing.T) party {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return party{key: key, addr: SignerAddress(key)}
}

type marketFixture struct {
	engine  *Engine
	liens   *lien.Engine
	settler *planSettler
	state   *mockMarketState
	custody [20]byte
	now     uint64
}

func newMarketFixture(t *testing.T) *marketFixture {
	t.Helper()
	settler := &planSettler{}
	custody := makeAddress("custody", 9)
	liens := lien.NewEngine(lien.NewLedger(newMockLienState()), settler, custody)
	state := newMockMarketState()
	engine := NewEngine(liens, settler, state)

	f := &marketFixture{
		engine:  engine,
		liens:   liens,
		settler: settler,
		state:   state,
		custody: custody,
		now:     monthSeconds / 2,
	}
	nowFn := func() uint64 { return f.now }
	engine.SetNowFunc(nowFn)
	liens.SetNowFunc(nowFn)
	return f
}

func (f *marketFixture) loanOffer(lender party, salt byte) *LoanOffer {
	offer := validLoanOffer()
	offer.Lender = lender.addr
	offer.Salt = [32]byte{salt}
	return offer
}

func signLoan(t *testing.T, key *ecdsa.PrivateKey, offer *LoanOffer) []byte {
	t.Helper()
	hash, err := offer.Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	sig, err := SignHash(hash, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return sig
}

func signBorrow(t *testing.T, key *ecdsa.PrivateKey, offer *BorrowOffer) []byte {
	t.Helper()
	hash, err := offer.Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	sig, err := SignHash(hash, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return sig
}

func signMarket(t *testing.T, key *ecdsa.PrivateKey, offer *MarketOffer) []byte {
	t.Helper()
	hash, err := offer.Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	sig, err := SignHash(hash, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return sig
}

func TestTakeLoanOfferOriginatesLien(t *testing.T) {
	f := newMarketFixture(t)
	lender := newParty(t)
	borrower := makeAddress("borrower", 3)
	offer := f.loanOffer(lender, 1)
	sig := signLoan(t, lender.key, offer)

	result, err := f.engine.TakeLoanOffer(borrower, offer, sig, big.NewInt(400), big.NewInt(7), nil)
	if err != nil {
		t.Fatalf("take loan offer: %v", err)
	}
	if result.LienID != 1 {
		t.Fatalf("lien id = %d, want 1", result.LienID)
	}

	plan := f.settler.last()
	if len(plan) != 2 {
		t.Fatalf("plan length = %d, want 2", len(plan))
	}
	if plan[0].From != lender.addr || plan[0].To != borrower || plan[0].Amount.Int64() != 400 {
		t.Fatalf("draw leg %v", plan[0])
	}
	if plan[1].Kind != lien.TransferCollateral || plan[1].From != borrower || plan[1].To != f.custody {
		t.Fatalf("collateral leg %v", plan[1])
	}

	record, err := f.liens.Ledger().Record(result.LienID)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if record.Borrower != borrower || record.Lender != lender.addr {
		t.Fatalf("lien parties wrong: %v / %v", record.Borrower, record.Lender)
	}
	if record.Principal.Int64() != 400 || record.AmountOwed.Int64() != 400 {
		t.Fatalf("lien principal = %s / %s, want 400", record.Principal, record.AmountOwed)
	}
	if record.StartTime != f.now || record.PaidThrough != f.now {
		t.Fatalf("lien clock = %d / %d, want %d", record.StartTime, record.PaidThrough, f.now)
	}

	hash, err := offer.Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	taken, err := f.state.AmountTaken(hash)
	if err != nil {
		t.Fatalf("amount taken: %v", err)
	}
	if taken.Int64() != 400 {
		t.Fatalf("amount taken = %s, want 400", taken)
	}
}

func TestTakeLoanOfferPooledUntilExhausted(t *testing.T) {
	f := newMarketFixture(t)
	lender := newParty(t)
	offer := f.loanOffer(lender, 1)
	sig := signLoan(t, lender.key, offer)
	borrower := makeAddress("borrower", 3)

	if _, err := f.engine.TakeLoanOffer(borrower, offer, sig, big.NewInt(600), big.NewInt(7), nil); err != nil {
		t.Fatalf("first draw: %v", err)
	}
	if _, err := f.engine.TakeLoanOffer(borrower, offer, sig, big.NewInt(400), big.NewInt(7), nil); err != nil {
		t.Fatalf("second draw up to the cap: %v", err)
	}
	if _, err := f.engine.TakeLoanOffer(borrower, offer, sig, big.NewInt(100), big.NewInt(7), nil); !errors.Is(err, ErrOfferExhausted) {
		t.Fatalf("draw past cap: err = %v, want ErrOfferExhausted", err)
	}
}

func TestTakeLoanOfferEnforcesDrawBounds(t *testing.T) {
	f := newMarketFixture(t)
	lender := newParty(t)
	offer := f.loanOffer(lender, 1)
	sig := signLoan(t, lender.key, offer)
	borrower := makeAddress("borrower", 3)

	if _, err := f.engine.TakeLoanOffer(borrower, offer, sig, big.NewInt(50), big.NewInt(7), nil); !errors.Is(err, ErrAmountOutOfRange) {
		t.Fatalf("below min: err = %v, want ErrAmountOutOfRange", err)
	}
	if _, err := f.engine.TakeLoanOffer(borrower, offer, sig, big.NewInt(700), big.NewInt(7), nil); !errors.Is(err, ErrAmountOutOfRange) {
		t.Fatalf("above max: err = %v, want ErrAmountOutOfRange", err)
	}
	if _, err := f.engine.TakeLoanOffer(borrower, offer, sig, big.NewInt(0), big.NewInt(7), nil); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("zero draw: err = %v, want ErrInvalidAmount", err)
	}
}

func TestTakeLoanOfferExpired(t *testing.T) {
	f := newMarketFixture(t)
	lender := newParty(t)
	offer := f.loanOffer(lender, 1)
	offer.Expiration = f.now - 1
	sig := signLoan(t, lender.key, offer)

	if _, err := f.engine.TakeLoanOffer(makeAddress("borrower", 3), offer, sig, big.NewInt(400), big.NewInt(7), nil); !errors.Is(err, ErrOfferExpired) {
		t.Fatalf("err = %v, want ErrOfferExpired", err)
	}
}

func TestTakeLoanOfferRejectsBadSignature(t *testing.T) {
	f := newMarketFixture(t)
	lender := newParty(t)
	stranger := newParty(t)
	offer := f.loanOffer(lender, 1)
	sig := signLoan(t, stranger.key, offer)

	if _, err := f.engine.TakeLoanOffer(makeAddress("borrower", 3), offer, sig, big.NewInt(400), big.NewInt(7), nil); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("err = %v, want ErrInvalidSignature", err)
	}
}

func TestTakeLoanOfferWrongToken(t *testing.T) {
	f := newMarketFixture(t)
	lender := newParty(t)
	offer := f.loanOffer(lender, 1)
	sig := signLoan(t, lender.key, offer)

	if _, err := f.engine.TakeLoanOffer(makeAddress("borrower", 3), offer, sig, big.NewInt(400), big.NewInt(8), nil); !errors.Is(err, ErrTermMismatch) {
		t.Fatalf("err = %v, want ErrTermMismatch", err)
	}
}

func TestTakeLoanOfferCriteria(t *testing.T) {
	f := newMarketFixture(t)
	lender := newParty(t)
	borrower := makeAddress("borrower", 3)

	tree := NewCriteriaTree([]*big.Int{big.NewInt(5), big.NewInt(7), big.NewInt(9)})
	offer := f.loanOffer(lender, 1)
	offer.Collateral.Criteria = true
	offer.Collateral.TokenID = nil
	offer.Collateral.CriteriaRoot = tree.Root()
	sig := signLoan(t, lender.key, offer)

	proof, ok := tree.Prove(big.NewInt(7))
	if !ok {
		t.Fatalf("no proof for member token")
	}
	result, err := f.engine.TakeLoanOffer(borrower, offer, sig, big.NewInt(400), big.NewInt(7), proof)
	if err != nil {
		t.Fatalf("criteria draw: %v", err)
	}
	record, err := f.liens.Ledger().Record(result.LienID)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if record.TokenID.Int64() != 7 {
		t.Fatalf("lien token = %s, want 7", record.TokenID)
	}

	if _, err := f.engine.TakeLoanOffer(borrower, offer, sig, big.NewInt(400), big.NewInt(8), proof); !errors.Is(err, ErrCriteria) {
		t.Fatalf("non-member token: err = %v, want ErrCriteria", err)
	}
}

func TestCancelOfferBlocksConsumption(t *testing.T) {
	f := newMarketFixture(t)
	lender := newParty(t)
	offer := f.loanOffer(lender, 1)
	sig := signLoan(t, lender.key, offer)

	if err := f.engine.CancelOffer(makeAddress("stranger", 8), lender.addr, offer.Salt); !errors.Is(err, ErrNotMaker) {
		t.Fatalf("cancel by stranger: err = %v, want ErrNotMaker", err)
	}
	if err := f.engine.CancelOffer(lender.addr, lender.addr, offer.Salt); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := f.engine.TakeLoanOffer(makeAddress("borrower", 3), offer, sig, big.NewInt(400), big.NewInt(7), nil); !errors.Is(err, ErrOfferConsumed) {
		t.Fatalf("take cancelled offer: err = %v, want ErrOfferConsumed", err)
	}
}

func TestBumpNonceInvalidatesOutstandingOffers(t *testing.T) {
	f := newMarketFixture(t)
	lender := newParty(t)
	offer := f.loanOffer(lender, 1)
	sig := signLoan(t, lender.key, offer)

	next, err := f.engine.BumpNonce(lender.addr)
	if err != nil {
		t.Fatalf("bump nonce: %v", err)
	}
	if next != 1 {
		t.Fatalf("nonce = %d, want 1", next)
	}
	if _, err := f.engine.TakeLoanOffer(makeAddress("borrower", 3), offer, sig, big.NewInt(400), big.NewInt(7), nil); !errors.Is(err, ErrOfferConsumed) {
		t.Fatalf("take superseded offer: err = %v, want ErrOfferConsumed", err)
	}
}

func TestTakeBorrowOfferIsOneShot(t *testing.T) {
	f := newMarketFixture(t)
	borrower := newParty(t)
	lender := makeAddress("lender", 1)
	offer := &BorrowOffer{
		Borrower:     borrower.addr,
		FeeRecipient: makeAddress("fees", 2),
		Terms: BorrowOfferTerms{
			Currency:    "USDC",
			Amount:      big.NewInt(500),
			Rate:        1000,
			DefaultRate: 2000,
			FeeRate:     200,
			Period:      monthSeconds,
			GracePeriod: monthSeconds,
			Tenor:       yearSeconds,
		},
		Collateral: Collateral{
			Collection: "VAULTED",
			TokenID:    big.NewInt(7),
			Size:       big.NewInt(1),
		},
		Expiration: yearSeconds,
		Salt:       [32]byte{2},
	}
	sig := signBorrow(t, borrower.key, offer)

	result, err := f.engine.TakeBorrowOffer(lender, offer, sig)
	if err != nil {
		t.Fatalf("take borrow offer: %v", err)
	}
	record, err := f.liens.Ledger().Record(result.LienID)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if record.Lender != lender || record.Borrower != borrower.addr {
		t.Fatalf("lien parties wrong")
	}
	if record.Principal.Int64() != 500 {
		t.Fatalf("principal = %s, want posted 500", record.Principal)
	}

	if _, err := f.engine.TakeBorrowOffer(lender, offer, sig); !errors.Is(err, ErrOfferConsumed) {
		t.Fatalf("second take: err = %v, want ErrOfferConsumed", err)
	}
}

func TestMarketOrderFillsAsk(t *testing.T) {
	f := newMarketFixture(t)
	seller := newParty(t)
	buyer := makeAddress("buyer", 3)
	ask := &MarketOffer{
		Side:     SideAsk,
		Maker:    seller.addr,
		Currency: "USDC",
		Collateral: Collateral{
			Collection: "VAULTED",
			TokenID:    big.NewInt(7),
			Size:       big.NewInt(1),
		},
		Amount:     big.NewInt(500),
		Expiration: yearSeconds,
		Salt:       [32]byte{3},
	}
	sig := signMarket(t, seller.key, ask)

	result, err := f.engine.MarketOrder(buyer, ask, sig, nil, nil)
	if err != nil {
		t.Fatalf("market order: %v", err)
	}
	if result.Net.Int64() != 500 {
		t.Fatalf("net = %s, want 500", result.Net)
	}
	plan := f.settler.last()
	if plan[0].From != buyer || plan[0].To != seller.addr || plan[0].Amount.Int64() != 500 {
		t.Fatalf("cash leg %v", plan[0])
	}
	if plan[1].Kind != lien.TransferCollateral || plan[1].From != seller.addr || plan[1].To != buyer {
		t.Fatalf("collateral leg %v", plan[1])
	}

	if _, err := f.engine.MarketOrder(buyer, ask, sig, nil, nil); !errors.Is(err, ErrOfferConsumed) {
		t.Fatalf("refill: err = %v, want ErrOfferConsumed", err)
	}
}

func TestMarketOrderRejectsFinancedBid(t *testing.T) {
	f := newMarketFixture(t)
	bidder := newParty(t)
	bid := &MarketOffer{
		Side:     SideBid,
		Maker:    bidder.addr,
		Currency: "USDC",
		Collateral: Collateral{
			Collection: "VAULTED",
			TokenID:    big.NewInt(7),
			Size:       big.NewInt(1),
		},
		Amount:       big.NewInt(500),
		WithLoan:     true,
		BorrowAmount: big.NewInt(300),
		Expiration:   yearSeconds,
		Salt:         [32]byte{4},
	}
	sig := signMarket(t, bidder.key, bid)

	if _, err := f.engine.MarketOrder(makeAddress("seller", 5), bid, sig, big.NewInt(7), nil); !errors.Is(err, ErrFinancedOffer) {
		t.Fatalf("err = %v, want ErrFinancedOffer", err)
	}
}

func TestBuyWithLoanSplitsPrice(t *testing.T) {
	f := newMarketFixture(t)
	seller := newParty(t)
	lender := newParty(t)
	buyer := makeAddress("buyer", 3)

	ask := &MarketOffer{
		Side:     SideAsk,
		Maker:    seller.addr,
		Currency: "USDC",
		Collateral: Collateral{
			Collection: "VAULTED",
			TokenID:    big.NewInt(7),
			Size:       big.NewInt(1),
		},
		Amount:     big.NewInt(500),
		Expiration: yearSeconds,
		Salt:       [32]byte{5},
	}
	askSig := signMarket(t, seller.key, ask)
	loan := f.loanOffer(lender, 6)
	loanSig := signLoan(t, lender.key, loan)

	result, err := f.engine.BuyWithLoan(buyer, ask, askSig, loan, loanSig, big.NewInt(300), nil)
	if err != nil {
		t.Fatalf("buy with loan: %v", err)
	}
	plan := f.settler.last()
	if len(plan) != 3 {
		t.Fatalf("plan length = %d, want 3", len(plan))
	}
	if plan[0].From != lender.addr || plan[0].To != seller.addr || plan[0].Amount.Int64() != 300 {
		t.Fatalf("draw leg %v", plan[0])
	}
	if plan[1].From != buyer || plan[1].To != seller.addr || plan[1].Amount.Int64() != 200 {
		t.Fatalf("cash leg %v", plan[1])
	}
	if plan[2].Kind != lien.TransferCollateral || plan[2].From != seller.addr || plan[2].To != f.custody {
		t.Fatalf("collateral leg %v", plan[2])
	}

	record, err := f.liens.Ledger().Record(result.LienID)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if record.Borrower != buyer || record.Principal.Int64() != 300 {
		t.Fatalf("lien record %v / %s", record.Borrower, record.Principal)
	}
}

func TestBuyWithLoanRejectsOverdraw(t *testing.T) {
	f := newMarketFixture(t)
	seller := newParty(t)
	lender := newParty(t)

	ask := &MarketOffer{
		Side:     SideAsk,
		Maker:    seller.addr,
		Currency: "USDC",
		Collateral: Collateral{
			Collection: "VAULTED",
			TokenID:    big.NewInt(7),
			Size:       big.NewInt(1),
		},
		Amount:     big.NewInt(500),
		Expiration: yearSeconds,
		Salt:       [32]byte{7},
	}
	askSig := signMarket(t, seller.key, ask)
	loan := f.loanOffer(lender, 8)
	loanSig := signLoan(t, lender.key, loan)

	// 600 is within the loan offer's own bounds but exceeds the price.
	if _, err := f.engine.BuyWithLoan(makeAddress("buyer", 3), ask, askSig, loan, loanSig, big.NewInt(600), nil); !errors.Is(err, ErrAmountOutOfRange) {
		t.Fatalf("err = %v, want ErrAmountOutOfRange", err)
	}
}

func TestSellIntoFinancedBid(t *testing.T) {
	f := newMarketFixture(t)
	bidder := newParty(t)
	lender := newParty(t)
	seller := makeAddress("seller", 5)

	bid := &MarketOffer{
		Side:     SideBid,
		Maker:    bidder.addr,
		Currency: "USDC",
		Collateral: Collateral{
			Collection: "VAULTED",
			TokenID:    big.NewInt(7),
			Size:       big.NewInt(1),
		},
		Amount:       big.NewInt(500),
		WithLoan:     true,
		BorrowAmount: big.NewInt(300),
		Expiration:   yearSeconds,
		Salt:         [32]byte{9},
	}
	bidSig := signMarket(t, bidder.key, bid)
	loan := f.loanOffer(lender, 10)
	loanSig := signLoan(t, lender.key, loan)

	result, err := f.engine.SellIntoBid(seller, bid, bidSig, loan, loanSig, big.NewInt(7), nil, nil)
	if err != nil {
		t.Fatalf("sell into financed bid: %v", err)
	}
	plan := f.settler.last()
	if len(plan) != 3 {
		t.Fatalf("plan length = %d, want 3", len(plan))
	}
	if plan[0].From != lender.addr || plan[0].To != seller || plan[0].Amount.Int64() != 300 {
		t.Fatalf("draw leg %v", plan[0])
	}
	if plan[1].From != bidder.addr || plan[1].To != seller || plan[1].Amount.Int64() != 200 {
		t.Fatalf("cash leg %v", plan[1])
	}
	if plan[2].Kind != lien.TransferCollateral || plan[2].To != f.custody {
		t.Fatalf("collateral leg %v", plan[2])
	}

	record, err := f.liens.Ledger().Record(result.LienID)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if record.Borrower != bidder.addr || record.Principal.Int64() != 300 {
		t.Fatalf("financed bidder not the borrower: %v / %s", record.Borrower, record.Principal)
	}
}

func TestSellIntoPlainBid(t *testing.T) {
	f := newMarketFixture(t)
	bidder := newParty(t)
	seller := makeAddress("seller", 5)

	bid := &MarketOffer{
		Side:     SideBid,
		Maker:    bidder.addr,
		Currency: "USDC",
		Collateral: Collateral{
			Collection: "VAULTED",
			TokenID:    big.NewInt(7),
			Size:       big.NewInt(1),
		},
		Amount:     big.NewInt(500),
		Expiration: yearSeconds,
		Salt:       [32]byte{11},
	}
	bidSig := signMarket(t, bidder.key, bid)

	result, err := f.engine.SellIntoBid(seller, bid, bidSig, nil, nil, big.NewInt(7), nil, nil)
	if err != nil {
		t.Fatalf("sell into bid: %v", err)
	}
	if result.LienID != 0 {
		t.Fatalf("plain bid originated lien %d", result.LienID)
	}
	plan := f.settler.last()
	if plan[0].From != bidder.addr || plan[0].To != seller || plan[0].Amount.Int64() != 500 {
		t.Fatalf("cash leg %v", plan[0])
	}
	if plan[1].Kind != lien.TransferCollateral || plan[1].From != seller || plan[1].To != bidder.addr {
		t.Fatalf("collateral leg %v", plan[1])
	}
}

// openTestLien parks a big lien in the ledger so the sale and refinance paths
// have real debt to waterfall. The clock fixture sits at half a period, where
// the accrued interest is 83,333,333 and the fee 16,666,666.
func openTestLien(t *testing.T, f *marketFixture, borrower, lender, fee [20]byte) (uint64, *lien.Lien) {
	t.Helper()
	principal := big.NewInt(10_000_000_000)
	record := &lien.Lien{
		Lender:       lender,
		Borrower:     borrower,
		FeeRecipient: fee,
		Currency:     "USDC",
		Collection:   "VAULTED",
		TokenID:      big.NewInt(7),
		Size:         big.NewInt(1),
		Principal:    new(big.Int).Set(principal),
		Rate:         1000,
		DefaultRate:  2000,
		FeeRate:      200,
		Period:       monthSeconds,
		GracePeriod:  monthSeconds,
		Tenor:        yearSeconds,
		Model:        lien.ModelFixed,
		AmountOwed:   new(big.Int).Set(principal),
	}
	id, err := f.liens.Ledger().Open(record)
	if err != nil {
		t.Fatalf("open lien: %v", err)
	}
	return id, record
}

func bigLoanOffer(lender party, salt byte) *LoanOffer {
	offer := validLoanOffer()
	offer.Lender = lender.addr
	offer.Salt = [32]byte{salt}
	offer.Terms.TotalAmount = big.NewInt(20_000_000_000)
	offer.Terms.MinAmount = big.NewInt(1_000_000_000)
	offer.Terms.MaxAmount = big.NewInt(15_000_000_000)
	return offer
}

func TestRefinanceRollsDebtIntoNewLien(t *testing.T) {
	f := newMarketFixture(t)
	oldLender := makeAddress("oldlender", 1)
	fee := makeAddress("fees", 2)
	borrower := makeAddress("borrower", 3)
	newLender := newParty(t)

	id, record := openTestLien(t, f, borrower, oldLender, fee)
	offer := bigLoanOffer(newLender, 12)
	sig := signLoan(t, newLender.key, offer)

	amount := big.NewInt(12_000_000_000)
	result, err := f.engine.Refinance(borrower, id, record, offer, sig, amount, nil)
	if err != nil {
		t.Fatalf("refinance: %v", err)
	}
	if result.ClosedLienID != id {
		t.Fatalf("closed lien = %d, want %d", result.ClosedLienID, id)
	}
	if want := big.NewInt(1_900_000_001); result.Net.Cmp(want) != 0 {
		t.Fatalf("net = %s, want %s", result.Net, want)
	}

	// Draw covers the whole debt: old lender gets principal plus interest,
	// old fee recipient the fees, the borrower the surplus.
	plan := f.settler.last()
	total := big.NewInt(0)
	for _, tr := range plan {
		if tr.Kind != lien.TransferCurrency {
			t.Fatalf("refinance moved collateral: %v", tr)
		}
		if tr.From == newLender.addr {
			total.Add(total, tr.Amount)
		}
	}
	if total.Cmp(amount) != 0 {
		t.Fatalf("new lender contributed %s, want full draw %s", total, amount)
	}

	if err := f.liens.Ledger().Validate(id, record); !errors.Is(err, lien.ErrLienNotFound) {
		t.Fatalf("old lien survives refinance: %v", err)
	}
	next, err := f.liens.Ledger().Record(result.LienID)
	if err != nil {
		t.Fatalf("new record: %v", err)
	}
	if next.Lender != newLender.addr || next.Borrower != borrower {
		t.Fatalf("new lien parties wrong")
	}
	if next.Principal.Cmp(amount) != 0 {
		t.Fatalf("new principal = %s, want %s", next.Principal, amount)
	}
}

func TestRefinanceRequiresBorrower(t *testing.T) {
	f := newMarketFixture(t)
	borrower := makeAddress("borrower", 3)
	newLender := newParty(t)

	id, record := openTestLien(t, f, borrower, makeAddress("oldlender", 1), makeAddress("fees", 2))
	offer := bigLoanOffer(newLender, 13)
	sig := signLoan(t, newLender.key, offer)

	if _, err := f.engine.Refinance(makeAddress("stranger", 8), id, record, offer, sig, big.NewInt(12_000_000_000), nil); !errors.Is(err, lien.ErrNotBorrower) {
		t.Fatalf("err = %v, want ErrNotBorrower", err)
	}
}

func TestBuyInLienWaterfallsPriceThroughDebt(t *testing.T) {
	f := newMarketFixture(t)
	oldLender := makeAddress("oldlender", 1)
	fee := makeAddress("fees", 2)
	borrower := newParty(t)
	buyer := makeAddress("buyer", 4)

	id, record := openTestLien(t, f, borrower.addr, oldLender, fee)
	ask := &MarketOffer{
		Side:     SideAsk,
		Maker:    borrower.addr,
		Currency: "USDC",
		Collateral: Collateral{
			Collection: "VAULTED",
			TokenID:    big.NewInt(7),
			Size:       big.NewInt(1),
		},
		Amount:     big.NewInt(12_000_000_000),
		Expiration: yearSeconds,
		Salt:       [32]byte{14},
	}
	askSig := signMarket(t, borrower.key, ask)

	result, err := f.engine.BuyInLien(buyer, id, record, ask, askSig, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("buy in lien: %v", err)
	}
	if result.LienID != 0 || result.ClosedLienID != id {
		t.Fatalf("settlement ids %d/%d, want 0/%d", result.LienID, result.ClosedLienID, id)
	}
	if want := big.NewInt(1_900_000_001); result.Net.Cmp(want) != 0 {
		t.Fatalf("net = %s, want %s", result.Net, want)
	}

	plan := f.settler.last()
	last := plan[len(plan)-1]
	if last.Kind != lien.TransferCollateral || last.From != f.custody || last.To != buyer {
		t.Fatalf("final leg %v, want custody to buyer", last)
	}
	if err := f.liens.Ledger().Validate(id, record); !errors.Is(err, lien.ErrLienNotFound) {
		t.Fatalf("lien survives sale: %v", err)
	}
}

func TestBuyInLienRequiresBorrowerAsk(t *testing.T) {
	f := newMarketFixture(t)
	borrower := makeAddress("borrower", 3)
	stranger := newParty(t)

	id, record := openTestLien(t, f, borrower, makeAddress("oldlender", 1), makeAddress("fees", 2))
	ask := &MarketOffer{
		Side:     SideAsk,
		Maker:    stranger.addr,
		Currency: "USDC",
		Collateral: Collateral{
			Collection: "VAULTED",
			TokenID:    big.NewInt(7),
			Size:       big.NewInt(1),
		},
		Amount:     big.NewInt(12_000_000_000),
		Expiration: yearSeconds,
		Salt:       [32]byte{15},
	}
	askSig := signMarket(t, stranger.key, ask)

	if _, err := f.engine.BuyInLien(makeAddress("buyer", 4), id, record, ask, askSig, nil, nil, nil, nil); !errors.Is(err, ErrNotMaker) {
		t.Fatalf("err = %v, want ErrNotMaker", err)
	}
}

func TestSellInLienFinancedOpensNewLien(t *testing.T) {
	f := newMarketFixture(t)
	oldLender := makeAddress("oldlender", 1)
	fee := makeAddress("fees", 2)
	borrower := makeAddress("borrower", 3)
	bidder := newParty(t)
	newLender := newParty(t)

	id, record := openTestLien(t, f, borrower, oldLender, fee)
	bid := &MarketOffer{
		Side:     SideBid,
		Maker:    bidder.addr,
		Currency: "USDC",
		Collateral: Collateral{
			Collection: "VAULTED",
			TokenID:    big.NewInt(7),
			Size:       big.NewInt(1),
		},
		Amount:       big.NewInt(12_000_000_000),
		WithLoan:     true,
		BorrowAmount: big.NewInt(8_000_000_000),
		Expiration:   yearSeconds,
		Salt:         [32]byte{16},
	}
	bidSig := signMarket(t, bidder.key, bid)
	loan := bigLoanOffer(newLender, 17)
	loanSig := signLoan(t, newLender.key, loan)

	result, err := f.engine.SellInLien(borrower, id, record, bid, bidSig, loan, loanSig, nil, nil)
	if err != nil {
		t.Fatalf("sell in lien: %v", err)
	}
	if result.ClosedLienID != id || result.LienID == 0 {
		t.Fatalf("settlement ids %d/%d", result.LienID, result.ClosedLienID)
	}

	// The lender's draw lands with the bidder first, then the waterfall runs
	// against the old debt. The collateral never leaves custody.
	plan := f.settler.last()
	if plan[0].From != newLender.addr || plan[0].To != bidder.addr || plan[0].Amount.Cmp(big.NewInt(8_000_000_000)) != 0 {
		t.Fatalf("draw leg %v", plan[0])
	}
	for _, tr := range plan {
		if tr.Kind == lien.TransferCollateral {
			t.Fatalf("collateral moved on a financed in-lien sale: %v", tr)
		}
	}

	next, err := f.liens.Ledger().Record(result.LienID)
	if err != nil {
		t.Fatalf("new record: %v", err)
	}
	if next.Borrower != bidder.addr || next.Lender != newLender.addr {
		t.Fatalf("new lien parties wrong")
	}
	if next.Principal.Cmp(big.NewInt(8_000_000_000)) != 0 {
		t.Fatalf("new principal = %s, want 8000000000", next.Principal)
	}
}

func TestSellInLienRequiresBorrower(t *testing.T) {
	f := newMarketFixture(t)
	borrower := makeAddress("borrower", 3)
	bidder := newParty(t)

	id, record := openTestLien(t, f, borrower, makeAddress("oldlender", 1), makeAddress("fees", 2))
	bid := &MarketOffer{
		Side:     SideBid,
		Maker:    bidder.addr,
		Currency: "USDC",
		Collateral: Collateral{
			Collection: "VAULTED",
			TokenID:    big.NewInt(7),
			Size:       big.NewInt(1),
		},
		Amount:     big.NewInt(12_000_000_000),
		Expiration: yearSeconds,
		Salt:       [32]byte{18},
	}
	bidSig := signMarket(t, bidder.key, bid)

	if _, err := f.engine.SellInLien(makeAddress("stranger", 8), id, record, bid, bidSig, nil, nil, nil, nil); !errors.Is(err, lien.ErrNotBorrower) {
		t.Fatalf("err = %v, want ErrNotBorrower", err)
	}
}

func TestLienSaleRejectsDefaultedLien(t *testing.T) {
	f := newMarketFixture(t)
	borrower := newParty(t)
	id, record := openTestLien(t, f, borrower.addr, makeAddress("oldlender", 1), makeAddress("fees", 2))
	f.now = 3*monthSeconds + 1

	ask := &MarketOffer{
		Side:     SideAsk,
		Maker:    borrower.addr,
		Currency: "USDC",
		Collateral: Collateral{
			Collection: "VAULTED",
			TokenID:    big.NewInt(7),
			Size:       big.NewInt(1),
		},
		Amount:     big.NewInt(12_000_000_000),
		Expiration: yearSeconds,
		Salt:       [32]byte{19},
	}
	askSig := signMarket(t, borrower.key, ask)

	if _, err := f.engine.BuyInLien(makeAddress("buyer", 4), id, record, ask, askSig, nil, nil, nil, nil); !errors.Is(err, lien.ErrLienDefaulted) {
		t.Fatalf("err = %v, want ErrLienDefaulted", err)
	}
}

func TestEngineConsumptionWrittenOnlyAfterSettlement(t *testing.T) {
	f := newMarketFixture(t)
	lender := newParty(t)
	offer := f.loanOffer(lender, 20)
	sig := signLoan(t, lender.key, offer)
	f.settler.err = errors.New("boom")

	if _, err := f.engine.TakeLoanOffer(makeAddress("borrower", 3), offer, sig, big.NewInt(400), big.NewInt(7), nil); err == nil {
		t.Fatalf("expected settlement failure to surface")
	}
	hash, err := offer.Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	taken, err := f.state.AmountTaken(hash)
	if err != nil {
		t.Fatalf("amount taken: %v", err)
	}
	if taken != nil && taken.Sign() != 0 {
		t.Fatalf("draw recorded despite failed settlement: %s", taken)
	}
}
