package storage

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"lienvault/native/lien"
)

func makeAddress(suffix byte) [20]byte {
	var addr [20]byte
	addr[19] = suffix
	return addr
}

func sampleLien() *lien.Lien {
	principal := big.NewInt(10_000_000_000)
	return &lien.Lien{
		Lender:       makeAddress(1),
		Borrower:     makeAddress(2),
		FeeRecipient: makeAddress(3),
		Currency:     "USDC",
		Collection:   "VAULTED",
		TokenID:      big.NewInt(7),
		Size:         big.NewInt(1),
		Principal:    new(big.Int).Set(principal),
		Rate:         1000,
		DefaultRate:  2000,
		FeeRate:      200,
		Period:       2_628_000,
		GracePeriod:  2_628_000,
		Tenor:        31_536_000,
		StartTime:    100,
		Model:        lien.ModelCompound,
		PaidThrough:  100,
		AmountOwed:   new(big.Int).Set(principal),
	}
}

func TestStoreLienRecordRoundTrip(t *testing.T) {
	store := NewStore(NewMemDB())
	record := sampleLien()
	require.NoError(t, store.PutLienRecord(4, record))

	got, ok, err := store.LienRecord(4)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, record, got)

	fpIn, err := record.Fingerprint()
	require.NoError(t, err)
	fpOut, err := got.Fingerprint()
	require.NoError(t, err)
	require.Equal(t, fpIn, fpOut)
}

func TestStoreLedgerStateSurface(t *testing.T) {
	store := NewStore(NewMemDB())

	counter, err := store.LienCounter()
	require.NoError(t, err)
	require.Zero(t, counter)
	require.NoError(t, store.SetLienCounter(9))
	counter, err = store.LienCounter()
	require.NoError(t, err)
	require.Equal(t, uint64(9), counter)

	fp := [32]byte{0xAB}
	_, ok, err := store.LienFingerprint(1)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, store.PutLienFingerprint(1, fp))
	got, ok, err := store.LienFingerprint(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, fp, got)
	require.NoError(t, store.DeleteLienFingerprint(1))
	_, ok, err = store.LienFingerprint(1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreMarketStateSurface(t *testing.T) {
	store := NewStore(NewMemDB())
	maker := makeAddress(4)
	salt := [32]byte{5}
	hash := [32]byte{6}

	cancelled, err := store.OfferCancelled(maker, salt)
	require.NoError(t, err)
	require.False(t, cancelled)
	require.NoError(t, store.SetOfferCancelled(maker, salt))
	cancelled, err = store.OfferCancelled(maker, salt)
	require.NoError(t, err)
	require.True(t, cancelled)
	// The same salt under a different maker is untouched.
	cancelled, err = store.OfferCancelled(makeAddress(9), salt)
	require.NoError(t, err)
	require.False(t, cancelled)

	filled, err := store.OfferFilled(hash)
	require.NoError(t, err)
	require.False(t, filled)
	require.NoError(t, store.SetOfferFilled(hash))
	filled, err = store.OfferFilled(hash)
	require.NoError(t, err)
	require.True(t, filled)

	taken, err := store.AmountTaken(hash)
	require.NoError(t, err)
	require.Zero(t, taken.Sign())
	require.NoError(t, store.SetAmountTaken(hash, big.NewInt(400)))
	taken, err = store.AmountTaken(hash)
	require.NoError(t, err)
	require.Equal(t, int64(400), taken.Int64())

	nonce, err := store.Nonce(maker)
	require.NoError(t, err)
	require.Zero(t, nonce)
	require.NoError(t, store.SetNonce(maker, 3))
	nonce, err = store.Nonce(maker)
	require.NoError(t, err)
	require.Equal(t, uint64(3), nonce)
}

func TestStoreBankStateSurface(t *testing.T) {
	store := NewStore(NewMemDB())
	holder := makeAddress(7)

	balance, err := store.Balance("USDC", holder)
	require.NoError(t, err)
	require.Zero(t, balance.Sign())
	require.NoError(t, store.SetBalance("USDC", holder, big.NewInt(1000)))
	balance, err = store.Balance("USDC", holder)
	require.NoError(t, err)
	require.Equal(t, int64(1000), balance.Int64())

	holding, err := store.CollateralBalance("VAULTED", big.NewInt(7), holder)
	require.NoError(t, err)
	require.Zero(t, holding.Sign())
	require.NoError(t, store.SetCollateralBalance("VAULTED", big.NewInt(7), holder, big.NewInt(1)))
	holding, err = store.CollateralBalance("VAULTED", big.NewInt(7), holder)
	require.NoError(t, err)
	require.Equal(t, int64(1), holding.Int64())
	// Token ids in the same collection are distinct assets.
	holding, err = store.CollateralBalance("VAULTED", big.NewInt(8), holder)
	require.NoError(t, err)
	require.Zero(t, holding.Sign())
}

func TestStoreCommitFlushesAtomically(t *testing.T) {
	db := NewMemDB()
	store := NewStore(db)

	require.NoError(t, store.SetLienCounter(1))
	require.NoError(t, store.SetBalance("USDC", makeAddress(1), big.NewInt(500)))

	// Nothing reaches the database before commit.
	_, ok, err := db.Get(keyLienCounter)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Commit())
	_, ok, err = db.Get(keyLienCounter)
	require.NoError(t, err)
	require.True(t, ok)

	// A fresh store over the same database sees the committed state.
	fresh := NewStore(db)
	counter, err := fresh.LienCounter()
	require.NoError(t, err)
	require.Equal(t, uint64(1), counter)
}

func TestStoreRollbackDiscardsOverlay(t *testing.T) {
	db := NewMemDB()
	store := NewStore(db)
	require.NoError(t, store.SetLienCounter(5))
	require.NoError(t, store.Commit())

	require.NoError(t, store.SetLienCounter(6))
	require.NoError(t, store.PutLienFingerprint(1, [32]byte{1}))
	store.Rollback()

	counter, err := store.LienCounter()
	require.NoError(t, err)
	require.Equal(t, uint64(5), counter)
	_, ok, err := store.LienFingerprint(1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreDeleteShadowsCommittedValue(t *testing.T) {
	db := NewMemDB()
	store := NewStore(db)
	require.NoError(t, store.PutLienFingerprint(1, [32]byte{1}))
	require.NoError(t, store.Commit())

	require.NoError(t, store.DeleteLienFingerprint(1))
	// The pending delete hides the committed value from reads.
	_, ok, err := store.LienFingerprint(1)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Commit())
	_, ok, err = db.Get(idKey(prefixLienFP, 1))
	require.NoError(t, err)
	require.False(t, ok)
}
