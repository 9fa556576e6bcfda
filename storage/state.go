package storage

import (
	"encoding/binary"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"lienvault/native/lien"
)

// Key prefixes. Fixed-width suffixes (big-endian ids, raw addresses, raw
// hashes) keep every key unambiguous without separators.
var (
	keyLienCounter  = []byte("lien/counter")
	prefixLienFP    = []byte("lien/fp/")
	prefixLienRec   = []byte("lien/rec/")
	prefixCancelled = []byte("mkt/cancel/")
	prefixFilled    = []byte("mkt/fill/")
	prefixTaken     = []byte("mkt/taken/")
	prefixNonce     = []byte("mkt/nonce/")
	prefixBalance   = []byte("bank/bal/")
	prefixHolding   = []byte("bank/col/")
)

// Store persists engine state over a Database. Writes accumulate in an
// overlay until Commit flushes them as one atomic batch; Rollback discards
// them. Each settlement operation runs sanitize-settle-mutate against the
// overlay and commits only on success, so a failed operation leaves the
// backing database untouched.
//
// Reads consult the overlay first, then the database. The daemon serializes
// operation+commit sequences; Store's own mutex only protects the overlay
// from racing readers.
type Store struct {
	db Database

	mu      sync.RWMutex
	overlay map[string][]byte
	deleted map[string]bool
}

// NewStore constructs a state store over the backing database.
func NewStore(db Database) *Store {
	return &Store{
		db:      db,
		overlay: make(map[string][]byte),
		deleted: make(map[string]bool),
	}
}

// Commit flushes every pending write atomically and clears the overlay.
func (s *Store) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := make([]Op, 0, len(s.overlay)+len(s.deleted))
	for key := range s.deleted {
		batch = append(batch, Op{Delete: true, Key: []byte(key)})
	}
	for key, value := range s.overlay {
		batch = append(batch, Op{Key: []byte(key), Value: value})
	}
	if len(batch) == 0 {
		return nil
	}
	if err := s.db.Write(batch); err != nil {
		return err
	}
	s.overlay = make(map[string][]byte)
	s.deleted = make(map[string]bool)
	return nil
}

// Rollback discards every pending write.
func (s *Store) Rollback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overlay = make(map[string][]byte)
	s.deleted = make(map[string]bool)
}

func (s *Store) get(key []byte) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.deleted[string(key)] {
		return nil, false, nil
	}
	if value, ok := s.overlay[string(key)]; ok {
		return value, true, nil
	}
	return s.db.Get(key)
}

func (s *Store) put(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.deleted, string(key))
	s.overlay[string(key)] = value
	return nil
}

func (s *Store) del(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.overlay, string(key))
	s.deleted[string(key)] = true
	return nil
}

func idKey(prefix []byte, id uint64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], id)
	return key
}

func addrKey(prefix []byte, addr [20]byte) []byte {
	return append(append([]byte{}, prefix...), addr[:]...)
}

func hashKey(prefix []byte, hash [32]byte) []byte {
	return append(append([]byte{}, prefix...), hash[:]...)
}

func saltKey(prefix []byte, maker [20]byte, salt [32]byte) []byte {
	key := append(append([]byte{}, prefix...), maker[:]...)
	return append(key, salt[:]...)
}

func tokenAddrKey(prefix []byte, token string, addr [20]byte) []byte {
	key := append(append([]byte{}, prefix...), token...)
	key = append(key, '/')
	return append(key, addr[:]...)
}

func holdingKey(collection string, tokenID *big.Int, addr [20]byte) []byte {
	var padded [32]byte
	tokenID.FillBytes(padded[:])
	key := append(append([]byte{}, prefixHolding...), collection...)
	key = append(key, '/')
	key = append(key, padded[:]...)
	return append(key, addr[:]...)
}

// --- lien.LedgerState ---

func (s *Store) LienCounter() (uint64, error) {
	raw, ok, err := s.get(keyLienCounter)
	if err != nil || !ok {
		return 0, err
	}
	return binary.BigEndian.Uint64(raw), nil
}

func (s *Store) SetLienCounter(next uint64) error {
	raw := make([]byte, 8)
	binary.BigEndian.PutUint64(raw, next)
	return s.put(keyLienCounter, raw)
}

func (s *Store) LienFingerprint(id uint64) ([32]byte, bool, error) {
	raw, ok, err := s.get(idKey(prefixLienFP, id))
	if err != nil || !ok {
		return [32]byte{}, false, err
	}
	var fp [32]byte
	copy(fp[:], raw)
	return fp, true, nil
}

func (s *Store) PutLienFingerprint(id uint64, fp [32]byte) error {
	return s.put(idKey(prefixLienFP, id), fp[:])
}

func (s *Store) DeleteLienFingerprint(id uint64) error {
	return s.del(idKey(prefixLienFP, id))
}

func (s *Store) PutLienRecord(id uint64, l *lien.Lien) error {
	encoded, err := rlp.EncodeToBytes(l)
	if err != nil {
		return err
	}
	return s.put(idKey(prefixLienRec, id), encoded)
}

func (s *Store) LienRecord(id uint64) (*lien.Lien, bool, error) {
	raw, ok, err := s.get(idKey(prefixLienRec, id))
	if err != nil || !ok {
		return nil, false, err
	}
	record := new(lien.Lien)
	if err := rlp.DecodeBytes(raw, record); err != nil {
		return nil, false, err
	}
	return record, true, nil
}

func (s *Store) DeleteLienRecord(id uint64) error {
	return s.del(idKey(prefixLienRec, id))
}

// --- market.State ---

func (s *Store) OfferCancelled(maker [20]byte, salt [32]byte) (bool, error) {
	_, ok, err := s.get(saltKey(prefixCancelled, maker, salt))
	return ok, err
}

func (s *Store) SetOfferCancelled(maker [20]byte, salt [32]byte) error {
	return s.put(saltKey(prefixCancelled, maker, salt), []byte{1})
}

func (s *Store) OfferFilled(hash [32]byte) (bool, error) {
	_, ok, err := s.get(hashKey(prefixFilled, hash))
	return ok, err
}

func (s *Store) SetOfferFilled(hash [32]byte) error {
	return s.put(hashKey(prefixFilled, hash), []byte{1})
}

func (s *Store) AmountTaken(hash [32]byte) (*big.Int, error) {
	raw, ok, err := s.get(hashKey(prefixTaken, hash))
	if err != nil || !ok {
		return big.NewInt(0), err
	}
	return new(big.Int).SetBytes(raw), nil
}

func (s *Store) SetAmountTaken(hash [32]byte, amount *big.Int) error {
	return s.put(hashKey(prefixTaken, hash), amount.Bytes())
}

func (s *Store) Nonce(maker [20]byte) (uint64, error) {
	raw, ok, err := s.get(addrKey(prefixNonce, maker))
	if err != nil || !ok {
		return 0, err
	}
	return binary.BigEndian.Uint64(raw), nil
}

func (s *Store) SetNonce(maker [20]byte, nonce uint64) error {
	raw := make([]byte, 8)
	binary.BigEndian.PutUint64(raw, nonce)
	return s.put(addrKey(prefixNonce, maker), raw)
}

// --- bank.State ---

func (s *Store) Balance(token string, addr [20]byte) (*big.Int, error) {
	raw, ok, err := s.get(tokenAddrKey(prefixBalance, token, addr))
	if err != nil || !ok {
		return big.NewInt(0), err
	}
	return new(big.Int).SetBytes(raw), nil
}

func (s *Store) SetBalance(token string, addr [20]byte, amount *big.Int) error {
	return s.put(tokenAddrKey(prefixBalance, token, addr), amount.Bytes())
}

func (s *Store) CollateralBalance(collection string, tokenID *big.Int, addr [20]byte) (*big.Int, error) {
	raw, ok, err := s.get(holdingKey(collection, tokenID, addr))
	if err != nil || !ok {
		return big.NewInt(0), err
	}
	return new(big.Int).SetBytes(raw), nil
}

func (s *Store) SetCollateralBalance(collection string, tokenID *big.Int, addr [20]byte, amount *big.Int) error {
	return s.put(holdingKey(collection, tokenID, addr), amount.Bytes())
}
