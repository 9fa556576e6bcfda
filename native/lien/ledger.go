package lien

import (
	"sync"
)

// LedgerState is the persistence surface the ledger requires. Implementations
// must apply the writes of one settlement operation atomically.
type LedgerState interface {
	LienCounter() (uint64, error)
	SetLienCounter(next uint64) error
	LienFingerprint(id uint64) ([32]byte, bool, error)
	PutLienFingerprint(id uint64, fp [32]byte) error
	DeleteLienFingerprint(id uint64) error
	// The full record is stored alongside the fingerprint for read paths;
	// the fingerprint remains the sole integrity gate on mutations.
	PutLienRecord(id uint64, l *Lien) error
	LienRecord(id uint64) (*Lien, bool, error)
	DeleteLienRecord(id uint64) error
}

// Ledger is the authoritative store of lien fingerprints. Identifiers are
// monotonically increasing and never reused, including across restarts.
type Ledger struct {
	state LedgerState

	mu sync.Mutex
}

// NewLedger constructs a ledger bound to the supplied state backend.
func NewLedger(state LedgerState) *Ledger {
	return &Ledger{state: state}
}

// Open allocates a fresh identifier for the lien and stores its fingerprint
// and record. The caller supplies a fully initialised record (paid-through
// set to origination time, amount owed set to principal).
func (g *Ledger) Open(l *Lien) (uint64, error) {
	if g == nil || g.state == nil {
		return 0, ErrNilState
	}
	sanitized, err := SanitizeLien(l)
	if err != nil {
		return 0, err
	}
	fp, err := sanitized.Fingerprint()
	if err != nil {
		return 0, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	next, err := g.state.LienCounter()
	if err != nil {
		return 0, err
	}
	id := next + 1
	if err := g.state.SetLienCounter(id); err != nil {
		return 0, err
	}
	if err := g.state.PutLienFingerprint(id, fp); err != nil {
		return 0, err
	}
	if err := g.state.PutLienRecord(id, sanitized); err != nil {
		return 0, err
	}
	return id, nil
}

// Validate recomputes the candidate's fingerprint and compares it against the
// stored one. Failure is ErrStaleLien and is never corrected silently: this
// check is the only thing standing between a caller and operating on forged
// or outdated loan terms, so every mutating path runs it first.
func (g *Ledger) Validate(id uint64, candidate *Lien) error {
	if g == nil || g.state == nil {
		return ErrNilState
	}
	stored, ok, err := g.state.LienFingerprint(id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLienNotFound
	}
	fp, err := candidate.Fingerprint()
	if err != nil {
		return err
	}
	if fp != stored {
		return ErrStaleLien
	}
	return nil
}

// Mutate overwrites the stored fingerprint and record. The caller is
// responsible for having validated the predecessor and for producing a next
// record that differs only in the mutable state fields.
func (g *Ledger) Mutate(id uint64, next *Lien) error {
	if g == nil || g.state == nil {
		return ErrNilState
	}
	sanitized, err := SanitizeLien(next)
	if err != nil {
		return err
	}
	fp, err := sanitized.Fingerprint()
	if err != nil {
		return err
	}
	if err := g.state.PutLienFingerprint(id, fp); err != nil {
		return err
	}
	return g.state.PutLienRecord(id, sanitized)
}

// Close removes the lien entirely. Any later Validate against the identifier
// fails with ErrLienNotFound.
func (g *Ledger) Close(id uint64) error {
	if g == nil || g.state == nil {
		return ErrNilState
	}
	if err := g.state.DeleteLienFingerprint(id); err != nil {
		return err
	}
	return g.state.DeleteLienRecord(id)
}

// Record returns the stored copy of a lien for read-only surfaces.
func (g *Ledger) Record(id uint64) (*Lien, error) {
	if g == nil || g.state == nil {
		return nil, ErrNilState
	}
	l, ok, err := g.state.LienRecord(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLienNotFound
	}
	return l.Clone(), nil
}
