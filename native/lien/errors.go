package lien

import "errors"

// Every error below aborts the whole operation that raised it; no partial
// payment, transfer or state update survives. Callers correct the condition
// and resubmit.
var (
	// ErrStaleLien is returned when a supplied lien record's fingerprint does
	// not match the ledger. It guards every mutation and fund movement.
	ErrStaleLien = errors.New("lien: stale or forged lien record")
	// ErrLienNotFound is returned when the identifier has no ledger entry.
	ErrLienNotFound = errors.New("lien: not found")
	// ErrLienDefaulted rejects borrower operations on a defaulted lien.
	ErrLienDefaulted = errors.New("lien: defaulted")
	// ErrLienNotDefaulted rejects a claim on a healthy lien.
	ErrLienNotDefaulted = errors.New("lien: not defaulted")
	// ErrLienNotDelinquent rejects a cure when nothing is past due.
	ErrLienNotDelinquent = errors.New("lien: not delinquent")
	// ErrNotBorrower rejects payment operations from anyone else.
	ErrNotBorrower = errors.New("lien: caller is not the borrower")
	// ErrLienMatured rejects partial payments once the tenor has run out.
	// Past maturity the watermark has nowhere left to advance, so the only
	// exits are full repayment or, after the grace window, claim.
	ErrLienMatured = errors.New("lien: past maturity")
	// ErrNilState is returned when an engine was not wired to a state store.
	ErrNilState = errors.New("lien: state not configured")
)
