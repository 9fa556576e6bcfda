package lien

import (
	"encoding/hex"
	"strconv"

	"lienvault/core/types"
)

const (
	EventTypeLienOpened  = "lien.opened"
	EventTypeLienPayment = "lien.payment"
	EventTypeLienCured   = "lien.cured"
	EventTypeLienRepaid  = "lien.repaid"
	EventTypeLienClaimed = "lien.claimed"
)

type lienEvent struct {
	evt *types.Event
}

func (e lienEvent) EventType() string { return e.evt.Type }

// Event exposes the full payload for subscribers that log or index it.
func (e lienEvent) Event() *types.Event { return e.evt }

// NewOpenedEvent returns the canonical payload for a freshly originated lien.
func NewOpenedEvent(id uint64, l *Lien) *types.Event {
	return newLienEvent(EventTypeLienOpened, id, l, nil)
}

// NewPaymentEvent returns the itemized payload for an interest or principal
// payment, carrying the full breakdown for off-process reconciliation.
func NewPaymentEvent(id uint64, l *Lien, bd *Breakdown) *types.Event {
	return newLienEvent(EventTypeLienPayment, id, l, bd)
}

// NewCuredEvent returns the payload for a cure payment.
func NewCuredEvent(id uint64, l *Lien, bd *Breakdown) *types.Event {
	return newLienEvent(EventTypeLienCured, id, l, bd)
}

// NewRepaidEvent returns the payload for full settlement and collateral
// return.
func NewRepaidEvent(id uint64, l *Lien, bd *Breakdown) *types.Event {
	return newLienEvent(EventTypeLienRepaid, id, l, bd)
}

// NewClaimedEvent returns the payload for a claim-on-default.
func NewClaimedEvent(id uint64, l *Lien) *types.Event {
	return newLienEvent(EventTypeLienClaimed, id, l, nil)
}

func newLienEvent(eventType string, id uint64, l *Lien, bd *Breakdown) *types.Event {
	attrs := make(map[string]string)
	attrs["lienId"] = strconv.FormatUint(id, 10)
	if l != nil {
		attrs["lender"] = addrHex(l.Lender)
		attrs["borrower"] = addrHex(l.Borrower)
		attrs["currency"] = l.Currency
		attrs["collection"] = l.Collection
		if l.TokenID != nil {
			attrs["tokenId"] = l.TokenID.String()
		}
		if l.AmountOwed != nil {
			attrs["amountOwed"] = l.AmountOwed.String()
		}
		attrs["paidThrough"] = strconv.FormatUint(l.PaidThrough, 10)
	}
	if bd != nil {
		attrs["principal"] = bd.Principal.String()
		attrs["pastInterest"] = bd.PastInterest.String()
		attrs["pastFee"] = bd.PastFee.String()
		attrs["currentInterest"] = bd.CurrentInterest.String()
		attrs["currentFee"] = bd.CurrentFee.String()
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

func addrHex(addr [20]byte) string {
	return "0x" + hex.EncodeToString(addr[:])
}
