package market

import (
	"encoding/hex"
	"strconv"

	"lienvault/core/types"
)

const (
	EventTypeOfferCancelled  = "market.offer.cancelled"
	EventTypeNonceBumped     = "market.nonce.bumped"
	EventTypeLoanOriginated  = "market.loan.originated"
	EventTypeOrderFilled     = "market.order.filled"
	EventTypeRefinanced      = "market.refinanced"
	EventTypeSaleInLien      = "market.sale.in_lien"
	EventTypePurchaseWithLoan = "market.purchase.with_loan"
)

type marketEvent struct {
	evt *types.Event
}

func (e marketEvent) EventType() string { return e.evt.Type }

// Event exposes the full payload for subscribers that log or index it.
func (e marketEvent) Event() *types.Event { return e.evt }

// NewOfferCancelledEvent emits the payload for a maker cancelling one salt.
func NewOfferCancelledEvent(maker [20]byte, salt [32]byte) *types.Event {
	return &types.Event{Type: EventTypeOfferCancelled, Attributes: map[string]string{
		"maker": "0x" + hex.EncodeToString(maker[:]),
		"salt":  hex.EncodeToString(salt[:]),
	}}
}

// NewNonceBumpedEvent emits the payload for bulk offer invalidation.
func NewNonceBumpedEvent(maker [20]byte, nonce uint64) *types.Event {
	return &types.Event{Type: EventTypeNonceBumped, Attributes: map[string]string{
		"maker": "0x" + hex.EncodeToString(maker[:]),
		"nonce": strconv.FormatUint(nonce, 10),
	}}
}

// NewSettlementEvent emits the payload shared by every settlement path,
// carrying the resulting lien ids and the surplus routed to the payee.
func NewSettlementEvent(eventType string, s *Settlement) *types.Event {
	attrs := make(map[string]string)
	if s != nil {
		if s.LienID != 0 {
			attrs["lienId"] = strconv.FormatUint(s.LienID, 10)
		}
		if s.ClosedLienID != 0 {
			attrs["closedLienId"] = strconv.FormatUint(s.ClosedLienID, 10)
		}
		if s.Net != nil {
			attrs["net"] = s.Net.String()
		}
		if s.Debt != nil {
			attrs["principal"] = s.Debt.Principal.String()
			attrs["pastInterest"] = s.Debt.PastInterest.String()
			attrs["pastFee"] = s.Debt.PastFee.String()
			attrs["currentInterest"] = s.Debt.CurrentInterest.String()
			attrs["currentFee"] = s.Debt.CurrentFee.String()
		}
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
