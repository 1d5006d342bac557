package sale

import (
	"strconv"

	"halloffame/core/types"
)

const (
	EventTypePurchaseDispatched  = "sale.purchase.dispatched"
	EventTypePurchaseSettled     = "sale.purchase.settled"
	EventTypePurchaseCompensated = "sale.purchase.compensated"
	EventTypeSettlementFault     = "sale.settlement.fault"
	EventTypeConfigUpdated       = "sale.config.updated"
	EventTypeEngineResumed       = "sale.engine.resumed"
)

type saleEvent struct {
	evt *types.Event
}

func (e saleEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e saleEvent) Event() *types.Event { return e.evt }

func newPurchaseDispatchedEvent(p *PendingSettlement) *types.Event {
	return &types.Event{
		Type: EventTypePurchaseDispatched,
		Attributes: map[string]string{
			"id":          p.ID,
			"buyer":       p.Buyer,
			"stage":       p.Stage.String(),
			"requested":   strconv.FormatUint(uint64(p.Requested), 10),
			"unitPrice":   p.UnitPrice.Dec(),
			"escrowed":    p.Escrowed.Dec(),
			"serviceCost": p.ServiceCost.Dec(),
			"newBuyer":    strconv.FormatBool(p.NewBuyer),
		},
		Timestamp: p.CreatedAt,
	}
}

func newSettlementEvent(s *Settlement) *types.Event {
	eventType := EventTypePurchaseSettled
	if s.Failed {
		eventType = EventTypePurchaseCompensated
	}
	attrs := map[string]string{
		"id":         s.ID,
		"buyer":      s.Buyer,
		"stage":      s.Stage.String(),
		"requested":  strconv.FormatUint(uint64(s.Requested), 10),
		"issued":     strconv.FormatUint(uint64(s.Issued), 10),
		"forwarded":  s.Forwarded.Dec(),
		"serviceFee": s.ServiceFee.Dec(),
		"refunded":   s.Refunded.Dec(),
	}
	if s.FailureReason != "" {
		attrs["reason"] = s.FailureReason
	}
	return &types.Event{Type: eventType, Attributes: attrs, Timestamp: s.SettledAt}
}

func newFaultEvent(id string, err error, ts int64) *types.Event {
	return &types.Event{
		Type: EventTypeSettlementFault,
		Attributes: map[string]string{
			"id":     id,
			"reason": RejectReason(err),
			"error":  err.Error(),
		},
		Timestamp: ts,
	}
}

func newConfigUpdatedEvent(caller string, cfg *Config, ts int64) *types.Event {
	signer := ""
	if cfg.SignerPK != nil {
		signer = *cfg.SignerPK
	}
	return &types.Event{
		Type: EventTypeConfigUpdated,
		Attributes: map[string]string{
			"caller":           caller,
			"tokenService":     cfg.TokenService,
			"treasury":         cfg.Treasury,
			"price":            cloneAmount(cfg.Price).Dec(),
			"privateSaleStart": strconv.FormatUint(cfg.PrivateSaleStart, 10),
			"openSaleStart":    strconv.FormatUint(cfg.OpenSaleStart, 10),
			"signerPK":         signer,
		},
		Timestamp: ts,
	}
}

func newResumedEvent(cleared error, ts int64) *types.Event {
	attrs := map[string]string{}
	if cleared != nil {
		attrs["cleared"] = cleared.Error()
	}
	return &types.Event{Type: EventTypeEngineResumed, Attributes: attrs, Timestamp: ts}
}
