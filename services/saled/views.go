package saled

import (
	"errors"
	"net/http"

	"github.com/holiman/uint256"

	"halloffame/native/sale"
)

const (
	statusPending     = "pending"
	statusSettled     = "settled"
	statusCompensated = "compensated"
	statusFault       = "fault"
)

type purchaseRequest struct {
	Amount          uint32  `json:"amount"`
	PermittedAmount *uint32 `json:"permitted_amount,omitempty"`
	Signature       *string `json:"signature,omitempty"`
	Attached        string  `json:"attached"`
	PrepaidGas      *uint64 `json:"prepaid_gas,omitempty"`
}

type ticketView struct {
	Ticket    string `json:"ticket"`
	Buyer     string `json:"buyer"`
	Requested uint32 `json:"requested"`
	Status    string `json:"status"`
}

type pendingView struct {
	ID          string `json:"id"`
	Buyer       string `json:"buyer"`
	Stage       string `json:"stage"`
	Requested   uint32 `json:"requested"`
	UnitPrice   string `json:"unit_price"`
	Escrowed    string `json:"escrowed"`
	ServiceCost string `json:"service_cost"`
	CreatedAt   int64  `json:"created_at"`
	Status      string `json:"status"`
}

type settlementView struct {
	ID            string       `json:"id"`
	Buyer         string       `json:"buyer"`
	Stage         string       `json:"stage"`
	Requested     uint32       `json:"requested"`
	Issued        uint32       `json:"issued"`
	Tokens        []sale.Token `json:"tokens"`
	UnitPrice     string       `json:"unit_price"`
	Escrowed      string       `json:"escrowed"`
	ServiceCost   string       `json:"service_cost"`
	CreationFee   string       `json:"creation_fee"`
	Forwarded     string       `json:"forwarded"`
	ServiceFee    string       `json:"service_fee"`
	Refunded      string       `json:"refunded"`
	Failed        bool         `json:"failed"`
	FailureReason string       `json:"failure_reason,omitempty"`
	CreatedAt     int64        `json:"created_at"`
	SettledAt     int64        `json:"settled_at"`
	Status        string       `json:"status"`
}

type faultView struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

type configUpdateRequest struct {
	TokenService     *string `json:"token_service,omitempty"`
	Treasury         *string `json:"treasury_id,omitempty"`
	Price            *string `json:"price,omitempty"`
	PrivateSaleStart *uint64 `json:"private_sale_timestamp,omitempty"`
	OpenSaleStart    *uint64 `json:"open_sale_timestamp,omitempty"`
	SignerPK         *string `json:"signer_pk,omitempty"`
	ClearSigner      bool    `json:"clear_signer,omitempty"`
}

func (r configUpdateRequest) toUpdate() (sale.ConfigUpdate, error) {
	upd := sale.ConfigUpdate{
		TokenService:     r.TokenService,
		Treasury:         r.Treasury,
		PrivateSaleStart: r.PrivateSaleStart,
		OpenSaleStart:    r.OpenSaleStart,
		SignerPK:         r.SignerPK,
		ClearSigner:      r.ClearSigner,
	}
	if r.Price != nil {
		price, err := sale.ParseAmount(*r.Price)
		if err != nil {
			return upd, err
		}
		upd.Price = price
	}
	return upd, nil
}

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func newPendingView(p sale.PendingSettlement) pendingView {
	return pendingView{
		ID:          p.ID,
		Buyer:       p.Buyer,
		Stage:       p.Stage.String(),
		Requested:   p.Requested,
		UnitPrice:   decimal(p.UnitPrice),
		Escrowed:    decimal(p.Escrowed),
		ServiceCost: decimal(p.ServiceCost),
		CreatedAt:   p.CreatedAt,
		Status:      statusPending,
	}
}

func newSettlementView(s sale.Settlement) settlementView {
	status := statusSettled
	if s.Failed || s.Issued < s.Requested {
		status = statusCompensated
	}
	tokens := s.Tokens
	if tokens == nil {
		tokens = []sale.Token{}
	}
	return settlementView{
		ID:            s.ID,
		Buyer:         s.Buyer,
		Stage:         s.Stage.String(),
		Requested:     s.Requested,
		Issued:        s.Issued,
		Tokens:        tokens,
		UnitPrice:     decimal(s.UnitPrice),
		Escrowed:      decimal(s.Escrowed),
		ServiceCost:   decimal(s.ServiceCost),
		CreationFee:   decimal(s.CreationFee),
		Forwarded:     decimal(s.Forwarded),
		ServiceFee:    decimal(s.ServiceFee),
		Refunded:      decimal(s.Refunded),
		Failed:        s.Failed,
		FailureReason: s.FailureReason,
		CreatedAt:     s.CreatedAt,
		SettledAt:     s.SettledAt,
		Status:        status,
	}
}

func decimal(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case sale.IsInputFault(err):
		return http.StatusBadRequest
	case errors.Is(err, sale.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, sale.ErrPaused), errors.Is(err, sale.ErrFatal):
		return http.StatusServiceUnavailable
	case errors.Is(err, sale.ErrPurchaseInFlight):
		return http.StatusConflict
	case errors.Is(err, sale.ErrPaymentFailed):
		return http.StatusPaymentRequired
	case errors.Is(err, sale.ErrRejected):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
