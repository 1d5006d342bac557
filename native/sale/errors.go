package sale

import (
	"errors"
	"fmt"

	"halloffame/crypto"
)

// Error classes. Every error returned by the engine wraps exactly one of them.
var (
	// ErrInputFault marks malformed caller or configuration input.
	ErrInputFault = errors.New("sale: input fault")
	// ErrRejected marks an ordinary eligibility or budget rejection.
	ErrRejected = errors.New("sale: rejected")
	// ErrFatal marks a broken invariant or a compromised environment. The
	// engine halts until an operator resumes it.
	ErrFatal = errors.New("sale: fatal")
)

var (
	ErrNotStarted        = classed(ErrRejected, "sale not started")
	ErrNotEnoughGas      = classed(ErrRejected, "not enough prepaid gas")
	ErrNotEnoughDeposit  = classed(ErrRejected, "not enough attached deposit")
	ErrTooMuch           = classed(ErrRejected, "purchase exceeds quota")
	ErrZeroAmount        = classed(ErrRejected, "amount must be positive")
	ErrSignatureRequired = classed(ErrRejected, "private sale requires permitted amount and signature")
	ErrNoSigner          = classed(ErrRejected, "private sale signer not configured")
	ErrWrongSignature    = classed(ErrRejected, "allowance signature does not match")
	ErrPurchaseInFlight  = classed(ErrRejected, "purchase already in flight for buyer")
	ErrPaymentFailed     = classed(ErrRejected, "attached payment could not be collected")
	ErrPaused            = classed(ErrRejected, "sale engine paused")
	ErrUnauthorized      = classed(ErrRejected, "caller is not owner or operator")
	ErrBuyerRequired     = classed(ErrInputFault, "buyer identity required")

	ErrReconcileFault = classed(ErrFatal, "reconciliation invoked without exactly one pending outcome")
	ErrOverIssued     = classed(ErrFatal, "token service issued more units than requested")
	ErrNegativeRefund = classed(ErrFatal, "computed refund is negative")
	ErrHalted         = classed(ErrFatal, "sale engine halted after fatal fault")
	ErrOutcomeUnknown = classed(ErrFatal, "token service outcome could not be confirmed")
)

type classedError struct {
	class error
	msg   string
}

func classed(class error, msg string) error { return &classedError{class: class, msg: msg} }

func (e *classedError) Error() string { return "sale: " + e.msg }

func (e *classedError) Unwrap() error { return e.class }

// inputFault wraps a malformed allowance encoding so callers can match both
// ErrInputFault and the crypto sentinel.
func inputFault(err error) error {
	return fmt.Errorf("%w: %w", ErrInputFault, err)
}

// IsInputFault reports whether err stems from malformed cryptographic input.
func IsInputFault(err error) bool {
	return errors.Is(err, ErrInputFault) ||
		errors.Is(err, crypto.ErrInvalidPublicKey) ||
		errors.Is(err, crypto.ErrInvalidSignature)
}

// RejectReason maps an error to a stable label for metrics and API payloads.
func RejectReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotStarted):
		return "not_started"
	case errors.Is(err, ErrNotEnoughGas):
		return "not_enough_gas"
	case errors.Is(err, ErrNotEnoughDeposit):
		return "not_enough_deposit"
	case errors.Is(err, ErrTooMuch):
		return "too_much"
	case errors.Is(err, ErrZeroAmount):
		return "zero_amount"
	case errors.Is(err, ErrSignatureRequired):
		return "signature_required"
	case errors.Is(err, ErrNoSigner):
		return "no_signer"
	case errors.Is(err, ErrWrongSignature):
		return "wrong_signature"
	case errors.Is(err, ErrPurchaseInFlight):
		return "in_flight"
	case errors.Is(err, ErrPaymentFailed):
		return "payment_failed"
	case errors.Is(err, ErrPaused):
		return "paused"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrHalted):
		return "halted"
	case errors.Is(err, ErrOutcomeUnknown):
		return "outcome_unknown"
	case IsInputFault(err):
		return "input_fault"
	case errors.Is(err, ErrFatal):
		return "fatal"
	default:
		return "error"
	}
}
