package sale

import (
	"context"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// Stage is the sale phase derived from the configured timestamps.
type Stage uint8

const (
	StageSoon Stage = iota
	StagePrivate
	StageOpen
)

func (s Stage) String() string {
	switch s {
	case StageSoon:
		return "SOON"
	case StagePrivate:
		return "PRIVATE"
	case StageOpen:
		return "OPEN"
	default:
		return fmt.Sprintf("STAGE(%d)", uint8(s))
	}
}

// MarshalText renders the stage as its upper-case name.
func (s Stage) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Motivation is reported alongside the configuration view.
const Motivation = "The zero city is coming. <3 Human Guild!"

// Config is the singleton sale configuration. Timestamps are unix seconds and
// zero means the phase has not been scheduled. A nil SignerPK disables the
// private phase.
type Config struct {
	Owner            string
	Treasury         string
	TokenService     string
	Price            *uint256.Int
	PrivateSaleStart uint64
	OpenSaleStart    uint64
	SignerPK         *string
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Price = cloneAmount(c.Price)
	if c.SignerPK != nil {
		pk := *c.SignerPK
		clone.SignerPK = &pk
	}
	return &clone
}

// Scheduled reports whether both phase timestamps are set.
func (c *Config) Scheduled() bool {
	return c != nil && c.PrivateSaleStart != 0 && c.OpenSaleStart != 0
}

// ConfigUpdate carries a partial configuration change. Nil fields are left
// untouched. ClearSigner removes the signer key and wins over SignerPK.
type ConfigUpdate struct {
	TokenService     *string
	Treasury         *string
	Price            *uint256.Int
	PrivateSaleStart *uint64
	OpenSaleStart    *uint64
	SignerPK         *string
	ClearSigner      bool
}

// Empty reports whether the update changes nothing.
func (u ConfigUpdate) Empty() bool {
	return u.TokenService == nil && u.Treasury == nil && u.Price == nil &&
		u.PrivateSaleStart == nil && u.OpenSaleStart == nil && u.SignerPK == nil && !u.ClearSigner
}

// Token is a unit issued by the Token Service.
type Token struct {
	TokenID string `json:"token_id"`
	OwnerID string `json:"owner_id"`
}

type outcomeKind uint8

const (
	outcomeUnset outcomeKind = iota
	outcomeFailed
	outcomeSucceeded
	outcomeUnknown
)

// Outcome is the single result the Token Service reports for a mint request.
// Build it with Succeeded or Failed; the zero value is not a valid outcome.
type Outcome struct {
	kind   outcomeKind
	tokens []Token
	reason string
}

// Succeeded reports the units the service actually issued, possibly fewer
// than requested.
func Succeeded(tokens []Token) Outcome {
	return Outcome{kind: outcomeSucceeded, tokens: append([]Token(nil), tokens...)}
}

// Failed reports that the service issued nothing.
func Failed(reason error) Outcome {
	msg := "token service failed"
	if reason != nil {
		msg = reason.Error()
	}
	return Outcome{kind: outcomeFailed, reason: msg}
}

// Unknown reports that the service may have issued units but the result could
// not be confirmed. The engine keeps the escrow and halts.
func Unknown(reason error) Outcome {
	msg := "token service outcome unknown"
	if reason != nil {
		msg = reason.Error()
	}
	return Outcome{kind: outcomeUnknown, reason: msg}
}

func (o Outcome) Valid() bool {
	return o.kind == outcomeFailed || o.kind == outcomeSucceeded || o.kind == outcomeUnknown
}
func (o Outcome) Failed() bool  { return o.kind == outcomeFailed }
func (o Outcome) Unknown() bool { return o.kind == outcomeUnknown }
func (o Outcome) Tokens() []Token { return append([]Token(nil), o.tokens...) }
func (o Outcome) Reason() string { return o.reason }
func (o Outcome) Issued() int { return len(o.tokens) }

// PurchaseRequest is what a buyer submits. Attached is the payment sent with
// the call and PrepaidGas the computation budget.
type PurchaseRequest struct {
	Buyer           string
	Amount          uint32
	PermittedAmount *uint32
	Signature       *string
	Attached        *uint256.Int
	PrepaidGas      uint64
}

// MintRequest is dispatched to the Token Service. Prepaid is the service cost
// reserved for the whole request.
type MintRequest struct {
	SettlementID string       `json:"settlement_id"`
	Buyer        string       `json:"receiver_id"`
	Amount       uint32       `json:"amount"`
	Prepaid      *uint256.Int `json:"-"`
}

// TokenService is the external capability that issues units. RequestMint must
// eventually invoke complete exactly once, from any goroutine.
type TokenService interface {
	RequestMint(ctx context.Context, req MintRequest, complete func(Outcome))
}

// Bank moves currency on behalf of the coordinator account. Collect pulls the
// attached payment from the buyer; Transfer pays out of the coordinator.
type Bank interface {
	Collect(ctx context.Context, from string, amount *uint256.Int) error
	Transfer(ctx context.Context, to string, amount *uint256.Int) error
}

// Journal persists settled purchases.
type Journal interface {
	RecordSettlement(ctx context.Context, s Settlement) error
}

// PendingSettlement is the frozen state carried from dispatch to
// reconciliation. Escrowed excludes ServiceCost, which is reserved for the
// Token Service.
type PendingSettlement struct {
	ID             string
	Buyer          string
	Stage          Stage
	Requested      uint32
	UnitPrice      *uint256.Int
	ServicePerUnit *uint256.Int
	ServiceCost    *uint256.Int
	Escrowed       *uint256.Int
	CreationFee    *uint256.Int
	ServiceAccount string
	NewBuyer       bool
	CreatedAt      int64
}

// Settlement is the final record of a reconciled purchase. The attached
// payment always equals CreationFee + Forwarded + ServiceFee + Refunded.
type Settlement struct {
	ID            string       `json:"id"`
	Buyer         string       `json:"buyer"`
	Stage         Stage        `json:"stage"`
	Requested     uint32       `json:"requested"`
	Issued        uint32       `json:"issued"`
	Tokens        []Token      `json:"tokens"`
	UnitPrice     *uint256.Int `json:"-"`
	Escrowed      *uint256.Int `json:"-"`
	ServiceCost   *uint256.Int `json:"-"`
	CreationFee   *uint256.Int `json:"-"`
	Forwarded     *uint256.Int `json:"-"`
	ServiceFee    *uint256.Int `json:"-"`
	Refunded      *uint256.Int `json:"-"`
	Failed        bool         `json:"failed"`
	FailureReason string       `json:"failure_reason,omitempty"`
	CreatedAt     int64        `json:"created_at"`
	SettledAt     int64        `json:"settled_at"`
}

func cloneAmount(v *uint256.Int) *uint256.Int {
	if v == nil {
		return uint256.NewInt(0)
	}
	return new(uint256.Int).Set(v)
}

// ParseAmount parses a non-negative decimal amount.
func ParseAmount(s string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	v, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return v, nil
}
