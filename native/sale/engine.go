package sale

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"halloffame/core/events"
	"halloffame/core/types"
	"halloffame/crypto"
	"halloffame/observability"
)

var (
	errNilLedger       = errors.New("sale engine: ledger not configured")
	errNilTokenService = errors.New("sale engine: token service not configured")
	errNilBank         = errors.New("sale engine: bank not configured")
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithEmitter sets the event emitter.
func WithEmitter(emitter events.Emitter) Option {
	return func(e *Engine) {
		if emitter != nil {
			e.emitter = emitter
		}
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *observability.SaleMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithJournal sets the settlement journal.
func WithJournal(j Journal) Option {
	return func(e *Engine) { e.journal = j }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithParams overrides the coordinator parameters.
func WithParams(p Params) Option {
	return func(e *Engine) { e.params = p.normalise() }
}

// WithIDGenerator overrides the correlation id source.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

type pendingEntry struct {
	settlement   PendingSettlement
	ticket       *Ticket
	dispatchedAt time.Time
}

// EngineStatus is an operator snapshot of the coordinator.
type EngineStatus struct {
	Paused   bool   `json:"paused"`
	Halted   bool   `json:"halted"`
	Fault    string `json:"fault,omitempty"`
	InFlight int    `json:"in_flight"`
}

// Engine coordinates purchases between buyers, the Token Service and the
// sale ledger. Each dispatched purchase is reconciled exactly once.
type Engine struct {
	mu sync.Mutex

	ledger  *Ledger
	tokens  TokenService
	bank    Bank
	journal Journal
	emitter events.Emitter
	metrics *observability.SaleMetrics
	logger  *slog.Logger
	clock   func() time.Time
	newID   func() string
	params  Params

	pending  map[string]*pendingEntry
	inFlight map[string]int
	paused   bool
	fault    error
}

// NewEngine wires the coordinator to its collaborators.
func NewEngine(ledger *Ledger, tokens TokenService, bank Bank, opts ...Option) (*Engine, error) {
	if ledger == nil {
		return nil, errNilLedger
	}
	if tokens == nil {
		return nil, errNilTokenService
	}
	if bank == nil {
		return nil, errNilBank
	}
	e := &Engine{
		ledger:   ledger,
		tokens:   tokens,
		bank:     bank,
		emitter:  events.NoopEmitter{},
		logger:   slog.Default(),
		clock:    time.Now,
		newID:    uuid.NewString,
		params:   DefaultParams(),
		pending:  make(map[string]*pendingEntry),
		inFlight: make(map[string]int),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// Params returns the active coordinator parameters.
func (e *Engine) Params() Params { return e.params }

// Ledger exposes the underlying sale ledger.
func (e *Engine) Ledger() *Ledger { return e.ledger }

// BeginPurchase validates the request, collects the attached payment and
// dispatches a mint request. Rejections leave no trace in the ledger.
func (e *Engine) BeginPurchase(ctx context.Context, req PurchaseRequest) (*Ticket, error) {
	buyer := strings.TrimSpace(req.Buyer)
	if buyer == "" {
		return nil, ErrBuyerRequired
	}
	req.Buyer = buyer
	now := e.clock()

	e.mu.Lock()
	entry, stage, err := e.reserveLocked(ctx, req, now)
	if err != nil {
		e.mu.Unlock()
		e.metrics.RecordPurchase(stage.String(), RejectReason(err))
		e.logger.Info("sale purchase rejected",
			"buyer", buyer,
			"stage", stage.String(),
			"amount", req.Amount,
			"reason", RejectReason(err),
			"error", err)
		return nil, err
	}
	p := entry.settlement
	e.pending[p.ID] = entry
	e.inFlight[buyer]++
	inFlight := len(e.pending)
	e.mu.Unlock()

	e.metrics.SetInFlight(inFlight)
	e.metrics.RecordPurchase(stage.String(), "dispatched")
	e.emit(newPurchaseDispatchedEvent(&p))
	e.logger.Info("sale purchase dispatched",
		"id", p.ID,
		"buyer", buyer,
		"stage", stage.String(),
		"amount", p.Requested,
		"escrowed", p.Escrowed.Dec(),
		"service_cost", p.ServiceCost.Dec())

	// The Token Service may complete synchronously, so dispatch happens
	// outside the lock.
	dispatchCtx := context.WithoutCancel(ctx)
	e.tokens.RequestMint(dispatchCtx, MintRequest{
		SettlementID: p.ID,
		Buyer:        buyer,
		Amount:       p.Requested,
		Prepaid:      cloneAmount(p.ServiceCost),
	}, func(outcome Outcome) {
		if _, err := e.OnServiceResult(dispatchCtx, p.ID, outcome); err != nil {
			e.logger.Error("sale settlement callback failed", "id", p.ID, "error", err)
		}
	})
	return entry.ticket, nil
}

func (e *Engine) reserveLocked(ctx context.Context, req PurchaseRequest, now time.Time) (*pendingEntry, Stage, error) {
	if e.fault != nil {
		return nil, StageSoon, ErrHalted
	}
	if e.paused {
		return nil, StageSoon, ErrPaused
	}
	cfg := e.ledger.Config()
	if !cfg.Scheduled() {
		return nil, StageSoon, ErrNotStarted
	}
	if required, ok := e.params.RequiredGas(req.Amount); !ok || req.PrepaidGas < required {
		return nil, StageSoon, ErrNotEnoughGas
	}
	if req.Amount == 0 {
		return nil, StageSoon, ErrZeroAmount
	}

	nowSec := unixSeconds(now)
	stage := StageAt(nowSec, cfg)
	prior, exists, err := e.ledger.sold(req.Buyer)
	if err != nil {
		return nil, stage, fmt.Errorf("sale engine: load buyer: %w", err)
	}
	want := uint64(prior) + uint64(req.Amount)

	switch stage {
	case StageOpen:
		if limit := e.params.OpenPhaseCap; limit > 0 && want > uint64(limit) {
			return nil, stage, ErrTooMuch
		}
	case StagePrivate:
		if req.PermittedAmount == nil || req.Signature == nil {
			return nil, stage, ErrSignatureRequired
		}
		if cfg.SignerPK == nil {
			return nil, stage, ErrNoSigner
		}
		msg := crypto.AllowanceMessage(req.Buyer, *req.PermittedAmount)
		ok, err := crypto.VerifyAllowance(*cfg.SignerPK, *req.Signature, msg)
		if err != nil {
			return nil, stage, inputFault(err)
		}
		if !ok {
			return nil, stage, ErrWrongSignature
		}
		if want > uint64(*req.PermittedAmount) {
			return nil, stage, ErrTooMuch
		}
	default:
		return nil, stage, ErrNotStarted
	}

	attached := cloneAmount(req.Attached)
	price := cloneAmount(cfg.Price)
	units := uint256.NewInt(uint64(req.Amount))
	creation := uint256.NewInt(0)
	if !exists {
		creation = cloneAmount(e.params.AccountCreationCost)
	}
	serviceCost, overflow := new(uint256.Int).MulOverflow(e.params.ServiceCostPerUnit, units)
	if overflow {
		return nil, stage, ErrNotEnoughDeposit
	}
	escrowed, underflow := new(uint256.Int).SubOverflow(attached, creation)
	if underflow {
		return nil, stage, ErrNotEnoughDeposit
	}
	if escrowed, underflow = escrowed.SubOverflow(escrowed, serviceCost); underflow {
		return nil, stage, ErrNotEnoughDeposit
	}
	total, overflow := new(uint256.Int).MulOverflow(units, price)
	if overflow || escrowed.Lt(total) {
		return nil, stage, ErrNotEnoughDeposit
	}

	if e.params.SerializeBuyers && e.inFlight[req.Buyer] > 0 {
		return nil, stage, ErrPurchaseInFlight
	}

	if err := e.bank.Collect(ctx, req.Buyer, attached); err != nil {
		e.logger.Warn("sale payment collection failed", "buyer", req.Buyer, "amount", attached.Dec(), "error", err)
		return nil, stage, fmt.Errorf("%w: %v", ErrPaymentFailed, err)
	}
	if !exists {
		if err := e.ledger.ensureBuyer(req.Buyer); err != nil {
			if refundErr := e.bank.Transfer(ctx, req.Buyer, attached); refundErr != nil {
				e.logger.Error("sale payment return failed", "buyer", req.Buyer, "amount", attached.Dec(), "error", refundErr)
				e.metrics.RecordTransferFailure("refund")
			}
			return nil, stage, fmt.Errorf("sale engine: create buyer account: %w", err)
		}
	}

	id := e.newID()
	p := PendingSettlement{
		ID:             id,
		Buyer:          req.Buyer,
		Stage:          stage,
		Requested:      req.Amount,
		UnitPrice:      price,
		ServicePerUnit: cloneAmount(e.params.ServiceCostPerUnit),
		ServiceCost:    serviceCost,
		Escrowed:       escrowed,
		CreationFee:    creation,
		ServiceAccount: cfg.TokenService,
		NewBuyer:       !exists,
		CreatedAt:      now.Unix(),
	}
	return &pendingEntry{
		settlement:   p,
		ticket:       newTicket(id, req.Buyer, req.Amount),
		dispatchedAt: now,
	}, stage, nil
}

// OnServiceResult reconciles the purchase identified by id with the Token
// Service outcome. It accepts exactly one outcome per dispatched purchase;
// anything else is a fatal fault that halts the engine.
func (e *Engine) OnServiceResult(ctx context.Context, id string, outcome Outcome) (Settlement, error) {
	now := e.clock()

	e.mu.Lock()
	entry, ok := e.pending[id]
	if !ok {
		e.haltLocked(ErrReconcileFault)
		e.mu.Unlock()
		e.reportFault(id, ErrReconcileFault, now)
		return Settlement{}, ErrReconcileFault
	}
	p := entry.settlement
	delete(e.pending, id)
	e.releaseLocked(p.Buyer)

	if !outcome.Valid() {
		e.haltLocked(ErrReconcileFault)
		inFlight := len(e.pending)
		e.mu.Unlock()
		e.metrics.SetInFlight(inFlight)
		e.reportFault(id, ErrReconcileFault, now)
		entry.ticket.resolve(Settlement{}, ErrReconcileFault)
		return Settlement{}, ErrReconcileFault
	}

	if outcome.Unknown() {
		err := fmt.Errorf("%w: %s", ErrOutcomeUnknown, outcome.Reason())
		e.haltLocked(err)
		inFlight := len(e.pending)
		e.mu.Unlock()
		e.metrics.SetInFlight(inFlight)
		e.logger.Error("sale escrow held for unconfirmed mint",
			"id", id,
			"buyer", p.Buyer,
			"requested", p.Requested,
			"escrowed", p.Escrowed.Dec(),
			"service_cost", p.ServiceCost.Dec())
		e.reportFault(id, err, now)
		entry.ticket.resolve(Settlement{}, err)
		return Settlement{}, err
	}

	s, err := computeSettlement(p, outcome, now.Unix())
	if err != nil {
		e.haltLocked(err)
		inFlight := len(e.pending)
		e.mu.Unlock()
		e.metrics.SetInFlight(inFlight)
		e.reportFault(id, err, now)
		entry.ticket.resolve(Settlement{}, err)
		return Settlement{}, err
	}

	treasury := e.ledger.Config().Treasury
	sold, ledgerErr := e.ledger.addSold(p.Buyer, s.Issued)
	if ledgerErr != nil {
		e.haltLocked(fmt.Errorf("%w: %v", ErrFatal, ledgerErr))
	}
	inFlight := len(e.pending)
	e.mu.Unlock()

	if ledgerErr != nil {
		e.logger.Error("sale ledger update failed", "id", id, "buyer", p.Buyer, "issued", s.Issued, "error", ledgerErr)
		e.metrics.RecordFault("ledger")
	}
	e.metrics.SetInFlight(inFlight)

	e.transfer(ctx, id, "treasury", treasury, s.Forwarded)
	e.transfer(ctx, id, "service", p.ServiceAccount, s.ServiceFee)
	e.transfer(ctx, id, "refund", p.Buyer, s.Refunded)

	if e.journal != nil {
		if err := e.journal.RecordSettlement(ctx, s); err != nil {
			e.logger.Error("sale settlement journal failed", "id", id, "error", err)
		}
	}
	e.emit(newSettlementEvent(&s))
	e.metrics.RecordSettlement(settlementResult(&s), s.Requested, s.Issued, now.Sub(entry.dispatchedAt))
	e.logger.Info("sale purchase settled",
		"id", id,
		"buyer", p.Buyer,
		"requested", s.Requested,
		"issued", s.Issued,
		"sold", sold,
		"forwarded", s.Forwarded.Dec(),
		"service_fee", s.ServiceFee.Dec(),
		"refunded", s.Refunded.Dec(),
		"failed", s.Failed)

	entry.ticket.resolve(s, nil)
	return s, nil
}

// computeSettlement splits the reserved funds according to the outcome. A
// failed outcome returns everything except the account creation fee.
func computeSettlement(p PendingSettlement, outcome Outcome, settledAt int64) (Settlement, error) {
	s := Settlement{
		ID:          p.ID,
		Buyer:       p.Buyer,
		Stage:       p.Stage,
		Requested:   p.Requested,
		Tokens:      []Token{},
		UnitPrice:   cloneAmount(p.UnitPrice),
		Escrowed:    cloneAmount(p.Escrowed),
		ServiceCost: cloneAmount(p.ServiceCost),
		CreationFee: cloneAmount(p.CreationFee),
		Forwarded:   uint256.NewInt(0),
		ServiceFee:  uint256.NewInt(0),
		CreatedAt:   p.CreatedAt,
		SettledAt:   settledAt,
	}
	if outcome.Failed() {
		s.Failed = true
		s.FailureReason = outcome.Reason()
		s.Refunded = new(uint256.Int).Add(s.Escrowed, s.ServiceCost)
		return s, nil
	}

	issued := outcome.Issued()
	if issued > int(p.Requested) {
		return Settlement{}, ErrOverIssued
	}
	units := uint256.NewInt(uint64(issued))
	s.Issued = uint32(issued)
	s.Tokens = outcome.Tokens()
	s.Forwarded.Mul(units, s.UnitPrice)
	s.ServiceFee.Mul(units, cloneAmount(p.ServicePerUnit))

	unused, underflow := new(uint256.Int).SubOverflow(s.ServiceCost, s.ServiceFee)
	if underflow {
		return Settlement{}, ErrNegativeRefund
	}
	credit, overflow := new(uint256.Int).AddOverflow(s.Escrowed, unused)
	if overflow {
		return Settlement{}, ErrNegativeRefund
	}
	refund, underflow := new(uint256.Int).SubOverflow(credit, s.Forwarded)
	if underflow {
		return Settlement{}, ErrNegativeRefund
	}
	s.Refunded = refund
	return s, nil
}

func settlementResult(s *Settlement) string {
	switch {
	case s.Failed:
		return "failed"
	case s.Issued < s.Requested:
		return "partial"
	default:
		return "fulfilled"
	}
}

func (e *Engine) transfer(ctx context.Context, id, destination, to string, amount *uint256.Int) {
	if amount == nil || amount.IsZero() {
		return
	}
	if err := e.bank.Transfer(ctx, to, amount); err != nil {
		e.logger.Error("sale settlement transfer failed",
			"id", id,
			"destination", destination,
			"to", to,
			"amount", amount.Dec(),
			"error", err)
		e.metrics.RecordTransferFailure(destination)
		return
	}
	e.metrics.AddVolume(destination, amount)
}

func (e *Engine) releaseLocked(buyer string) {
	if n := e.inFlight[buyer]; n > 1 {
		e.inFlight[buyer] = n - 1
		return
	}
	delete(e.inFlight, buyer)
}

func (e *Engine) haltLocked(err error) {
	if e.fault == nil {
		e.fault = err
	}
	e.metrics.SetHalted(true)
}

func (e *Engine) reportFault(id string, err error, now time.Time) {
	e.logger.Error("sale settlement fault", "id", id, "reason", RejectReason(err), "error", err)
	e.metrics.RecordFault(RejectReason(err))
	e.emit(newFaultEvent(id, err, now.Unix()))
}

// Pause stops new purchases. In-flight purchases still reconcile.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	e.metrics.SetPause(true)
	e.logger.Warn("sale engine paused")
}

// Resume lifts a pause and clears a fatal fault.
func (e *Engine) Resume() {
	e.mu.Lock()
	cleared := e.fault
	e.paused = false
	e.fault = nil
	e.mu.Unlock()
	e.metrics.SetPause(false)
	e.metrics.SetHalted(false)
	e.emit(newResumedEvent(cleared, e.clock().Unix()))
	e.logger.Info("sale engine resumed", "cleared_fault", cleared)
}

// Halted reports whether a fatal fault stopped the engine, and which.
func (e *Engine) Halted() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fault != nil, e.fault
}

// InFlight reports how many purchases await a Token Service outcome.
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Pending returns a copy of the in-flight purchase with the given id.
func (e *Engine) Pending(id string) (PendingSettlement, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.pending[id]
	if !ok {
		return PendingSettlement{}, false
	}
	return entry.settlement, true
}

// Status returns an operator snapshot.
func (e *Engine) Status() EngineStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	status := EngineStatus{Paused: e.paused, Halted: e.fault != nil, InFlight: len(e.pending)}
	if e.fault != nil {
		status.Fault = e.fault.Error()
	}
	return status
}

func (e *Engine) emit(evt *types.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(saleEvent{evt: evt})
}

func unixSeconds(t time.Time) uint64 {
	if sec := t.Unix(); sec > 0 {
		return uint64(sec)
	}
	return 0
}
