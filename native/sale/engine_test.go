package sale

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"halloffame/core/events"
	"halloffame/crypto"
	"halloffame/observability"
	"halloffame/storage"
)

const (
	privateStart = 1_000
	openStart    = 2_000
)

type transferRecord struct {
	to     string
	amount *uint256.Int
}

type fakeBank struct {
	mu            sync.Mutex
	collected     map[string]*uint256.Int
	collectCalls  int
	transfers     []transferRecord
	failCollect   bool
	failTransfers map[string]bool
}

func newFakeBank() *fakeBank {
	return &fakeBank{collected: map[string]*uint256.Int{}, failTransfers: map[string]bool{}}
}

func (b *fakeBank) Collect(_ context.Context, from string, amount *uint256.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.collectCalls++
	if b.failCollect {
		return errors.New("insufficient balance")
	}
	prev := b.collected[from]
	if prev == nil {
		prev = uint256.NewInt(0)
	}
	b.collected[from] = new(uint256.Int).Add(prev, amount)
	return nil
}

func (b *fakeBank) Transfer(_ context.Context, to string, amount *uint256.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failTransfers[to] {
		return errors.New("account frozen")
	}
	b.transfers = append(b.transfers, transferRecord{to: to, amount: new(uint256.Int).Set(amount)})
	return nil
}

func (b *fakeBank) paidTo(to string) *uint256.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := uint256.NewInt(0)
	for _, tr := range b.transfers {
		if tr.to == to {
			total.Add(total, tr.amount)
		}
	}
	return total
}

func (b *fakeBank) transferCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.transfers)
}

type fakeTokens struct {
	mu        sync.Mutex
	requests  []MintRequest
	callbacks map[string]func(Outcome)
	// auto, when set, completes requests synchronously inside RequestMint.
	auto func(MintRequest) Outcome
}

func newFakeTokens() *fakeTokens {
	return &fakeTokens{callbacks: map[string]func(Outcome){}}
}

func (f *fakeTokens) RequestMint(_ context.Context, req MintRequest, complete func(Outcome)) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	auto := f.auto
	if auto == nil {
		f.callbacks[req.SettlementID] = complete
	}
	f.mu.Unlock()
	if auto != nil {
		complete(auto(req))
	}
}

func (f *fakeTokens) deliver(t *testing.T, id string, outcome Outcome) {
	t.Helper()
	f.mu.Lock()
	complete, ok := f.callbacks[id]
	delete(f.callbacks, id)
	f.mu.Unlock()
	require.True(t, ok, "no outstanding mint request %s", id)
	complete(outcome)
}

func issue(owner string, n int) []Token {
	tokens := make([]Token, n)
	for i := range tokens {
		tokens[i] = Token{TokenID: fmt.Sprintf("%d", i+1), OwnerID: owner}
	}
	return tokens
}

type fixture struct {
	engine   *Engine
	ledger   *Ledger
	bank     *fakeBank
	tokens   *fakeTokens
	recorder *events.Recorder
	journal  *memJournal
	signer   *crypto.PrivateKey
	mu       sync.Mutex
	now      time.Time
}

type memJournal struct {
	mu      sync.Mutex
	records []Settlement
}

func (j *memJournal) RecordSettlement(_ context.Context, s Settlement) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, s)
	return nil
}

func testParams() Params {
	p := DefaultParams()
	p.ServiceCostPerUnit = uint256.NewInt(1)
	p.AccountCreationCost = uint256.NewInt(3)
	return p
}

func newFixture(t *testing.T, params Params, extra ...Option) *fixture {
	t.Helper()
	signer, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	pk := signer.PubKey().CompressedHex()

	ledger, err := NewLedger(NewKVState(storage.NewMemDB()), &Config{
		Owner:            "owner",
		Treasury:         "treasury",
		TokenService:     "nft",
		Price:            uint256.NewInt(10),
		PrivateSaleStart: privateStart,
		OpenSaleStart:    openStart,
		SignerPK:         &pk,
	}, "operator")
	require.NoError(t, err)

	f := &fixture{
		ledger:   ledger,
		bank:     newFakeBank(),
		tokens:   newFakeTokens(),
		recorder: &events.Recorder{},
		journal:  &memJournal{},
		signer:   signer,
		now:      time.Unix(openStart+10, 0),
	}
	opts := []Option{
		WithParams(params),
		WithEmitter(f.recorder),
		WithJournal(f.journal),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(f.clock),
	}
	f.engine, err = NewEngine(ledger, f.tokens, f.bank, append(opts, extra...)...)
	require.NoError(t, err)
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) at(sec int64) {
	f.mu.Lock()
	f.now = time.Unix(sec, 0)
	f.mu.Unlock()
}

func (f *fixture) request(buyer string, amount uint32, attached uint64) PurchaseRequest {
	gas, _ := f.engine.Params().RequiredGas(amount)
	return PurchaseRequest{
		Buyer:      buyer,
		Amount:     amount,
		Attached:   uint256.NewInt(attached),
		PrepaidGas: gas,
	}
}

func (f *fixture) allowance(t *testing.T, req PurchaseRequest, permitted uint32) PurchaseRequest {
	t.Helper()
	sig, err := crypto.SignAllowance(f.signer, req.Buyer, permitted)
	require.NoError(t, err)
	req.PermittedAmount = &permitted
	req.Signature = &sig
	return req
}

func requireConserved(t *testing.T, attached uint64, s Settlement) {
	t.Helper()
	sum := new(uint256.Int).Add(s.CreationFee, s.Forwarded)
	sum.Add(sum, s.ServiceFee)
	sum.Add(sum, s.Refunded)
	require.Equal(t, uint256.NewInt(attached).Dec(), sum.Dec(), "attached payment must be fully accounted for")
}

func TestFullFulfillmentConservesFunds(t *testing.T) {
	f := newFixture(t, testParams())
	ctx := context.Background()

	ticket, err := f.engine.BeginPurchase(ctx, f.request("alice", 2, 100))
	require.NoError(t, err)
	assert.Equal(t, 1, f.engine.InFlight())

	pending, ok := f.engine.Pending(ticket.ID)
	require.True(t, ok)
	assert.Equal(t, "95", pending.Escrowed.Dec())
	assert.Equal(t, "2", pending.ServiceCost.Dec())
	assert.True(t, pending.NewBuyer)

	f.tokens.deliver(t, ticket.ID, Succeeded(issue("alice", 2)))

	s, err := ticket.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), s.Issued)
	assert.Equal(t, "20", s.Forwarded.Dec())
	assert.Equal(t, "2", s.ServiceFee.Dec())
	assert.Equal(t, "75", s.Refunded.Dec())
	requireConserved(t, 100, s)

	assert.Equal(t, "20", f.bank.paidTo("treasury").Dec())
	assert.Equal(t, "2", f.bank.paidTo("nft").Dec())
	assert.Equal(t, "75", f.bank.paidTo("alice").Dec())

	sold, err := f.ledger.Sold("alice")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), sold)
	assert.Zero(t, f.engine.InFlight())
	assert.Equal(t, []string{EventTypePurchaseDispatched, EventTypePurchaseSettled}, f.recorder.Types())
	require.Len(t, f.journal.records, 1)
	assert.Equal(t, ticket.ID, f.journal.records[0].ID)
}

func TestFailedMintRefundsEverythingButCreation(t *testing.T) {
	f := newFixture(t, testParams())
	ctx := context.Background()

	ticket, err := f.engine.BeginPurchase(ctx, f.request("alice", 2, 100))
	require.NoError(t, err)
	f.tokens.deliver(t, ticket.ID, Failed(errors.New("Player, try again next time")))

	s, err := ticket.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, s.Failed)
	assert.Equal(t, "Player, try again next time", s.FailureReason)
	assert.Zero(t, s.Issued)
	assert.Empty(t, s.Tokens)
	assert.Equal(t, "97", s.Refunded.Dec())
	assert.True(t, s.Forwarded.IsZero())
	requireConserved(t, 100, s)
	assert.True(t, f.bank.paidTo("treasury").IsZero())

	sold, err := f.ledger.Sold("alice")
	require.NoError(t, err)
	assert.Zero(t, sold)
	assert.Contains(t, f.recorder.Types(), EventTypePurchaseCompensated)

	// The account now exists so the creation cost is not charged again.
	ticket, err = f.engine.BeginPurchase(ctx, f.request("alice", 1, 11))
	require.NoError(t, err)
	pending, ok := f.engine.Pending(ticket.ID)
	require.True(t, ok)
	assert.False(t, pending.NewBuyer)
	assert.Equal(t, "10", pending.Escrowed.Dec())
}

func TestFailedMintForReturningBuyerRefundsAttached(t *testing.T) {
	f := newFixture(t, testParams())
	ctx := context.Background()

	first, err := f.engine.BeginPurchase(ctx, f.request("nora", 1, 20))
	require.NoError(t, err)
	f.tokens.deliver(t, first.ID, Succeeded(issue("nora", 1)))
	_, err = first.Wait(ctx)
	require.NoError(t, err)
	refundedBefore := f.bank.paidTo("nora")
	treasuryBefore := f.bank.paidTo("treasury")
	serviceBefore := f.bank.paidTo("nft")

	ticket, err := f.engine.BeginPurchase(ctx, f.request("nora", 1, 50))
	require.NoError(t, err)
	pending, ok := f.engine.Pending(ticket.ID)
	require.True(t, ok)
	require.False(t, pending.NewBuyer)
	f.tokens.deliver(t, ticket.ID, Failed(nil))

	s, err := ticket.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, s.Failed)
	assert.Equal(t, "50", s.Refunded.Dec())
	assert.True(t, s.CreationFee.IsZero())
	assert.True(t, s.ServiceFee.IsZero())
	assert.True(t, s.Forwarded.IsZero())
	requireConserved(t, 50, s)

	refunded := new(uint256.Int).Sub(f.bank.paidTo("nora"), refundedBefore)
	assert.Equal(t, "50", refunded.Dec())
	assert.Equal(t, treasuryBefore.Dec(), f.bank.paidTo("treasury").Dec())
	assert.Equal(t, serviceBefore.Dec(), f.bank.paidTo("nft").Dec())

	sold, err := f.ledger.Sold("nora")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), sold, "failed purchase adds nothing")
}

func TestUnknownOutcomeHoldsEscrowAndHalts(t *testing.T) {
	f := newFixture(t, testParams())
	ctx := context.Background()

	ticket, err := f.engine.BeginPurchase(ctx, f.request("omar", 2, 100))
	require.NoError(t, err)
	f.tokens.deliver(t, ticket.ID, Unknown(errors.New("decode tokens: unexpected end of JSON input")))

	_, err = ticket.Wait(ctx)
	require.ErrorIs(t, err, ErrOutcomeUnknown)
	require.ErrorIs(t, err, ErrFatal)
	assert.Equal(t, "outcome_unknown", RejectReason(err))
	assert.Zero(t, f.bank.transferCount(), "no refund for a mint that may have happened")
	assert.Empty(t, f.journal.records)

	sold, err := f.ledger.Sold("omar")
	require.NoError(t, err)
	assert.Zero(t, sold)

	halted, fault := f.engine.Halted()
	assert.True(t, halted)
	assert.ErrorIs(t, fault, ErrOutcomeUnknown)
	assert.Contains(t, f.recorder.Types(), EventTypeSettlementFault)
	assert.Zero(t, f.engine.InFlight())
}

func TestPartialFulfillmentInPrivatePhase(t *testing.T) {
	f := newFixture(t, testParams())
	f.at(privateStart + 1)
	ctx := context.Background()

	req := f.allowance(t, f.request("bob", 5, 200), 5)
	ticket, err := f.engine.BeginPurchase(ctx, req)
	require.NoError(t, err)
	f.tokens.deliver(t, ticket.ID, Succeeded(issue("bob", 3)))

	s, err := ticket.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, StagePrivate, s.Stage)
	assert.Equal(t, uint32(3), s.Issued)
	assert.Equal(t, "30", s.Forwarded.Dec())
	assert.Equal(t, "3", s.ServiceFee.Dec())
	assert.Equal(t, "164", s.Refunded.Dec())
	requireConserved(t, 200, s)

	sold, err := f.ledger.Sold("bob")
	require.NoError(t, err)
	assert.Equal(t, uint32(3), sold)

	_, err = f.engine.BeginPurchase(ctx, f.allowance(t, f.request("bob", 3, 200), 5))
	require.ErrorIs(t, err, ErrTooMuch)

	ticket, err = f.engine.BeginPurchase(ctx, f.allowance(t, f.request("bob", 2, 200), 5))
	require.NoError(t, err)
	f.tokens.deliver(t, ticket.ID, Succeeded(issue("bob", 2)))
	sold, err = f.ledger.Sold("bob")
	require.NoError(t, err)
	assert.Equal(t, uint32(5), sold)
}

func TestConservationAcrossIssuedCounts(t *testing.T) {
	for issued := 0; issued <= 4; issued++ {
		t.Run(fmt.Sprintf("issued=%d", issued), func(t *testing.T) {
			params := testParams()
			params.OpenPhaseCap = 0
			params.ServiceCostPerUnit = uint256.NewInt(7)
			f := newFixture(t, params)
			ctx := context.Background()

			ticket, err := f.engine.BeginPurchase(ctx, f.request("carol", 4, 1_000))
			require.NoError(t, err)
			f.tokens.deliver(t, ticket.ID, Succeeded(issue("carol", issued)))
			s, err := ticket.Wait(ctx)
			require.NoError(t, err)
			requireConserved(t, 1_000, s)
			assert.Equal(t, uint64(issued*10), s.Forwarded.Uint64())
			assert.Equal(t, uint64(issued*7), s.ServiceFee.Uint64())
		})
	}
}

func TestBeginPurchaseRejectionsHaveNoSideEffects(t *testing.T) {
	other, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	cases := []struct {
		name  string
		at    int64
		setup func(*fixture)
		req   func(*testing.T, *fixture) PurchaseRequest
		want  error
	}{
		{
			name: "soon",
			at:   privateStart - 1,
			req:  func(_ *testing.T, f *fixture) PurchaseRequest { return f.request("dave", 1, 100) },
			want: ErrNotStarted,
		},
		{
			name: "unscheduled",
			at:   openStart + 10,
			setup: func(f *fixture) {
				zero := uint64(0)
				_, err := f.ledger.UpdateConfig("owner", ConfigUpdate{OpenSaleStart: &zero})
				if err != nil {
					panic(err)
				}
			},
			req:  func(_ *testing.T, f *fixture) PurchaseRequest { return f.request("dave", 1, 100) },
			want: ErrNotStarted,
		},
		{
			name: "not enough gas",
			at:   openStart + 10,
			req: func(_ *testing.T, f *fixture) PurchaseRequest {
				req := f.request("dave", 2, 100)
				req.PrepaidGas--
				return req
			},
			want: ErrNotEnoughGas,
		},
		{
			name: "zero amount",
			at:   openStart + 10,
			req:  func(_ *testing.T, f *fixture) PurchaseRequest { return f.request("dave", 0, 100) },
			want: ErrZeroAmount,
		},
		{
			name: "open cap",
			at:   openStart + 10,
			req:  func(_ *testing.T, f *fixture) PurchaseRequest { return f.request("dave", 3, 100) },
			want: ErrTooMuch,
		},
		{
			name: "not enough deposit",
			at:   openStart + 10,
			// 3 creation + 2 service + 20 price
			req:  func(_ *testing.T, f *fixture) PurchaseRequest { return f.request("dave", 2, 24) },
			want: ErrNotEnoughDeposit,
		},
		{
			name: "deposit below creation cost",
			at:   openStart + 10,
			req:  func(_ *testing.T, f *fixture) PurchaseRequest { return f.request("dave", 1, 2) },
			want: ErrNotEnoughDeposit,
		},
		{
			name: "private without allowance",
			at:   privateStart + 1,
			req:  func(_ *testing.T, f *fixture) PurchaseRequest { return f.request("dave", 1, 100) },
			want: ErrSignatureRequired,
		},
		{
			name: "private without signer",
			at:   privateStart + 1,
			setup: func(f *fixture) {
				_, err := f.ledger.UpdateConfig("owner", ConfigUpdate{ClearSigner: true})
				if err != nil {
					panic(err)
				}
			},
			req:  func(t *testing.T, f *fixture) PurchaseRequest { return f.allowance(t, f.request("dave", 1, 100), 2) },
			want: ErrNoSigner,
		},
		{
			name: "private signed by another key",
			at:   privateStart + 1,
			req: func(t *testing.T, f *fixture) PurchaseRequest {
				req := f.request("dave", 1, 100)
				sig, err := crypto.SignAllowance(other, "dave", 2)
				require.NoError(t, err)
				permitted := uint32(2)
				req.PermittedAmount, req.Signature = &permitted, &sig
				return req
			},
			want: ErrWrongSignature,
		},
		{
			name: "private inflated permitted amount",
			at:   privateStart + 1,
			req: func(t *testing.T, f *fixture) PurchaseRequest {
				req := f.allowance(t, f.request("dave", 1, 100), 2)
				inflated := uint32(50)
				req.PermittedAmount = &inflated
				return req
			},
			want: ErrWrongSignature,
		},
		{
			name: "private malformed signature",
			at:   privateStart + 1,
			req: func(t *testing.T, f *fixture) PurchaseRequest {
				req := f.allowance(t, f.request("dave", 1, 100), 2)
				bad := "abcd"
				req.Signature = &bad
				return req
			},
			want: ErrInputFault,
		},
		{
			name: "private over allowance",
			at:   privateStart + 1,
			req:  func(t *testing.T, f *fixture) PurchaseRequest { return f.allowance(t, f.request("dave", 3, 100), 2) },
			want: ErrTooMuch,
		},
		{
			name:  "payment refused",
			at:    openStart + 10,
			setup: func(f *fixture) { f.bank.failCollect = true },
			req:   func(_ *testing.T, f *fixture) PurchaseRequest { return f.request("dave", 1, 100) },
			want:  ErrPaymentFailed,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, testParams())
			f.at(tc.at)
			if tc.setup != nil {
				tc.setup(f)
			}
			ticket, err := f.engine.BeginPurchase(context.Background(), tc.req(t, f))
			require.ErrorIs(t, err, tc.want)
			assert.Nil(t, ticket)
			assert.Zero(t, f.engine.InFlight())
			assert.Zero(t, f.bank.transferCount())
			_, exists, err := f.ledger.sold("dave")
			require.NoError(t, err)
			assert.False(t, exists, "rejected purchase must not create the buyer account")
			assert.NotContains(t, f.recorder.Types(), EventTypePurchaseDispatched)
		})
	}
}

func TestMalformedAllowanceIsInputFault(t *testing.T) {
	f := newFixture(t, testParams())
	f.at(privateStart + 1)
	req := f.allowance(t, f.request("erin", 1, 100), 2)
	short := (*req.Signature)[:100]
	req.Signature = &short

	_, err := f.engine.BeginPurchase(context.Background(), req)
	require.Error(t, err)
	assert.True(t, IsInputFault(err))
	assert.ErrorIs(t, err, crypto.ErrInvalidSignature)
	assert.Equal(t, "input_fault", RejectReason(err))
}

func TestBuyerRequired(t *testing.T) {
	f := newFixture(t, testParams())
	_, err := f.engine.BeginPurchase(context.Background(), f.request("  ", 1, 100))
	require.ErrorIs(t, err, ErrBuyerRequired)
	assert.ErrorIs(t, err, ErrInputFault)
}

func TestOpenPhaseCapCountsPriorPurchases(t *testing.T) {
	f := newFixture(t, testParams())
	ctx := context.Background()

	ticket, err := f.engine.BeginPurchase(ctx, f.request("frank", 1, 100))
	require.NoError(t, err)
	f.tokens.deliver(t, ticket.ID, Succeeded(issue("frank", 1)))

	_, err = f.engine.BeginPurchase(ctx, f.request("frank", 2, 100))
	require.ErrorIs(t, err, ErrTooMuch)

	ticket, err = f.engine.BeginPurchase(ctx, f.request("frank", 1, 100))
	require.NoError(t, err)
	f.tokens.deliver(t, ticket.ID, Succeeded(issue("frank", 1)))

	_, err = f.engine.BeginPurchase(ctx, f.request("frank", 1, 100))
	require.ErrorIs(t, err, ErrTooMuch)
}

func TestOpenPhaseCapDisabled(t *testing.T) {
	params := testParams()
	params.OpenPhaseCap = 0
	f := newFixture(t, params)

	ticket, err := f.engine.BeginPurchase(context.Background(), f.request("gina", 7, 1_000))
	require.NoError(t, err)
	f.tokens.deliver(t, ticket.ID, Succeeded(issue("gina", 7)))
	sold, err := f.ledger.Sold("gina")
	require.NoError(t, err)
	assert.Equal(t, uint32(7), sold)
}

func TestSerializedBuyersRejectConcurrentPurchase(t *testing.T) {
	f := newFixture(t, testParams())
	ctx := context.Background()

	first, err := f.engine.BeginPurchase(ctx, f.request("hank", 2, 100))
	require.NoError(t, err)
	_, err = f.engine.BeginPurchase(ctx, f.request("hank", 2, 100))
	require.ErrorIs(t, err, ErrPurchaseInFlight)

	// Other buyers are unaffected.
	_, err = f.engine.BeginPurchase(ctx, f.request("ivy", 1, 100))
	require.NoError(t, err)

	f.tokens.deliver(t, first.ID, Failed(nil))
	_, err = f.engine.BeginPurchase(ctx, f.request("hank", 2, 100))
	require.NoError(t, err)
}

func TestUnserializedBuyersCanOvershootQuota(t *testing.T) {
	params := testParams()
	params.SerializeBuyers = false
	f := newFixture(t, params)
	ctx := context.Background()

	first, err := f.engine.BeginPurchase(ctx, f.request("jack", 2, 100))
	require.NoError(t, err)
	second, err := f.engine.BeginPurchase(ctx, f.request("jack", 2, 100))
	require.NoError(t, err, "quota reads the confirmed count, which has not moved yet")
	assert.Equal(t, 2, f.engine.InFlight())

	secondPending, ok := f.engine.Pending(second.ID)
	require.True(t, ok)
	assert.False(t, secondPending.NewBuyer, "account was created by the first dispatch")

	f.tokens.deliver(t, first.ID, Succeeded(issue("jack", 2)))
	f.tokens.deliver(t, second.ID, Succeeded(issue("jack", 2)))
	sold, err := f.ledger.Sold("jack")
	require.NoError(t, err)
	assert.Equal(t, uint32(4), sold)
}

func TestSecondDeliveryIsFatal(t *testing.T) {
	f := newFixture(t, testParams())
	ctx := context.Background()

	ticket, err := f.engine.BeginPurchase(ctx, f.request("kate", 2, 100))
	require.NoError(t, err)
	f.tokens.deliver(t, ticket.ID, Succeeded(issue("kate", 2)))
	transfers := f.bank.transferCount()

	_, err = f.engine.OnServiceResult(ctx, ticket.ID, Failed(nil))
	require.ErrorIs(t, err, ErrReconcileFault)
	require.ErrorIs(t, err, ErrFatal)
	assert.Equal(t, transfers, f.bank.transferCount(), "no funds move on a duplicate outcome")

	sold, err := f.ledger.Sold("kate")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), sold)

	halted, fault := f.engine.Halted()
	assert.True(t, halted)
	assert.ErrorIs(t, fault, ErrReconcileFault)
	assert.Contains(t, f.recorder.Types(), EventTypeSettlementFault)

	_, err = f.engine.BeginPurchase(ctx, f.request("liam", 1, 100))
	require.ErrorIs(t, err, ErrHalted)

	f.engine.Resume()
	halted, _ = f.engine.Halted()
	assert.False(t, halted)
	_, err = f.engine.BeginPurchase(ctx, f.request("liam", 1, 100))
	require.NoError(t, err)
}

func TestUnknownSettlementIsFatal(t *testing.T) {
	f := newFixture(t, testParams())
	_, err := f.engine.OnServiceResult(context.Background(), "missing", Succeeded(nil))
	require.ErrorIs(t, err, ErrReconcileFault)
	halted, _ := f.engine.Halted()
	assert.True(t, halted)
}

func TestInvalidOutcomeIsFatal(t *testing.T) {
	f := newFixture(t, testParams())
	ctx := context.Background()
	ticket, err := f.engine.BeginPurchase(ctx, f.request("mia", 1, 100))
	require.NoError(t, err)

	_, err = f.engine.OnServiceResult(ctx, ticket.ID, Outcome{})
	require.ErrorIs(t, err, ErrReconcileFault)
	_, waitErr := ticket.Wait(ctx)
	require.ErrorIs(t, waitErr, ErrReconcileFault)
	assert.Zero(t, f.engine.InFlight())
	assert.Zero(t, f.bank.transferCount())
}

func TestOverIssueHaltsWithoutMovingFunds(t *testing.T) {
	f := newFixture(t, testParams())
	ctx := context.Background()

	ticket, err := f.engine.BeginPurchase(ctx, f.request("noah", 2, 100))
	require.NoError(t, err)
	f.tokens.deliver(t, ticket.ID, Succeeded(issue("noah", 3)))

	_, err = ticket.Wait(ctx)
	require.ErrorIs(t, err, ErrOverIssued)
	assert.Zero(t, f.bank.transferCount())
	sold, err := f.ledger.Sold("noah")
	require.NoError(t, err)
	assert.Zero(t, sold)

	halted, fault := f.engine.Halted()
	assert.True(t, halted)
	assert.ErrorIs(t, fault, ErrOverIssued)
	assert.Equal(t, "halted", RejectReason(ErrHalted))
}

func TestComputeSettlementNegativeRefund(t *testing.T) {
	p := PendingSettlement{
		ID:             "x",
		Requested:      2,
		UnitPrice:      uint256.NewInt(10),
		ServicePerUnit: uint256.NewInt(1),
		ServiceCost:    uint256.NewInt(2),
		// Escrow that no longer covers the price.
		Escrowed:    uint256.NewInt(5),
		CreationFee: uint256.NewInt(0),
	}
	_, err := computeSettlement(p, Succeeded(issue("x", 2)), 0)
	require.ErrorIs(t, err, ErrNegativeRefund)
}

func TestTreasuryIsReadAtReconcile(t *testing.T) {
	f := newFixture(t, testParams())
	ctx := context.Background()

	ticket, err := f.engine.BeginPurchase(ctx, f.request("olga", 1, 100))
	require.NoError(t, err)
	moved := "treasury-v2"
	_, err = f.ledger.UpdateConfig("operator", ConfigUpdate{Treasury: &moved})
	require.NoError(t, err)

	f.tokens.deliver(t, ticket.ID, Succeeded(issue("olga", 1)))
	assert.Equal(t, "10", f.bank.paidTo("treasury-v2").Dec())
	assert.True(t, f.bank.paidTo("treasury").IsZero())
}

func TestPriceIsFrozenAtDispatch(t *testing.T) {
	f := newFixture(t, testParams())
	ctx := context.Background()

	ticket, err := f.engine.BeginPurchase(ctx, f.request("pia", 1, 100))
	require.NoError(t, err)
	_, err = f.ledger.UpdateConfig("owner", ConfigUpdate{Price: uint256.NewInt(50)})
	require.NoError(t, err)

	f.tokens.deliver(t, ticket.ID, Succeeded(issue("pia", 1)))
	s, err := ticket.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "10", s.Forwarded.Dec())
}

func TestTransferFailureIsNotCompensated(t *testing.T) {
	f := newFixture(t, testParams())
	f.bank.failTransfers["treasury"] = true
	ctx := context.Background()

	ticket, err := f.engine.BeginPurchase(ctx, f.request("quin", 1, 100))
	require.NoError(t, err)
	f.tokens.deliver(t, ticket.ID, Succeeded(issue("quin", 1)))
	s, err := ticket.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "86", f.bank.paidTo("quin").Dec())
	assert.Equal(t, "86", s.Refunded.Dec())
	halted, _ := f.engine.Halted()
	assert.False(t, halted)
}

func TestSynchronousTokenServiceDoesNotDeadlock(t *testing.T) {
	f := newFixture(t, testParams(), WithMetrics(observability.Sale()))
	f.tokens.auto = func(req MintRequest) Outcome {
		return Succeeded(issue(req.Buyer, int(req.Amount)))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ticket, err := f.engine.BeginPurchase(ctx, f.request("rosa", 2, 100))
	require.NoError(t, err)
	s, done, err := ticket.Result()
	require.True(t, done)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), s.Issued)
	assert.Equal(t, "2", f.tokens.requests[0].Prepaid.Dec())
}

func TestPauseBlocksNewPurchasesButNotReconciliation(t *testing.T) {
	f := newFixture(t, testParams())
	ctx := context.Background()

	ticket, err := f.engine.BeginPurchase(ctx, f.request("sam", 1, 100))
	require.NoError(t, err)
	f.engine.Pause()
	assert.True(t, f.engine.Status().Paused)

	_, err = f.engine.BeginPurchase(ctx, f.request("tess", 1, 100))
	require.ErrorIs(t, err, ErrPaused)

	f.tokens.deliver(t, ticket.ID, Succeeded(issue("sam", 1)))
	_, err = ticket.Wait(ctx)
	require.NoError(t, err)

	f.engine.Resume()
	_, err = f.engine.BeginPurchase(ctx, f.request("tess", 1, 100))
	require.NoError(t, err)
}

func TestTicketWaitHonoursContext(t *testing.T) {
	f := newFixture(t, testParams())
	ticket, err := f.engine.BeginPurchase(context.Background(), f.request("uma", 1, 100))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = ticket.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	_, done, _ := ticket.Result()
	assert.False(t, done)
}

func TestRequiredGasOverflow(t *testing.T) {
	p := DefaultParams()
	gas, ok := p.RequiredGas(2)
	require.True(t, ok)
	assert.Equal(t, 2*DefaultGasPerUnit+DefaultGasReconcile+DefaultGasPurchase, gas)

	_, ok = p.RequiredGas(^uint32(0))
	assert.False(t, ok)
}
