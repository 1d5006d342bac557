package sale

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"halloffame/core/events"
)

var errNilState = errors.New("sale ledger: state not configured")

// ConfigView is the public rendering of the sale configuration.
type ConfigView struct {
	Owner            string  `json:"owner_id"`
	Treasury         string  `json:"treasury_id"`
	TokenService     string  `json:"token_service"`
	Price            string  `json:"price"`
	PrivateSaleStart uint64  `json:"private_sale_timestamp"`
	OpenSaleStart    uint64  `json:"open_sale_timestamp"`
	CurrentTimestamp uint64  `json:"current_timestamp"`
	SignerPK         *string `json:"signer_pk"`
	Stage            Stage   `json:"stage"`
	Motivation       string  `json:"motivation"`
}

// StatusView pairs the configuration view with a buyer's purchased count.
type StatusView struct {
	Config ConfigView `json:"config"`
	Sold   uint32     `json:"sold"`
}

// Ledger holds the sale configuration and per-buyer purchase counts.
type Ledger struct {
	mu        sync.RWMutex
	state     State
	cfg       *Config
	operators map[string]struct{}
	emitter   events.Emitter
	nowFn     func() int64
}

// NewLedger loads the configuration from state, seeding it with initial when
// nothing has been stored yet.
func NewLedger(state State, initial *Config, operators ...string) (*Ledger, error) {
	if state == nil {
		return nil, errNilState
	}
	cfg, ok, err := state.LoadConfig()
	if err != nil {
		return nil, err
	}
	if !ok {
		if initial == nil {
			return nil, fmt.Errorf("sale ledger: no stored config and no initial config")
		}
		cfg = initial.Clone()
		if cfg.Price == nil {
			cfg.Price = cloneAmount(DefaultPrice)
		}
		if err := state.StoreConfig(cfg); err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(cfg.Owner) == "" {
		return nil, fmt.Errorf("sale ledger: owner required")
	}
	ops := make(map[string]struct{}, len(operators))
	for _, op := range operators {
		if op = strings.TrimSpace(op); op != "" {
			ops[op] = struct{}{}
		}
	}
	return &Ledger{
		state:     state,
		cfg:       cfg,
		operators: ops,
		emitter:   events.NoopEmitter{},
		nowFn:     func() int64 { return time.Now().Unix() },
	}, nil
}

// SetEmitter configures the emitter used for configuration events.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	l.emitter = emitter
}

// SetNowFunc overrides the clock used for event timestamps.
func (l *Ledger) SetNowFunc(now func() int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	l.nowFn = now
}

// Config returns a copy of the current configuration.
func (l *Ledger) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg.Clone()
}

// Stage derives the stage at now.
func (l *Ledger) Stage(now uint64) Stage {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return StageAt(now, l.cfg)
}

// Sold returns the confirmed units purchased by buyer. Unknown buyers have
// purchased zero.
func (l *Ledger) Sold(buyer string) (uint32, error) {
	sold, _, err := l.sold(buyer)
	return sold, err
}

func (l *Ledger) sold(buyer string) (uint32, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.SoldGet(buyer)
}

// IsOwnerOrOperator reports whether caller may change the configuration.
func (l *Ledger) IsOwnerOrOperator(caller string) bool {
	caller = strings.TrimSpace(caller)
	if caller == "" {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if caller == l.cfg.Owner {
		return true
	}
	_, ok := l.operators[caller]
	return ok
}

// View renders the configuration at now.
func (l *Ledger) View(now uint64) ConfigView {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var signer *string
	if l.cfg.SignerPK != nil {
		pk := *l.cfg.SignerPK
		signer = &pk
	}
	return ConfigView{
		Owner:            l.cfg.Owner,
		Treasury:         l.cfg.Treasury,
		TokenService:     l.cfg.TokenService,
		Price:            cloneAmount(l.cfg.Price).Dec(),
		PrivateSaleStart: l.cfg.PrivateSaleStart,
		OpenSaleStart:    l.cfg.OpenSaleStart,
		CurrentTimestamp: now,
		SignerPK:         signer,
		Stage:            StageAt(now, l.cfg),
		Motivation:       Motivation,
	}
}

// Status renders the configuration together with buyer's purchased count.
func (l *Ledger) Status(buyer string, now uint64) (StatusView, error) {
	sold, err := l.Sold(buyer)
	if err != nil {
		return StatusView{}, err
	}
	return StatusView{Config: l.View(now), Sold: sold}, nil
}

// UpdateConfig applies the non-nil fields of upd. Only the owner or an
// operator may call it.
func (l *Ledger) UpdateConfig(caller string, upd ConfigUpdate) (*Config, error) {
	if !l.IsOwnerOrOperator(caller) {
		return nil, ErrUnauthorized
	}
	l.mu.Lock()
	next := l.cfg.Clone()
	if upd.TokenService != nil {
		next.TokenService = strings.TrimSpace(*upd.TokenService)
	}
	if upd.Treasury != nil {
		next.Treasury = strings.TrimSpace(*upd.Treasury)
	}
	if upd.Price != nil {
		next.Price = cloneAmount(upd.Price)
	}
	if upd.PrivateSaleStart != nil {
		next.PrivateSaleStart = *upd.PrivateSaleStart
	}
	if upd.OpenSaleStart != nil {
		next.OpenSaleStart = *upd.OpenSaleStart
	}
	if upd.SignerPK != nil {
		pk := strings.TrimSpace(*upd.SignerPK)
		next.SignerPK = &pk
	}
	if upd.ClearSigner {
		next.SignerPK = nil
	}
	if err := l.state.StoreConfig(next); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	l.cfg = next
	emitter, ts := l.emitter, l.nowFn()
	l.mu.Unlock()

	emitter.Emit(saleEvent{evt: newConfigUpdatedEvent(caller, next, ts)})
	return next.Clone(), nil
}

// ensureBuyer creates the buyer account with a zero count if it is missing.
func (l *Ledger) ensureBuyer(buyer string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok, err := l.state.SoldGet(buyer)
	if err != nil || ok {
		return err
	}
	return l.state.SoldPut(buyer, 0)
}

// addSold increases the buyer's count by the confirmed issued units.
func (l *Ledger) addSold(buyer string, issued uint32) (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	prior, _, err := l.state.SoldGet(buyer)
	if err != nil {
		return 0, err
	}
	next := prior + issued
	if next < prior {
		return prior, fmt.Errorf("sale ledger: sold counter overflow for %s", buyer)
	}
	if issued == 0 {
		return prior, nil
	}
	return next, l.state.SoldPut(buyer, next)
}

var _ events.Event = saleEvent{}
