package mint

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"halloffame/core/events"
	"halloffame/core/types"
	"halloffame/native/sale"
	"halloffame/storage"
)

var (
	// ErrSoldOut is returned when a request would exceed the max supply.
	ErrSoldOut = errors.New("mint: Player, try again next time")
	// ErrNotAuthorized is returned when the caller is not the owner or an
	// operator.
	ErrNotAuthorized = errors.New("mint: caller is not owner or operator")
	// ErrZeroAmount is returned for empty mint requests.
	ErrZeroAmount = errors.New("mint: amount must be positive")
	// ErrReceiverRequired is returned when no receiver is named.
	ErrReceiverRequired = errors.New("mint: receiver required")
	// ErrTokenNotFound is returned by Token for unknown ids.
	ErrTokenNotFound = errors.New("mint: token not found")
)

const (
	EventTypeTokensMinted = "mint.tokens.minted"

	// DefaultTitle and DefaultMediaCID describe the collection pass.
	DefaultTitle    = "Exverse Pass"
	DefaultMediaCID = "QmTWewETfuHsP3EXJ6zYh1Us6uFs75rXnvyk2ktbidhZmu"
	// DefaultReferenceCID is the directory holding per-token reference JSON.
	DefaultReferenceCID = "QmcjcieB2WvqEQiviJUsfdQ8FqMJT78kobbJgnxE2iK3DG"
)

var nextIDKey = []byte("mint/next")

// Metadata describes an issued token.
type Metadata struct {
	Title     string `json:"title"`
	Media     string `json:"media"`
	Copies    uint64 `json:"copies"`
	IssuedAt  int64  `json:"issued_at"`
	Reference string `json:"reference"`
}

// Record is a stored token with its metadata.
type Record struct {
	TokenID  string   `json:"token_id"`
	OwnerID  string   `json:"owner_id"`
	Metadata Metadata `json:"metadata"`
}

// Options configures a Registry.
type Options struct {
	Owner     string
	Operators []string
	MaxSupply uint64
	// Partial issues whatever supply remains instead of failing the whole
	// request when it cannot be filled.
	Partial bool
}

// Registry issues sequentially numbered tokens up to a fixed supply.
type Registry struct {
	mu        sync.Mutex
	db        storage.Database
	owner     string
	operators map[string]struct{}
	maxSupply uint64
	partial   bool
	nextID    uint64
	emitter   events.Emitter
	nowFn     func() int64
}

type mintEvent struct {
	evt *types.Event
}

func (e mintEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e mintEvent) Event() *types.Event { return e.evt }

// NewRegistry opens a registry over db, resuming the id sequence if one was
// stored.
func NewRegistry(db storage.Database, opts Options) (*Registry, error) {
	if db == nil {
		return nil, fmt.Errorf("mint: database required")
	}
	owner := strings.TrimSpace(opts.Owner)
	if owner == "" {
		return nil, fmt.Errorf("mint: owner required")
	}
	if opts.MaxSupply == 0 {
		return nil, fmt.Errorf("mint: max supply must be positive")
	}
	r := &Registry{
		db:        db,
		owner:     owner,
		operators: make(map[string]struct{}, len(opts.Operators)),
		maxSupply: opts.MaxSupply,
		partial:   opts.Partial,
		nextID:    1,
		emitter:   events.NoopEmitter{},
		nowFn:     func() int64 { return time.Now().UnixNano() },
	}
	for _, op := range opts.Operators {
		if op = strings.TrimSpace(op); op != "" {
			r.operators[op] = struct{}{}
		}
	}
	raw, err := db.Get(nextIDKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("mint: load sequence: %w", err)
	case len(raw) != 8:
		return nil, fmt.Errorf("mint: corrupt sequence")
	default:
		r.nextID = binary.BigEndian.Uint64(raw)
	}
	return r, nil
}

// SetEmitter configures the emitter used for mint events.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	r.emitter = emitter
}

// SetNowFunc overrides the clock used for issued_at (unix nanoseconds).
func (r *Registry) SetNowFunc(now func() int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if now == nil {
		now = func() int64 { return time.Now().UnixNano() }
	}
	r.nowFn = now
}

// IsOwnerOrOperator reports whether caller may mint.
func (r *Registry) IsOwnerOrOperator(caller string) bool {
	caller = strings.TrimSpace(caller)
	if caller == r.owner {
		return true
	}
	_, ok := r.operators[caller]
	return ok
}

// Mint issues amount tokens to receiver. Without partial mode the request is
// all or nothing.
func (r *Registry) Mint(caller, receiver string, amount uint32) ([]sale.Token, error) {
	return r.MintFor(caller, "", receiver, amount)
}

// MintFor is Mint keyed by requestID. A request id that already succeeded
// returns the tokens it issued the first time without minting again. An empty
// requestID disables deduplication.
func (r *Registry) MintFor(caller, requestID, receiver string, amount uint32) ([]sale.Token, error) {
	if !r.IsOwnerOrOperator(caller) {
		return nil, ErrNotAuthorized
	}
	receiver = strings.TrimSpace(receiver)
	if receiver == "" {
		return nil, ErrReceiverRequired
	}
	if amount == 0 {
		return nil, ErrZeroAmount
	}

	requestID = strings.TrimSpace(requestID)

	r.mu.Lock()
	if requestID != "" {
		prior, ok, err := r.requestLocked(requestID)
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		if ok {
			r.mu.Unlock()
			return prior, nil
		}
	}
	remaining := r.remainingLocked()
	count := uint64(amount)
	if count > remaining {
		if !r.partial || remaining == 0 {
			r.mu.Unlock()
			return nil, ErrSoldOut
		}
		count = remaining
	}
	issuedAt := r.nowFn()
	tokens := make([]sale.Token, 0, count)
	next := r.nextID
	for i := uint64(0); i < count; i++ {
		id := strconv.FormatUint(next, 10)
		rec := Record{
			TokenID: id,
			OwnerID: receiver,
			Metadata: Metadata{
				Title:     DefaultTitle,
				Media:     DefaultMediaCID,
				Copies:    1,
				IssuedAt:  issuedAt,
				Reference: DefaultReferenceCID + "/" + id,
			},
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		if err := r.db.Put(tokenKey(id), raw); err != nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("mint: store token %s: %w", id, err)
		}
		tokens = append(tokens, sale.Token{TokenID: id, OwnerID: receiver})
		next++
	}
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], next)
	if err := r.db.Put(nextIDKey, seq[:]); err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("mint: store sequence: %w", err)
	}
	r.nextID = next
	if requestID != "" {
		raw, err := json.Marshal(tokens)
		if err == nil {
			err = r.db.Put(requestKey(requestID), raw)
		}
		if err != nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("mint: store request %s: %w", requestID, err)
		}
	}
	emitter := r.emitter
	r.mu.Unlock()

	attrs := make(map[string]string, 4)
	if requestID != "" {
		attrs["requestId"] = requestID
	}
	ids := make([]string, len(tokens))
	for i, tok := range tokens {
		ids[i] = tok.TokenID
	}
	attrs["owner"] = receiver
	attrs["tokenIds"] = strings.Join(ids, ",")
	attrs["requested"] = strconv.FormatUint(uint64(amount), 10)
	emitter.Emit(mintEvent{evt: &types.Event{
		Type:       EventTypeTokensMinted,
		Attributes: attrs,
		Timestamp:  issuedAt / int64(time.Second),
	}})
	return tokens, nil
}

// Token returns the stored record for id.
func (r *Registry) Token(id string) (Record, error) {
	raw, err := r.db.Get(tokenKey(strings.TrimSpace(id)))
	if errors.Is(err, storage.ErrNotFound) {
		return Record{}, ErrTokenNotFound
	}
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("mint: decode token %s: %w", id, err)
	}
	return rec, nil
}

// Issued reports how many tokens exist.
func (r *Registry) Issued() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextID - 1
}

// Remaining reports how many tokens can still be issued.
func (r *Registry) Remaining() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remainingLocked()
}

// MaxSupply returns the configured supply.
func (r *Registry) MaxSupply() uint64 { return r.maxSupply }

func (r *Registry) remainingLocked() uint64 {
	issued := r.nextID - 1
	if issued >= r.maxSupply {
		return 0
	}
	return r.maxSupply - issued
}

func (r *Registry) requestLocked(id string) ([]sale.Token, bool, error) {
	raw, err := r.db.Get(requestKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("mint: load request %s: %w", id, err)
	}
	var tokens []sale.Token
	if err := json.Unmarshal(raw, &tokens); err != nil {
		return nil, false, fmt.Errorf("mint: decode request %s: %w", id, err)
	}
	return tokens, true, nil
}

func tokenKey(id string) []byte   { return []byte("mint/token/" + id) }
func requestKey(id string) []byte { return []byte("mint/request/" + id) }
