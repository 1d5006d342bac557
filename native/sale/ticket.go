package sale

import (
	"context"
	"sync"
)

// Ticket tracks a dispatched purchase until it is reconciled.
type Ticket struct {
	ID        string
	Buyer     string
	Requested uint32

	once       sync.Once
	done       chan struct{}
	settlement Settlement
	err        error
}

func newTicket(id, buyer string, requested uint32) *Ticket {
	return &Ticket{ID: id, Buyer: buyer, Requested: requested, done: make(chan struct{})}
}

func (t *Ticket) resolve(s Settlement, err error) {
	t.once.Do(func() {
		t.settlement = s
		t.err = err
		close(t.done)
	})
}

// Done is closed once the purchase has been reconciled or faulted.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Wait blocks until the purchase settles or ctx is done.
func (t *Ticket) Wait(ctx context.Context) (Settlement, error) {
	select {
	case <-t.done:
		return t.settlement, t.err
	case <-ctx.Done():
		return Settlement{}, ctx.Err()
	}
}

// Result returns the settlement without blocking. ok is false while the
// purchase is still awaiting the Token Service.
func (t *Ticket) Result() (Settlement, bool, error) {
	select {
	case <-t.done:
		return t.settlement, true, t.err
	default:
		return Settlement{}, false, nil
	}
}
