package saled

import (
	"sync"

	"halloffame/native/sale"
)

const defaultTicketCapacity = 4096

// ticketStore remembers dispatched tickets so purchase status can be polled.
// Once full, the oldest resolved tickets are forgotten; their receipts remain
// in the journal.
type ticketStore struct {
	mu       sync.Mutex
	capacity int
	order    []string
	tickets  map[string]*sale.Ticket
}

func newTicketStore(capacity int) *ticketStore {
	if capacity <= 0 {
		capacity = defaultTicketCapacity
	}
	return &ticketStore{capacity: capacity, tickets: make(map[string]*sale.Ticket)}
}

func (s *ticketStore) put(t *sale.Ticket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[t.ID]; !ok {
		s.order = append(s.order, t.ID)
	}
	s.tickets[t.ID] = t
	if len(s.order) <= s.capacity {
		return
	}
	kept := s.order[:0]
	excess := len(s.order) - s.capacity
	for _, id := range s.order {
		if excess > 0 {
			if _, resolved, _ := s.tickets[id].Result(); resolved {
				delete(s.tickets, id)
				excess--
				continue
			}
		}
		kept = append(kept, id)
	}
	s.order = kept
}

func (s *ticketStore) get(id string) (*sale.Ticket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	return t, ok
}

func (s *ticketStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tickets)
}
