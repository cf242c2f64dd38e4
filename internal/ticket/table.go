package ticket

import (
	"sync"
	"sync/atomic"

	"github.com/cehteh/rmrfd/internal/inventory"
)

// Table owns all live tickets and hands drained ones to the remnant pass.
type Table struct {
	mu      sync.Mutex
	tickets map[uint64]*Ticket
	nextID  atomic.Uint64

	drained chan *Ticket
}

// NewTable creates an empty ticket table.
func NewTable() *Table {
	return &Table{
		tickets: make(map[uint64]*Ticket),
		drained: make(chan *Ticket, 128),
	}
}

// Create registers a new ticket for the reserved subdirectory dir.
func (tb *Table) Create(dir string, p Policy) *Ticket {
	t := &Ticket{
		id:     tb.nextID.Add(1),
		dir:    dir,
		policy: p,
		table:  tb,
		keys:   make(map[inventory.Key]contribution),
		notify: make(chan struct{}, 1),
	}
	tb.mu.Lock()
	tb.tickets[t.id] = t
	tb.mu.Unlock()
	return t
}

// Drained yields tickets whose scan finished and whose fully-owned entries
// have all been reclaimed; the scheduler removes their remnants.
func (tb *Table) Drained() <-chan *Ticket {
	return tb.drained
}

// Remove drops a completed ticket from the table.
func (tb *Table) Remove(t *Ticket) {
	tb.mu.Lock()
	delete(tb.tickets, t.id)
	tb.mu.Unlock()
}

// Active returns the number of live tickets.
func (tb *Table) Active() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return len(tb.tickets)
}

// enqueueDrained never blocks the observer callback path; overflow spills
// into a goroutine.
func (tb *Table) enqueueDrained(t *Ticket) {
	select {
	case tb.drained <- t:
	default:
		go func() { tb.drained <- t }()
	}
}

var _ inventory.Observer = (*Ticket)(nil)
