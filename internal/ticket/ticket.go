// Package ticket tracks one deletion request per caller session: the
// reserved staging subdirectory, the synchronicity policy, and reclamation
// progress. Tickets observe the inventory; they never duplicate its state.
package ticket

import (
	"context"
	"sync"

	"github.com/cehteh/rmrfd/internal/inventory"
)

// Kind selects how long a session blocks on its ticket.
type Kind int

const (
	// Async completes at accept time without waiting for anything.
	Async Kind = iota
	// KnownSize completes once the subtree scan finished and the total
	// size is known; reclamation continues in the background.
	KnownSize
	// Percent blocks until the given share of the tracked bytes is freed,
	// or the ticket fully completes, whichever happens first.
	Percent
)

// Policy is a ticket's synchronicity selection.
type Policy struct {
	Kind    Kind
	Percent int // 1..100, Kind == Percent only
}

// PolicyFor maps the wire-level percent value to a policy: 0 selects
// KnownSize, 1..100 select Percent. Async never reaches the wire; it is the
// caller-side convention of skipping the SYNC exchange.
func PolicyFor(percent int) Policy {
	if percent <= 0 {
		return Policy{Kind: KnownSize}
	}
	return Policy{Kind: Percent, Percent: percent}
}

// contribution is the per-inode bookkeeping of a ticket.
type contribution int8

const (
	contribPartial contribution = iota
	contribOwned
	contribDone
)

// Ticket is a single deletion request with its progress state.
type Ticket struct {
	id     uint64
	dir    string
	policy Policy
	table  *Table

	mu            sync.Mutex
	keys          map[inventory.Key]contribution
	totalBytes    int64
	freedBytes    int64
	pendingOwned  int
	scanDone      bool
	remnantQueued bool
	complete      bool
	notify        chan struct{}
}

// ID returns the ticket's identifier.
func (t *Ticket) ID() uint64 { return t.id }

// Dir returns the reserved staging subdirectory the ticket observes.
func (t *Ticket) Dir() string { return t.dir }

// Policy returns the ticket's synchronicity policy.
func (t *Ticket) Policy() Policy { return t.policy }

// EntryTracked records a newly staged path of an inode contributing to this
// ticket. Multiple staged paths of one inode within the subtree count its
// size once.
func (t *Ticket) EntryTracked(k inventory.Key, bytes int64, fullyOwned bool) {
	t.mu.Lock()
	if _, seen := t.keys[k]; seen {
		t.mu.Unlock()
		return
	}
	if fullyOwned {
		t.keys[k] = contribOwned
		t.pendingOwned++
	} else {
		t.keys[k] = contribPartial
	}
	t.totalBytes += bytes
	t.maybeDrainedLocked()
	t.mu.Unlock()
	t.signal()
}

// EntryPromoted marks a previously partial contribution fully owned.
func (t *Ticket) EntryPromoted(k inventory.Key, _ int64) {
	t.mu.Lock()
	if c, ok := t.keys[k]; ok && c == contribPartial {
		t.keys[k] = contribOwned
		t.pendingOwned++
	}
	t.mu.Unlock()
	t.signal()
}

// EntryDemoted removes an inode from the fully-owned set; its bytes stay in
// the denominator but will never enter the freed numerator.
func (t *Ticket) EntryDemoted(k inventory.Key, _ int64) {
	t.mu.Lock()
	if c, ok := t.keys[k]; ok && c == contribOwned {
		t.keys[k] = contribPartial
		t.pendingOwned--
		t.maybeDrainedLocked()
	}
	t.mu.Unlock()
	t.signal()
}

// EntryReclaimed credits freed bytes to the ticket.
func (t *Ticket) EntryReclaimed(k inventory.Key, bytes int64) {
	t.mu.Lock()
	if c, ok := t.keys[k]; ok && c != contribDone {
		if c == contribOwned {
			t.pendingOwned--
		}
		t.keys[k] = contribDone
		t.freedBytes += bytes
		t.maybeDrainedLocked()
	}
	t.mu.Unlock()
	t.signal()
}

// ScanComplete marks the subtree scan finished; the total size is now known.
func (t *Ticket) ScanComplete() {
	t.mu.Lock()
	t.scanDone = true
	t.maybeDrainedLocked()
	t.mu.Unlock()
	t.signal()
}

// Complete marks the ticket finished after the remnant pass removed the
// reserved subdirectory.
func (t *Ticket) Complete() {
	t.mu.Lock()
	t.complete = true
	t.mu.Unlock()
	t.signal()
}

// maybeDrainedLocked hands the ticket to the scheduler's remnant pass once
// the scan is done and no fully-owned entry remains unreclaimed.
func (t *Ticket) maybeDrainedLocked() {
	if t.scanDone && t.pendingOwned == 0 && !t.remnantQueued && !t.complete {
		t.remnantQueued = true
		t.table.enqueueDrained(t)
	}
}

// FreedBlocks returns the freed bytes in truncated 1KiB blocks.
func (t *Ticket) FreedBlocks() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.freedBytes / 1024
}

// TotalBlocks returns the known tracked total in truncated 1KiB blocks.
func (t *Ticket) TotalBlocks() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalBytes / 1024
}

func (t *Ticket) signal() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// Wait blocks until the ticket's policy condition holds and returns the
// value the protocol reports: the known total for KnownSize, the freed
// amount for Percent, both in truncated 1KiB blocks. Waiting is purely
// event-driven; every state change signals the single waiting session.
// Cancelling the context abandons observation only — reclamation proceeds.
func (t *Ticket) Wait(ctx context.Context) (int64, error) {
	for {
		t.mu.Lock()
		switch t.policy.Kind {
		case Async:
			v := t.freedBytes / 1024
			t.mu.Unlock()
			return v, nil
		case KnownSize:
			if t.scanDone {
				v := t.totalBytes / 1024
				t.mu.Unlock()
				return v, nil
			}
		case Percent:
			// The ratio is meaningless against a partial denominator; the
			// walk may still be discovering entries.
			reached := t.scanDone && t.totalBytes > 0 &&
				t.freedBytes*100 >= t.totalBytes*int64(t.policy.Percent)
			if t.complete || reached {
				v := t.freedBytes / 1024
				t.mu.Unlock()
				return v, nil
			}
		}
		t.mu.Unlock()

		select {
		case <-t.notify:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}
