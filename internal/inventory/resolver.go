package inventory

import (
	"errors"
	"io/fs"

	"github.com/cehteh/rmrfd/internal/platform"
)

// ReclaimOutcome classifies the result of a reclamation attempt.
type ReclaimOutcome int

const (
	// ReclaimDone: every staged link was unlinked, blocks are free.
	ReclaimDone ReclaimOutcome = iota
	// ReclaimDemoted: revalidation found a live link outside the staging
	// domains; the entry was reclassified instead of deleted.
	ReclaimDemoted
	// ReclaimGone: all staged paths vanished externally, nothing to do.
	ReclaimGone
	// ReclaimRetry: an I/O error interrupted the attempt; the entry is
	// pending and should be retried on a later pass.
	ReclaimRetry
	// ReclaimSkipped: the entry is unknown or already reclaimed.
	ReclaimSkipped
)

// ReclaimReport is the result of Store.Reclaim.
type ReclaimReport struct {
	Outcome ReclaimOutcome
	// Bytes freed (ReclaimDone) or no longer counted free (ReclaimDemoted).
	Bytes int64
	Err   error
}

// Reclaim revalidates ownership of k and, if every live link is still
// staged, unlinks all staged paths and destroys the entry. The re-stat
// immediately before unlinking is the correctness invariant: an inode is
// never reclaimed while any reference outside the staging domains exists.
// The whole revalidate-then-unlink sequence holds the entry lock, so
// concurrent attempts on the same inode serialize.
//
// unlink performs the actual removal; the scheduler injects its io_uring or
// fallback primitive (or a no-op while disarmed).
func (s *Store) Reclaim(k Key, unlink func(path string) error) ReclaimReport {
	st := s.stripeFor(k)
	st.mu.Lock()
	e, ok := st.entries[k]
	st.mu.Unlock()
	if !ok {
		return ReclaimReport{Outcome: ReclaimSkipped}
	}

	e.mu.Lock()

	if e.state == StateReclaimed {
		e.mu.Unlock()
		return ReclaimReport{Outcome: ReclaimSkipped}
	}

	// Revalidate from a live stat. Paths that vanished externally are
	// dropped; they no longer hold the inode.
	var m platform.Meta
	for len(e.stagedPaths) > 0 {
		var err error
		m, err = platform.Lstat(e.stagedPaths[0])
		if err == nil {
			break
		}
		if errors.Is(err, fs.ErrNotExist) {
			e.removePath(e.stagedPaths[0])
			continue
		}
		e.setState(s, StatePending)
		e.mu.Unlock()
		return ReclaimReport{Outcome: ReclaimRetry, Err: err}
	}

	if len(e.stagedPaths) == 0 {
		e.setState(s, StateReclaimed)
		e.mu.Unlock()
		s.forget(k, e)
		return ReclaimReport{Outcome: ReclaimGone}
	}

	wasCounted := e.state == StateFullyOwned
	oldBytes := e.bytes()
	e.size = m.Size
	e.blocks = m.Blocks
	e.totalLinks = m.Nlink
	bytes := e.bytes()
	if wasCounted && bytes != oldBytes {
		s.reclaimable.Add(bytes - oldBytes)
	}

	if m.Nlink != uint64(len(e.stagedPaths)) {
		// An external link appeared (or was there all along): deleting
		// the staged links would free nothing.
		e.setState(s, StatePartiallyOwned)
		observers := append([]Observer(nil), e.observers...)
		e.mu.Unlock()
		for _, o := range observers {
			o.EntryDemoted(k, bytes)
		}
		return ReclaimReport{Outcome: ReclaimDemoted, Bytes: bytes}
	}
	if !wasCounted {
		// Revalidation restored full ownership; count it again so the
		// estimate stays consistent until the unlinks land.
		e.setState(s, StateFullyOwned)
	}

	for len(e.stagedPaths) > 0 {
		path := e.stagedPaths[0]
		if err := unlink(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			e.setState(s, StatePending)
			e.mu.Unlock()
			return ReclaimReport{Outcome: ReclaimRetry, Err: err}
		}
		e.removePath(path)
	}

	e.setState(s, StateReclaimed)
	observers := append([]Observer(nil), e.observers...)
	e.mu.Unlock()
	s.forget(k, e)

	for _, o := range observers {
		o.EntryReclaimed(k, bytes)
	}
	return ReclaimReport{Outcome: ReclaimDone, Bytes: bytes}
}

// setState transitions the entry's state and keeps the fully-owned byte
// aggregate consistent. Caller holds e.mu.
func (e *Entry) setState(s *Store, next State) {
	if e.state == next {
		return
	}
	if e.state == StateFullyOwned {
		s.reclaimable.Add(-e.bytes())
	}
	if next == StateFullyOwned {
		s.reclaimable.Add(e.bytes())
	}
	e.state = next
}
