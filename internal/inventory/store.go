package inventory

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/zeebo/blake3"

	"github.com/cehteh/rmrfd/internal/platform"
)

// stripeCount is the number of independent lock stripes. Updates to distinct
// stripes proceed fully in parallel.
const stripeCount = 64

type stripe struct {
	mu      sync.Mutex
	entries map[Key]*Entry
}

// Store is the single authoritative owner of all inventory entries. It is
// safe for concurrent use; updates to the same key are serialized, distinct
// keys only contend when they share a stripe.
type Store struct {
	stripes [stripeCount]stripe

	// reclaimable is the free-space estimate: the byte sum of fully-owned,
	// not-yet-reclaimed entries.
	reclaimable atomic.Int64
	tracked     atomic.Int64
}

// NewStore creates an empty store.
func NewStore() *Store {
	s := &Store{}
	for i := range s.stripes {
		s.stripes[i].entries = make(map[Key]*Entry)
	}
	return s
}

// stripeFor buckets keys the way the original inventory shards its output
// channels: a short hash of the identity.
func (s *Store) stripeFor(k Key) *stripe {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], k.Dev)
	binary.LittleEndian.PutUint64(buf[8:16], k.Ino)
	sum := blake3.Sum256(buf[:])
	return &s.stripes[int(sum[0])%stripeCount]
}

// UpsertResult reports what an Upsert changed.
type UpsertResult struct {
	State State
	// PathAdded is false when the staged path was already known, which
	// makes repeated scans idempotent.
	PathAdded bool
	// BecameFullyOwned is true when this update flipped the entry into the
	// fully-owned state; the caller hands it to the scheduler.
	BecameFullyOwned bool
	Blocks           int64
}

// Upsert records one staged path of the inode identified by m. The entry is
// created on first sighting; metadata is overwritten deterministically so
// repeated and recovery scans converge. Upserting a reclaimed entry is a
// no-op.
func (s *Store) Upsert(m platform.Meta, path string, obs Observer) UpsertResult {
	k := Key{Dev: m.Dev, Ino: m.Ino}

	st := s.stripeFor(k)
	st.mu.Lock()
	e, ok := st.entries[k]
	if !ok {
		e = &Entry{key: k, state: StatePending}
		st.entries[k] = e
		s.tracked.Add(1)
	}
	st.mu.Unlock()

	e.mu.Lock()

	if e.state == StateReclaimed {
		e.mu.Unlock()
		return UpsertResult{State: StateReclaimed}
	}

	wasFullyOwned := e.state == StateFullyOwned
	oldBytes := e.bytes()

	added := e.addPath(path)
	e.size = m.Size
	e.blocks = m.Blocks
	e.totalLinks = m.Nlink
	e.addObserver(obs)

	if uint64(len(e.stagedPaths)) == e.totalLinks {
		e.state = StateFullyOwned
	} else {
		e.state = StatePartiallyOwned
	}
	nowFullyOwned := e.state == StateFullyOwned

	switch {
	case nowFullyOwned && !wasFullyOwned:
		s.reclaimable.Add(e.bytes())
	case !nowFullyOwned && wasFullyOwned:
		s.reclaimable.Add(-oldBytes)
	case nowFullyOwned && wasFullyOwned:
		s.reclaimable.Add(e.bytes() - oldBytes)
	}

	res := UpsertResult{
		State:            e.state,
		PathAdded:        added,
		BecameFullyOwned: nowFullyOwned && !wasFullyOwned,
		Blocks:           e.blocks,
	}
	bytes := e.bytes()
	var notify []Observer
	if nowFullyOwned != wasFullyOwned && !added {
		// Classification flipped for observers that tracked this entry
		// earlier; the adding observer learns the state via EntryTracked.
		notify = append(notify, e.observers...)
	} else if nowFullyOwned != wasFullyOwned {
		for _, o := range e.observers {
			if o != obs {
				notify = append(notify, o)
			}
		}
	}
	e.mu.Unlock()

	if obs != nil && added {
		obs.EntryTracked(k, bytes, nowFullyOwned)
	}
	for _, o := range notify {
		if nowFullyOwned {
			o.EntryPromoted(k, bytes)
		} else {
			o.EntryDemoted(k, bytes)
		}
	}

	return res
}

// Get returns a snapshot of the entry for k.
func (s *Store) Get(k Key) (Snapshot, bool) {
	st := s.stripeFor(k)
	st.mu.Lock()
	e, ok := st.entries[k]
	st.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return e.Snapshot(), true
}

// Len returns the number of live entries.
func (s *Store) Len() int {
	return int(s.tracked.Load())
}

// Reclaimable returns the free-space estimate in bytes: what reclaiming all
// currently fully-owned entries would free.
func (s *Store) Reclaimable() int64 {
	return s.reclaimable.Load()
}

// Abandon reclassifies k as partially owned after repeated reclaim
// failures. Observing tickets stop counting it toward their fully-owned
// set, so they drain and the remnant pass gets a crack at whatever is left
// on disk. A later rescan restores full ownership if the failure cleared.
func (s *Store) Abandon(k Key) {
	st := s.stripeFor(k)
	st.mu.Lock()
	e, ok := st.entries[k]
	st.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	if e.state == StateReclaimed || e.state == StatePartiallyOwned {
		e.mu.Unlock()
		return
	}
	e.setState(s, StatePartiallyOwned)
	bytes := e.bytes()
	observers := append([]Observer(nil), e.observers...)
	e.mu.Unlock()

	for _, o := range observers {
		o.EntryDemoted(k, bytes)
	}
}

// forget drops the entry for k if it still maps to e. Entries are destroyed
// once reclaimed or when their last staged path vanished externally.
func (s *Store) forget(k Key, e *Entry) {
	st := s.stripeFor(k)
	st.mu.Lock()
	if cur, ok := st.entries[k]; ok && cur == e {
		delete(st.entries, k)
		s.tracked.Add(-1)
	}
	st.mu.Unlock()
}
