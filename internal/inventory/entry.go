// Package inventory is the in-memory index of filesystem objects awaiting
// reclamation, keyed by device and inode. It merges hardlinks arriving from
// independent subtree walks and decides which inodes are fully owned by the
// staging domains, meaning every link to them is staged and deleting them
// frees their blocks.
package inventory

import (
	"sort"
	"sync"

	"github.com/cehteh/rmrfd/internal/platform"
)

// Key identifies an inode across every hardlink pointing at it.
type Key struct {
	Dev uint64
	Ino uint64
}

// Less orders keys for deterministic tie-breaking.
func (k Key) Less(o Key) bool {
	if k.Dev != o.Dev {
		return k.Dev < o.Dev
	}
	return k.Ino < o.Ino
}

// State is the classification of an inventory entry.
type State int

const (
	// StatePending means classification is unknown or a previous attempt
	// hit an I/O error and will be retried.
	StatePending State = iota
	// StateFullyOwned means every known link is staged; safe to reclaim.
	StateFullyOwned
	// StatePartiallyOwned means at least one link lives outside the
	// staging domains; unlinking staged paths frees no space.
	StatePartiallyOwned
	// StateReclaimed means the inode's staged links have been unlinked.
	StateReclaimed
)

var stateNames = [...]string{
	StatePending:        "pending",
	StateFullyOwned:     "fully-owned",
	StatePartiallyOwned: "partially-owned",
	StateReclaimed:      "reclaimed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Observer receives callbacks about entries a staged subtree contributed.
// Implementations must not call back into the Store.
type Observer interface {
	// EntryTracked fires when a new staged path of the inode is recorded
	// for this observer.
	EntryTracked(k Key, bytes int64, fullyOwned bool)
	// EntryPromoted fires when the inode becomes fully owned after
	// tracking, usually because its last external-looking link turned out
	// to be another staged path.
	EntryPromoted(k Key, bytes int64)
	// EntryDemoted fires when full ownership is lost before reclamation,
	// either through revalidation or a new external link.
	EntryDemoted(k Key, bytes int64)
	// EntryReclaimed fires once all staged links have been unlinked.
	EntryReclaimed(k Key, bytes int64)
}

// Entry tracks one inode and all staged paths referring to it.
type Entry struct {
	mu sync.Mutex

	key        Key
	size       int64
	blocks     int64
	totalLinks uint64
	// stagedPaths is kept sorted; membership doubles as the staged link
	// count and makes repeated scans idempotent.
	stagedPaths []string
	state       State
	observers   []Observer
}

// addPath inserts path into the sorted staged set. Returns false when the
// path is already present. Caller holds e.mu.
func (e *Entry) addPath(path string) bool {
	idx := sort.SearchStrings(e.stagedPaths, path)
	if idx < len(e.stagedPaths) && e.stagedPaths[idx] == path {
		return false
	}
	e.stagedPaths = append(e.stagedPaths, "")
	copy(e.stagedPaths[idx+1:], e.stagedPaths[idx:])
	e.stagedPaths[idx] = path
	return true
}

// removePath deletes path from the staged set. Caller holds e.mu.
func (e *Entry) removePath(path string) {
	idx := sort.SearchStrings(e.stagedPaths, path)
	if idx < len(e.stagedPaths) && e.stagedPaths[idx] == path {
		e.stagedPaths = append(e.stagedPaths[:idx], e.stagedPaths[idx+1:]...)
	}
}

// addObserver registers obs unless already present. Caller holds e.mu.
func (e *Entry) addObserver(obs Observer) {
	if obs == nil {
		return
	}
	for _, o := range e.observers {
		if o == obs {
			return
		}
	}
	e.observers = append(e.observers, obs)
}

// bytes returns the allocated size this entry accounts for.
func (e *Entry) bytes() int64 {
	return e.blocks * platform.BlockSize
}

// Snapshot is a point-in-time copy of an entry for inspection and tests.
type Snapshot struct {
	Key         Key
	Size        int64
	Blocks      int64
	TotalLinks  uint64
	StagedPaths []string
	State       State
}

// Snapshot returns a consistent copy of the entry.
func (e *Entry) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	paths := make([]string, len(e.stagedPaths))
	copy(paths, e.stagedPaths)
	return Snapshot{
		Key:         e.key,
		Size:        e.size,
		Blocks:      e.blocks,
		TotalLinks:  e.totalLinks,
		StagedPaths: paths,
		State:       e.state,
	}
}
