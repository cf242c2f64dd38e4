package sched

import (
	"container/heap"
	"context"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cehteh/rmrfd/internal/inventory"
	"github.com/cehteh/rmrfd/internal/platform"
	"github.com/cehteh/rmrfd/internal/ticket"
)

// Config controls scheduler behavior.
type Config struct {
	// Workers is the number of reclaim workers; defaults to 2. Deletion is
	// metadata-bound, more workers rarely help and fight the page cache.
	Workers int
	// RingDepth is the io_uring submission queue depth per worker.
	RingDepth uint32
	// Armed enables actual deletion. A disarmed scheduler observes and
	// logs what it would reclaim but never touches the filesystem.
	Armed bool
	// RetryDelay and MaxRetries govern transient reclaim failures.
	RetryDelay time.Duration
	MaxRetries int
}

// Scheduler pulls fully-owned inodes in size order and reclaims them.
type Scheduler struct {
	cfg   Config
	store *inventory.Store
	table *ticket.Table
	log   zerolog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	q       queue
	stopped bool

	freedBytes    atomic.Int64
	reclaimedCnt  atomic.Int64
	demotedCnt    atomic.Int64
	retriedCnt    atomic.Int64
	remnantPasses atomic.Int64
}

// New creates a scheduler reclaiming from store and completing tickets from
// table once they drain.
func New(cfg Config, store *inventory.Store, table *ticket.Table, log zerolog.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.RingDepth == 0 {
		cfg.RingDepth = 64
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	s := &Scheduler{cfg: cfg, store: store, table: table, log: log}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Enqueue adds a fully-owned inode to the reclaim queue. Duplicate enqueues
// are harmless; Reclaim skips entries that are gone or already done.
func (s *Scheduler) Enqueue(k inventory.Key, blocks int64) {
	s.mu.Lock()
	if !s.stopped {
		heap.Push(&s.q, item{key: k, blocks: blocks, retries: s.cfg.MaxRetries})
	}
	s.mu.Unlock()
	s.cond.Signal()
}

// QueueLen returns the number of queued reclaim items.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.Len()
}

// FreedBytes returns the total bytes freed since start.
func (s *Scheduler) FreedBytes() int64 { return s.freedBytes.Load() }

// ReclaimedEntries returns the number of inodes fully reclaimed.
func (s *Scheduler) ReclaimedEntries() int64 { return s.reclaimedCnt.Load() }

// DemotedEntries returns the number of entries demoted at revalidation.
func (s *Scheduler) DemotedEntries() int64 { return s.demotedCnt.Load() }

// RetriedEntries returns the number of reclaim attempts requeued after
// transient failures.
func (s *Scheduler) RetriedEntries() int64 { return s.retriedCnt.Load() }

// Run starts the workers and the remnant loop and blocks until ctx is
// cancelled and all workers returned.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.worker(i)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.remnantLoop(ctx)
	}()

	<-ctx.Done()
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cond.Broadcast()
	wg.Wait()
}

// next blocks until an item is available or the scheduler stops.
func (s *Scheduler) next() (item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.q.Len() == 0 && !s.stopped {
		s.cond.Wait()
	}
	if s.stopped {
		return item{}, false
	}
	return heap.Pop(&s.q).(item), true
}

// worker reclaims queued inodes one at a time. Each worker pins its OS
// thread so the idle I/O priority and its private io_uring stay with it.
func (s *Scheduler) worker(id int) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	log := s.log.With().Int("worker", id).Logger()

	if err := platform.SetIdleIOPriority(); err != nil {
		log.Warn().Err(err).Msg("idle I/O priority unavailable")
	}

	unlink := platform.Unlink
	ring, err := platform.NewUnlinkRing(uint(s.cfg.RingDepth))
	if err != nil {
		log.Warn().Err(err).Msg("io_uring setup failed, using unlink(2)")
	} else if ring != nil {
		defer ring.Close()
		unlink = ring.Unlink
		log.Debug().Msg("reclaiming via io_uring")
	}

	for {
		it, ok := s.next()
		if !ok {
			return
		}
		s.reclaim(log, it, unlink)
	}
}

func (s *Scheduler) reclaim(log zerolog.Logger, it item, unlink func(string) error) {
	if !s.cfg.Armed {
		if snap, ok := s.store.Get(it.key); ok {
			log.Info().
				Uint64("dev", it.key.Dev).
				Uint64("ino", it.key.Ino).
				Int64("blocks", snap.Blocks).
				Strs("paths", snap.StagedPaths).
				Msg("disarmed: would reclaim")
		}
		return
	}

	rep := s.store.Reclaim(it.key, unlink)
	switch rep.Outcome {
	case inventory.ReclaimDone:
		s.freedBytes.Add(rep.Bytes)
		s.reclaimedCnt.Add(1)
		log.Debug().
			Uint64("dev", it.key.Dev).
			Uint64("ino", it.key.Ino).
			Int64("bytes", rep.Bytes).
			Msg("reclaimed")
	case inventory.ReclaimDemoted:
		s.demotedCnt.Add(1)
		log.Debug().
			Uint64("dev", it.key.Dev).
			Uint64("ino", it.key.Ino).
			Msg("live external link, entry demoted")
	case inventory.ReclaimGone, inventory.ReclaimSkipped:
	case inventory.ReclaimRetry:
		s.retriedCnt.Add(1)
		if it.retries <= 0 {
			// Abandoning reclassifies the entry so waiting tickets drain;
			// the remnant pass removes whatever the unlinks could not.
			s.store.Abandon(it.key)
			log.Error().
				Err(rep.Err).
				Uint64("dev", it.key.Dev).
				Uint64("ino", it.key.Ino).
				Msg("giving up on entry, leaving it to the remnant pass")
			return
		}
		log.Warn().
			Err(rep.Err).
			Uint64("dev", it.key.Dev).
			Uint64("ino", it.key.Ino).
			Int("retries_left", it.retries).
			Msg("reclaim failed, will retry")
		it.retries--
		time.AfterFunc(s.cfg.RetryDelay, func() {
			s.mu.Lock()
			if !s.stopped {
				heap.Push(&s.q, it)
			}
			s.mu.Unlock()
			s.cond.Signal()
		})
	}
}

// remnantLoop removes what is left of drained tickets: the directory
// skeleton, untracked small objects, and partially-owned staged links whose
// removal frees nothing but must still happen.
func (s *Scheduler) remnantLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-s.table.Drained():
			s.removeRemnants(t)
		}
	}
}

func (s *Scheduler) removeRemnants(t *ticket.Ticket) {
	log := s.log.With().Uint64("ticket", t.ID()).Str("dir", t.Dir()).Logger()

	if !s.cfg.Armed {
		log.Info().Msg("disarmed: leaving remnants in place")
		return
	}

	s.remnantPasses.Add(1)
	if err := os.RemoveAll(t.Dir()); err != nil {
		log.Error().Err(err).Msg("remnant removal failed")
	} else {
		log.Info().Int64("freed_kib", t.FreedBlocks()).Msg("staging subtree removed")
	}
	t.Complete()
	s.table.Remove(t)
}
