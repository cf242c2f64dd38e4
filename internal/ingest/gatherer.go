// Package ingest walks staged subtrees in parallel and feeds every
// qualifying filesystem object into the inventory. Walk errors are counted
// and logged, never fatal: whatever the walk missed is picked up by the
// remnant pass or a later recovery scan.
package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/cehteh/rmrfd/internal/inventory"
	"github.com/cehteh/rmrfd/internal/platform"
)

// CrossDevice selects what to do when a walk hits a nested mount.
type CrossDevice int

const (
	// CrossDeviceFail records an error and leaves the mount alone.
	CrossDeviceFail CrossDevice = iota
	// CrossDeviceUnmount lazily detaches the nested mount so the walk can
	// continue underneath it on the staging device.
	CrossDeviceUnmount
)

// Config controls gatherer behavior.
type Config struct {
	// Workers is the walk parallelism; defaults to min(NumCPU, 8).
	Workers int
	// MinBlocks is the tracking threshold in 512-byte blocks. Objects
	// below it are not worth individual size-ordered scheduling; the
	// remnant pass removes them wholesale.
	MinBlocks int64
	// CrossDevice is the nested-mount policy.
	CrossDevice CrossDevice
}

// Gatherer scans reserved subtrees and upserts their objects.
type Gatherer struct {
	cfg     Config
	store   *inventory.Store
	enqueue func(k inventory.Key, blocks int64)
	log     zerolog.Logger
}

// New creates a gatherer. enqueue is called for every entry that became
// fully owned during the scan; the scheduler owns what happens next.
func New(cfg Config, store *inventory.Store, enqueue func(k inventory.Key, blocks int64), log zerolog.Logger) *Gatherer {
	if cfg.Workers <= 0 {
		cfg.Workers = min(runtime.NumCPU(), 8)
	}
	if enqueue == nil {
		enqueue = func(inventory.Key, int64) {}
	}
	return &Gatherer{cfg: cfg, store: store, enqueue: enqueue, log: log}
}

// Result summarizes one subtree scan.
type Result struct {
	// TrackedEntries counts inventory upserts that added a staged path;
	// TrackedBytes is their allocated size.
	TrackedEntries int64
	TrackedBytes   int64
	// Untracked objects fell below MinBlocks and stay for the remnant pass.
	UntrackedEntries int64
	UntrackedBytes   int64
	// Errors counts walk failures that were logged and skipped. Objects
	// behind a failed readdir or stat are missing from the tracked totals;
	// the remnant pass still removes them with the rest of the subtree.
	Errors int64
}

type counters struct {
	trackedEntries   atomic.Int64
	trackedBytes     atomic.Int64
	untrackedEntries atomic.Int64
	untrackedBytes   atomic.Int64
	errors           atomic.Int64
}

// Gather walks root and upserts every non-directory object at or above the
// tracking threshold, attaching obs to each touched entry. It blocks until
// the walk finishes or ctx is cancelled.
func (g *Gatherer) Gather(ctx context.Context, root string, obs inventory.Observer) Result {
	var c counters

	rootMeta, err := platform.Lstat(root)
	if err != nil {
		g.fail(&c, fmt.Errorf("stat scan root: %w", err))
		return c.result()
	}
	if !rootMeta.IsDir() {
		// Staged entries are usually directories, but a bare file rename
		// is just as valid.
		if rootMeta.Blocks < g.cfg.MinBlocks {
			c.untrackedEntries.Add(1)
			c.untrackedBytes.Add(rootMeta.Bytes())
			return c.result()
		}
		res := g.store.Upsert(rootMeta, root, obs)
		if res.PathAdded {
			c.trackedEntries.Add(1)
			c.trackedBytes.Add(rootMeta.Bytes())
		}
		if res.BecameFullyOwned {
			g.enqueue(inventory.Key{Dev: rootMeta.Dev, Ino: rootMeta.Ino}, res.Blocks)
		}
		return c.result()
	}

	workQueue := make(chan string, g.cfg.Workers*2)
	var outstanding sync.WaitGroup // directories queued but not yet processed

	var workerWg sync.WaitGroup
	for w := 0; w < g.cfg.Workers; w++ {
		workerWg.Add(1)
		go func() {
			defer workerWg.Done()
			for dir := range workQueue {
				g.scanDir(ctx, dir, rootMeta.Dev, obs, &c, workQueue, &outstanding)
				outstanding.Done()
			}
		}()
	}

	outstanding.Add(1)
	workQueue <- root

	outstanding.Wait()
	close(workQueue)
	workerWg.Wait()

	return c.result()
}

func (g *Gatherer) scanDir(ctx context.Context, dir string, rootDev uint64, obs inventory.Observer, c *counters, workQueue chan<- string, outstanding *sync.WaitGroup) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		g.fail(c, fmt.Errorf("readdir %s: %w", dir, err))
		return
	}

	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return
		default:
		}

		path := filepath.Join(dir, entry.Name())
		if err := g.processEntry(ctx, path, rootDev, obs, c, workQueue, outstanding); err != nil {
			g.fail(c, err)
		}
	}
}

// dispatch hands a discovered directory to an idle worker. Workers both
// send to and receive from the queue, so a blocking send stalls the walk
// once every worker waits on a full queue; when the send would block, the
// discovering worker descends inline instead.
func (g *Gatherer) dispatch(ctx context.Context, dir string, rootDev uint64, obs inventory.Observer, c *counters, workQueue chan<- string, outstanding *sync.WaitGroup) {
	outstanding.Add(1)
	select {
	case workQueue <- dir:
	default:
		g.scanDir(ctx, dir, rootDev, obs, c, workQueue, outstanding)
		outstanding.Done()
	}
}

func (g *Gatherer) processEntry(ctx context.Context, path string, rootDev uint64, obs inventory.Observer, c *counters, workQueue chan<- string, outstanding *sync.WaitGroup) error {
	m, err := platform.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Raced with reclamation or the remnant pass.
			return nil
		}
		return err
	}

	if m.Dev != rootDev {
		return g.crossDevice(ctx, path, m, rootDev, obs, c, workQueue, outstanding)
	}

	if m.IsDir() {
		g.dispatch(ctx, path, rootDev, obs, c, workQueue, outstanding)
		return nil
	}

	if m.Blocks < g.cfg.MinBlocks {
		c.untrackedEntries.Add(1)
		c.untrackedBytes.Add(m.Bytes())
		return nil
	}

	res := g.store.Upsert(m, path, obs)
	if res.PathAdded {
		c.trackedEntries.Add(1)
		c.trackedBytes.Add(m.Bytes())
	}
	if res.BecameFullyOwned {
		g.enqueue(inventory.Key{Dev: m.Dev, Ino: m.Ino}, res.Blocks)
	}
	return nil
}

// crossDevice handles an object on a different device than the scan root.
// Deleting across the mount boundary would not free staging-device blocks,
// so such objects never enter the inventory.
func (g *Gatherer) crossDevice(ctx context.Context, path string, m platform.Meta, rootDev uint64, obs inventory.Observer, c *counters, workQueue chan<- string, outstanding *sync.WaitGroup) error {
	if g.cfg.CrossDevice == CrossDeviceUnmount && m.IsDir() {
		if err := platform.UnmountNested(path); err != nil {
			return fmt.Errorf("detach nested mount %s: %w", path, err)
		}
		g.log.Info().Str("path", path).Msg("detached nested mount")
		// The mount point directory itself is back on the staging device;
		// rescan it so its (usually empty) contents are handled.
		g.dispatch(ctx, path, rootDev, obs, c, workQueue, outstanding)
		return nil
	}
	return fmt.Errorf("cross-device object %s", path)
}

func (g *Gatherer) fail(c *counters, err error) {
	c.errors.Add(1)
	g.log.Warn().Err(err).Msg("scan error")
}

func (c *counters) result() Result {
	return Result{
		TrackedEntries:   c.trackedEntries.Load(),
		TrackedBytes:     c.trackedBytes.Load(),
		UntrackedEntries: c.untrackedEntries.Load(),
		UntrackedBytes:   c.untrackedBytes.Load(),
		Errors:           c.errors.Load(),
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
