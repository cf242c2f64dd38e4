// Package rmrfd assembles the daemon: staging domains, the inventory,
// ingestion, size-ordered reclamation, tickets, the directory watcher and
// startup recovery.
package rmrfd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cehteh/rmrfd/internal/ingest"
	"github.com/cehteh/rmrfd/internal/inventory"
	"github.com/cehteh/rmrfd/internal/metrics"
	"github.com/cehteh/rmrfd/internal/platform"
	"github.com/cehteh/rmrfd/internal/sched"
	"github.com/cehteh/rmrfd/internal/server"
	"github.com/cehteh/rmrfd/internal/ticket"
	"github.com/cehteh/rmrfd/internal/watch"
)

// Options configures a daemon.
type Options struct {
	// Domains are the coverage roots, one per filesystem.
	Domains []string
	// MinBlocks is the tracking threshold in 512-byte blocks.
	MinBlocks int64
	// GatherWorkers and ReclaimWorkers bound walk and unlink parallelism;
	// zero picks defaults.
	GatherWorkers  int
	ReclaimWorkers int
	// Armed enables deletion. Disarmed accepts and tracks but frees
	// nothing.
	Armed bool
	// CrossDevice is the nested-mount policy.
	CrossDevice ingest.CrossDevice
	// ReservationTTL is how long a reserved subdirectory may sit without a
	// sync request before the janitor adopts it as an async ticket.
	ReservationTTL time.Duration
	// Metrics is optional; nil disables instrumentation.
	Metrics *metrics.Metrics
}

// Daemon owns all components and implements the protocol server's Core.
type Daemon struct {
	opts    Options
	log     zerolog.Logger
	domains []Domain
	store   *inventory.Store
	table   *ticket.Table
	sched   *sched.Scheduler
	gather  *ingest.Gatherer
	metrics *metrics.Metrics

	reserveSeq atomic.Uint64

	mu           sync.Mutex
	reservations map[string]time.Time
	runCtx       context.Context
}

// New validates the domains and builds the component graph. Nothing runs
// until Run.
func New(opts Options, log zerolog.Logger) (*Daemon, error) {
	if len(opts.Domains) == 0 {
		return nil, fmt.Errorf("no staging domains configured")
	}
	if opts.ReservationTTL <= 0 {
		opts.ReservationTTL = 5 * time.Minute
	}

	d := &Daemon{
		opts:         opts,
		log:          log,
		store:        inventory.NewStore(),
		table:        ticket.NewTable(),
		metrics:      opts.Metrics,
		reservations: make(map[string]time.Time),
		runCtx:       context.Background(),
	}

	for _, root := range opts.Domains {
		dom, err := newDomain(root)
		if err != nil {
			return nil, err
		}
		d.domains = append(d.domains, dom)
		log.Info().Str("root", dom.Root).Uint64("dev", dom.Dev).Msg("staging domain")
	}

	d.sched = sched.New(sched.Config{
		Workers: opts.ReclaimWorkers,
		Armed:   opts.Armed,
	}, d.store, d.table, log)

	d.gather = ingest.New(ingest.Config{
		Workers:     opts.GatherWorkers,
		MinBlocks:   opts.MinBlocks,
		CrossDevice: opts.CrossDevice,
	}, d.store, d.sched.Enqueue, log)

	if d.metrics != nil {
		d.metrics.ObserveInventory(d.store.Len, d.store.Reclaimable)
		d.metrics.ObserveTickets(d.table.Active)
		d.metrics.ObserveScheduler(d.sched.FreedBytes, d.sched.ReclaimedEntries,
			d.sched.DemotedEntries, d.sched.RetriedEntries)
	}

	if !opts.Armed {
		log.Warn().Msg("not armed, running in observe-only mode")
	}
	return d, nil
}

// Store exposes the inventory for inspection.
func (d *Daemon) Store() *inventory.Store { return d.store }

// Scheduler exposes reclamation totals.
func (d *Daemon) Scheduler() *sched.Scheduler { return d.sched }

// Reserve implements the AwaitPath step: verify coverage, then create a
// uniquely named subdirectory in the covering domain's staging tree.
func (d *Daemon) Reserve(path string) (string, error) {
	m, err := platform.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", server.Errf(server.CodeIO, "%s does not exist", path)
		}
		return "", server.Errf(server.CodeIO, "stat %s: %v", path, err)
	}

	dom, err := d.domainFor(path, m.Dev)
	if err != nil {
		return "", err
	}

	for attempt := 0; attempt < 8; attempt++ {
		name := fmt.Sprintf("t%06d-%.8s", d.reserveSeq.Add(1), uuid.NewString())
		dir := filepath.Join(dom.StagingDir, name)

		d.mu.Lock()
		d.reservations[dir] = time.Now()
		d.mu.Unlock()

		err := os.Mkdir(dir, 0o700)
		if err == nil {
			return dir, nil
		}
		d.clearReservation(dir)
		if !os.IsExist(err) {
			return "", server.Errf(server.CodeIO, "reserve under %s: %v", dom.StagingDir, err)
		}
	}
	return "", server.Errf(server.CodeCollision, "reservation names exhausted under %s", dom.StagingDir)
}

// Attach implements the AwaitSync step: bind a ticket to the reserved
// subdirectory and start scanning whatever the caller placed there.
func (d *Daemon) Attach(dir string, policy ticket.Policy) (*ticket.Ticket, error) {
	dir = filepath.Clean(dir)
	inStaging := false
	for _, dom := range d.domains {
		if filepath.Dir(dir) == dom.StagingDir {
			inStaging = true
			break
		}
	}
	if !inStaging {
		return nil, server.Errf(server.CodePathNotCovered, "%s is not a reserved staging subdirectory", dir)
	}
	if _, err := os.Lstat(dir); err != nil {
		return nil, server.Errf(server.CodeIO, "stat %s: %v", dir, err)
	}

	d.clearReservation(dir)
	tk := d.table.Create(dir, policy)
	if d.metrics != nil {
		d.metrics.TicketsAccepted.Inc()
	}
	go d.scan(tk)
	return tk, nil
}

// scan ingests the ticket's subtree and marks the scan complete.
func (d *Daemon) scan(tk *ticket.Ticket) {
	start := time.Now()
	res := d.gather.Gather(d.ctx(), tk.Dir(), tk)
	tk.ScanComplete()

	if d.metrics != nil {
		d.metrics.ScanSeconds.Observe(time.Since(start).Seconds())
		d.metrics.ScanErrors.Add(float64(res.Errors))
	}
	d.log.Info().
		Uint64("ticket", tk.ID()).
		Str("dir", tk.Dir()).
		Int64("tracked", res.TrackedEntries).
		Int64("tracked_bytes", res.TrackedBytes).
		Int64("untracked", res.UntrackedEntries).
		Int64("errors", res.Errors).
		Dur("elapsed", time.Since(start)).
		Msg("subtree scanned")
}

// adopt creates an async ticket for an entry found in a staging tree that
// no session is observing: recovery leftovers, async callers that hung up,
// or entries placed by hand.
func (d *Daemon) adopt(path string) {
	d.clearReservation(path)
	tk := d.table.Create(path, ticket.Policy{Kind: ticket.Async})
	d.log.Info().Uint64("ticket", tk.ID()).Str("dir", path).Msg("adopted staged entry")
	go d.scan(tk)
}

// recoverExisting re-ingests everything found in the staging trees. The
// staging rename is the durable checkpoint; whatever the previous run left
// behind is garbage regardless of how that run ended.
func (d *Daemon) recoverExisting() {
	for _, dom := range d.domains {
		entries, err := os.ReadDir(dom.StagingDir)
		if err != nil {
			d.log.Error().Err(err).Str("dir", dom.StagingDir).Msg("recovery scan failed")
			continue
		}
		for _, ent := range entries {
			d.adopt(filepath.Join(dom.StagingDir, ent.Name()))
		}
		if len(entries) > 0 {
			d.log.Info().Str("dir", dom.StagingDir).Int("entries", len(entries)).Msg("recovered staging content")
		}
	}
}

// janitor adopts reservations whose session never attached a ticket.
func (d *Daemon) janitor(ctx context.Context) {
	tick := time.NewTicker(d.opts.ReservationTTL / 2)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			cutoff := time.Now().Add(-d.opts.ReservationTTL)
			var stale []string
			d.mu.Lock()
			for dir, at := range d.reservations {
				if at.Before(cutoff) {
					stale = append(stale, dir)
				}
			}
			d.mu.Unlock()
			for _, dir := range stale {
				d.adopt(dir)
			}
		}
	}
}

// watchLoop adopts entries appearing in the staging trees that are not
// known reservations.
func (d *Daemon) watchLoop(ctx context.Context, w *watch.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			d.mu.Lock()
			_, reserved := d.reservations[ev.Path]
			d.mu.Unlock()
			if reserved {
				continue
			}
			d.adopt(ev.Path)
		}
	}
}

// Run starts every background activity and blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	d.mu.Lock()
	d.runCtx = ctx
	d.mu.Unlock()

	stagingDirs := make([]string, len(d.domains))
	for i, dom := range d.domains {
		stagingDirs[i] = dom.StagingDir
	}
	watcher, err := watch.New(stagingDirs, d.log)
	if err != nil {
		return fmt.Errorf("watch staging domains: %w", err)
	}

	var wg sync.WaitGroup
	for _, fn := range []func(){
		func() { d.sched.Run(ctx) },
		func() { watcher.Run(ctx) },
		func() { d.watchLoop(ctx, watcher) },
		func() { d.janitor(ctx) },
	} {
		fn := fn
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	d.recoverExisting()

	wg.Wait()
	return nil
}

func (d *Daemon) ctx() context.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runCtx
}

func (d *Daemon) clearReservation(dir string) {
	d.mu.Lock()
	delete(d.reservations, dir)
	d.mu.Unlock()
}
