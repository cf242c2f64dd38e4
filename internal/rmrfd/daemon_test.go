package rmrfd

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cehteh/rmrfd/internal/platform"
	"github.com/cehteh/rmrfd/internal/server"
	"github.com/cehteh/rmrfd/internal/ticket"
	"github.com/cehteh/rmrfd/pkg/client"
)

func startDaemon(t *testing.T, domains []string, armed bool) *Daemon {
	t.Helper()
	d, err := New(Options{
		Domains:        domains,
		Armed:          armed,
		ReservationTTL: 200 * time.Millisecond,
	}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx) //nolint:errcheck
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return d
}

func serveDaemon(t *testing.T, d *Daemon) string {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "rmrfd.sock")
	ln, err := server.Listen(socket)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	srv := server.New(d, zerolog.Nop())
	done := make(chan struct{})
	go func() {
		srv.Serve(ctx, ln) //nolint:errcheck
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return socket
}

func fill(t *testing.T, dir string, files map[string]int) {
	t.Helper()
	for name, size := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	}
}

func TestReserveRejectsUncoveredPath(t *testing.T) {
	base := t.TempDir()
	dom := filepath.Join(base, "covered")
	sibling := filepath.Join(base, "sibling")
	require.NoError(t, os.MkdirAll(dom, 0o755))
	require.NoError(t, os.MkdirAll(sibling, 0o755))
	fill(t, sibling, map[string]int{"victim": 1024})

	d := startDaemon(t, []string{dom}, true)

	// The only domain is a sibling of the path, not an ancestor.
	_, err := d.Reserve(filepath.Join(sibling, "victim"))
	var se *server.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, server.CodePathNotCovered, se.Code)
}

func TestReserveCreatesUniqueSubdirs(t *testing.T) {
	dom := t.TempDir()
	fill(t, dom, map[string]int{"a": 1024, "b": 1024})
	d := startDaemon(t, []string{dom}, true)

	d1, err := d.Reserve(filepath.Join(dom, "a"))
	require.NoError(t, err)
	d2, err := d.Reserve(filepath.Join(dom, "b"))
	require.NoError(t, err)

	assert.NotEqual(t, d1, d2)
	assert.DirExists(t, d1)
	assert.Equal(t, filepath.Join(dom, StagingDirName), filepath.Dir(d1))
}

func TestReserveRejectsPathInsideStagingTree(t *testing.T) {
	dom := t.TempDir()
	d := startDaemon(t, []string{dom}, true)

	staged := filepath.Join(dom, StagingDirName, "already-garbage")
	require.NoError(t, os.MkdirAll(staged, 0o755))

	_, err := d.Reserve(staged)
	var se *server.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, server.CodePathNotCovered, se.Code)
}

func TestAsyncReturnsBeforeReclamation(t *testing.T) {
	dom := t.TempDir()
	victim := filepath.Join(dom, "victim")
	fill(t, dom, map[string]int{
		"victim/one": 128 * 1024,
		"victim/two": 128 * 1024,
	})

	d := startDaemon(t, []string{dom}, true)
	socket := serveDaemon(t, d)

	start := time.Now()
	blocks, err := client.New(socket).Remove(context.Background(), victim, client.Async)
	require.NoError(t, err)
	assert.Equal(t, int64(0), blocks)
	// Acceptance must not wait on any unlink.
	assert.Less(t, time.Since(start), 2*time.Second)

	// Staged away immediately.
	assert.NoFileExists(t, victim)

	// The watcher or janitor picks it up and everything is reclaimed.
	require.Eventually(t, func() bool {
		entries, err := os.ReadDir(filepath.Join(dom, StagingDirName))
		return err == nil && len(entries) == 0
	}, 10*time.Second, 20*time.Millisecond)
}

func TestPercentHundredReturnsExactFreedBlocks(t *testing.T) {
	dom := t.TempDir()
	victim := filepath.Join(dom, "victim")
	fill(t, dom, map[string]int{
		"victim/a":     200 * 1024,
		"victim/b":     100 * 1024,
		"victim/sub/c": 50 * 1024,
	})

	// Independent size sum before staging, in truncated 1KiB blocks.
	var wantBytes int64
	for _, name := range []string{"a", "b", "sub/c"} {
		wantBytes += allocatedBytes(t, filepath.Join(victim, name))
	}

	d := startDaemon(t, []string{dom}, true)
	socket := serveDaemon(t, d)

	blocks, err := client.New(socket).Remove(context.Background(), victim, 100)
	require.NoError(t, err)
	assert.Equal(t, wantBytes/1024, blocks)

	// Every fully-owned byte is gone once Percent(100) returned.
	assert.Equal(t, int64(0), d.Store().Reclaimable())
	assert.Equal(t, wantBytes, d.Scheduler().FreedBytes())
}

func TestKnownSizeReportsTotal(t *testing.T) {
	dom := t.TempDir()
	victim := filepath.Join(dom, "victim")
	fill(t, dom, map[string]int{"victim/a": 300 * 1024})

	want := allocatedBytes(t, filepath.Join(victim, "a")) / 1024

	d := startDaemon(t, []string{dom}, true)
	socket := serveDaemon(t, d)

	blocks, err := client.New(socket).Remove(context.Background(), victim, 0)
	require.NoError(t, err)
	assert.Equal(t, want, blocks)
}

func TestRecoveryDrainsPreexistingStagingContent(t *testing.T) {
	dom := t.TempDir()
	// Simulate a crash mid-reclamation: staged content sits in the
	// staging tree with no daemon state describing it.
	stale := filepath.Join(dom, StagingDirName, "t000042-deadbeef")
	fill(t, stale, map[string]int{
		"big":        256 * 1024,
		"small":      64,
		"deep/other": 64 * 1024,
	})

	startDaemon(t, []string{dom}, true)

	require.Eventually(t, func() bool {
		entries, err := os.ReadDir(filepath.Join(dom, StagingDirName))
		return err == nil && len(entries) == 0
	}, 10*time.Second, 20*time.Millisecond)
}

func TestJanitorAdoptsAbandonedReservation(t *testing.T) {
	dom := t.TempDir()
	fill(t, dom, map[string]int{"victim": 64 * 1024})

	d := startDaemon(t, []string{dom}, true)

	dir, err := d.Reserve(filepath.Join(dom, "victim"))
	require.NoError(t, err)
	require.NoError(t, os.Rename(filepath.Join(dom, "victim"), filepath.Join(dir, "victim")))
	// Session hangs up without SYNC; nobody attaches a ticket.

	require.Eventually(t, func() bool {
		entries, err := os.ReadDir(filepath.Join(dom, StagingDirName))
		return err == nil && len(entries) == 0
	}, 10*time.Second, 20*time.Millisecond)
}

func TestDisarmedDaemonDeletesNothing(t *testing.T) {
	dom := t.TempDir()
	victim := filepath.Join(dom, "victim")
	fill(t, dom, map[string]int{"victim/a": 128 * 1024})

	d := startDaemon(t, []string{dom}, false)

	dir, err := d.Reserve(victim)
	require.NoError(t, err)
	require.NoError(t, os.Rename(victim, filepath.Join(dir, "victim")))
	tk, err := d.Attach(dir, ticket.Policy{Kind: ticket.KnownSize})
	require.NoError(t, err)

	_, err = tk.Wait(context.Background())
	require.NoError(t, err)
	time.Sleep(200 * time.Millisecond)

	// Tracked and classified, but nothing freed.
	assert.FileExists(t, filepath.Join(dir, "victim", "a"))
	assert.Equal(t, 1, d.Store().Len())
	assert.Equal(t, int64(0), d.Scheduler().FreedBytes())
}

// allocatedBytes mirrors the daemon's accounting: 512-byte blocks from the
// stat, not the apparent size.
func allocatedBytes(t *testing.T, path string) int64 {
	t.Helper()
	m, err := platform.Lstat(path)
	require.NoError(t, err)
	return m.Bytes()
}
