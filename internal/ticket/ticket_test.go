package ticket

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cehteh/rmrfd/internal/inventory"
)

func key(ino uint64) inventory.Key {
	return inventory.Key{Dev: 1, Ino: ino}
}

func TestPolicyFor(t *testing.T) {
	assert.Equal(t, Policy{Kind: KnownSize}, PolicyFor(0))
	assert.Equal(t, Policy{Kind: Percent, Percent: 1}, PolicyFor(1))
	assert.Equal(t, Policy{Kind: Percent, Percent: 100}, PolicyFor(100))
}

func TestAsyncWaitReturnsImmediately(t *testing.T) {
	tb := NewTable()
	tk := tb.Create("/stage/d1", Policy{Kind: Async})

	v, err := tk.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}

func TestKnownSizeWaitsForScan(t *testing.T) {
	tb := NewTable()
	tk := tb.Create("/stage/d1", Policy{Kind: KnownSize})

	tk.EntryTracked(key(1), 4096, true)
	tk.EntryTracked(key(2), 2048, false)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := tk.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	tk.ScanComplete()
	v, err := tk.Wait(context.Background())
	require.NoError(t, err)
	// 6144 bytes = 6 KiB blocks, partially owned bytes included.
	assert.Equal(t, int64(6), v)
}

func TestPercentWakesAtThreshold(t *testing.T) {
	tb := NewTable()
	tk := tb.Create("/stage/d1", Policy{Kind: Percent, Percent: 50})

	tk.EntryTracked(key(1), 1024*1024, true)
	tk.EntryTracked(key(2), 1024*1024, true)
	tk.ScanComplete()

	done := make(chan int64, 1)
	go func() {
		v, err := tk.Wait(context.Background())
		require.NoError(t, err)
		done <- v
	}()

	select {
	case <-done:
		t.Fatal("woke before any byte was freed")
	case <-time.After(20 * time.Millisecond):
	}

	tk.EntryReclaimed(key(1), 1024*1024)

	select {
	case v := <-done:
		assert.Equal(t, int64(1024), v)
	case <-time.After(time.Second):
		t.Fatal("did not wake at 50 percent")
	}
}

func TestPercentWaitsForScanCompletion(t *testing.T) {
	tb := NewTable()
	tk := tb.Create("/stage/d1", Policy{Kind: Percent, Percent: 100})

	// Reclamation outpaces the walk: every entry discovered so far is
	// already freed, but the denominator is still growing.
	tk.EntryTracked(key(1), 1024*1024, true)
	tk.EntryReclaimed(key(1), 1024*1024)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := tk.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	tk.EntryTracked(key(2), 1024*1024, true)
	tk.EntryReclaimed(key(2), 1024*1024)
	tk.ScanComplete()

	v, err := tk.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2048), v)
}

func TestDemotionDrainsPendingTicket(t *testing.T) {
	tb := NewTable()
	tk := tb.Create("/stage/d1", Policy{Kind: Async})

	tk.EntryTracked(key(1), 4096, true)
	tk.ScanComplete()

	// The entry becomes unreclaimable (external link or abandoned after
	// repeated failures); the ticket must still reach the remnant pass.
	tk.EntryDemoted(key(1), 4096)

	select {
	case got := <-tb.Drained():
		assert.Same(t, tk, got)
	case <-time.After(time.Second):
		t.Fatal("ticket never drained after demotion")
	}
}

func TestPercentExcludesDemotedFromNumerator(t *testing.T) {
	tb := NewTable()
	tk := tb.Create("/stage/d1", Policy{Kind: Percent, Percent: 100})

	tk.EntryTracked(key(1), 2048, true)
	tk.EntryTracked(key(2), 2048, true)
	tk.ScanComplete()

	// One inode grows an external link: it stays in the denominator but
	// can never satisfy the threshold, so completion must come from the
	// remnant pass.
	tk.EntryDemoted(key(2), 2048)
	tk.EntryReclaimed(key(1), 2048)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := tk.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	tk.Complete()
	v, err := tk.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestTruncatingBlockDivision(t *testing.T) {
	tb := NewTable()
	tk := tb.Create("/stage/d1", Policy{Kind: KnownSize})
	tk.EntryTracked(key(1), 1023, true)
	tk.ScanComplete()

	v, err := tk.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}

func TestDuplicateTrackCountsOnce(t *testing.T) {
	tb := NewTable()
	tk := tb.Create("/stage/d1", Policy{Kind: KnownSize})

	// Two staged paths of the same inode inside one subtree.
	tk.EntryTracked(key(1), 4096, false)
	tk.EntryTracked(key(1), 4096, true)
	tk.ScanComplete()

	v, err := tk.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), v)
}

func TestDrainedAfterScanAndReclaim(t *testing.T) {
	tb := NewTable()
	tk := tb.Create("/stage/d1", Policy{Kind: Async})

	tk.EntryTracked(key(1), 4096, true)
	tk.ScanComplete()

	select {
	case <-tb.Drained():
		t.Fatal("drained while a fully-owned entry is pending")
	default:
	}

	tk.EntryReclaimed(key(1), 4096)

	select {
	case got := <-tb.Drained():
		assert.Same(t, tk, got)
	case <-time.After(time.Second):
		t.Fatal("ticket never drained")
	}
	assert.Equal(t, int64(4), tk.FreedBlocks())
}

func TestDrainedOnlyOnce(t *testing.T) {
	tb := NewTable()
	tk := tb.Create("/stage/d1", Policy{Kind: Async})
	tk.ScanComplete()

	<-tb.Drained()
	// Late observer traffic must not requeue the ticket.
	tk.EntryTracked(key(1), 512, true)
	tk.EntryReclaimed(key(1), 512)

	select {
	case <-tb.Drained():
		t.Fatal("ticket drained twice")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestTableRemove(t *testing.T) {
	tb := NewTable()
	tk := tb.Create("/stage/d1", Policy{Kind: Async})
	require.Equal(t, 1, tb.Active())
	tb.Remove(tk)
	assert.Equal(t, 0, tb.Active())
}
