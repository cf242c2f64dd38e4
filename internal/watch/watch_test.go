package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherSeesNewTopLevelEntries(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()

	w, err := New([]string{root}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// A rename into the root, the way staging happens.
	src := filepath.Join(outside, "victim")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0o755))
	require.NoError(t, os.Rename(src, filepath.Join(root, "victim")))

	select {
	case ev := <-w.Events():
		assert.Equal(t, root, ev.Root)
		assert.Equal(t, filepath.Join(root, "victim"), ev.Path)
	case <-time.After(5 * time.Second):
		t.Fatal("no event for staged entry")
	}
}

func TestWatcherIgnoresDeeperEvents(t *testing.T) {
	root := t.TempDir()

	w, err := New([]string{root}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, os.Mkdir(filepath.Join(root, "res"), 0o755))

	select {
	case ev := <-w.Events():
		assert.Equal(t, filepath.Join(root, "res"), ev.Path)
	case <-time.After(5 * time.Second):
		t.Fatal("no event for new directory")
	}

	// Content below the first level is not the watcher's business.
	require.NoError(t, os.WriteFile(filepath.Join(root, "res", "deep"), []byte("x"), 0o644))
	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}
