package inventory

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cehteh/rmrfd/internal/platform"
)

func stageFile(t *testing.T, s *Store, path string, size int, obs Observer) Key {
	t.Helper()
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	m, err := platform.Lstat(path)
	require.NoError(t, err)
	s.Upsert(m, path, obs)
	return Key{Dev: m.Dev, Ino: m.Ino}
}

func TestReclaimUnlinksAllStagedPaths(t *testing.T) {
	dir := t.TempDir()
	s := NewStore()
	obs := &recorder{}

	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	k := stageFile(t, s, a, 8192, obs)
	require.NoError(t, os.Link(a, b))
	m, err := platform.Lstat(b)
	require.NoError(t, err)
	s.Upsert(m, b, obs)

	rep := s.Reclaim(k, platform.Unlink)
	assert.Equal(t, ReclaimDone, rep.Outcome)
	assert.Positive(t, rep.Bytes)

	assert.NoFileExists(t, a)
	assert.NoFileExists(t, b)
	assert.Equal(t, []Key{k}, obs.reclaimed)
	// Reclaimed entries are destroyed.
	_, ok := s.Get(k)
	assert.False(t, ok)
	assert.Equal(t, int64(0), s.Reclaimable())
}

func TestReclaimDemotesWhenExternalLinkAppears(t *testing.T) {
	dir := t.TempDir()
	s := NewStore()
	obs := &recorder{}

	staged := filepath.Join(dir, "staged")
	k := stageFile(t, s, staged, 8192, obs)

	// A link appears after the scan; the stale classification says fully
	// owned but revalidation must refuse to reclaim.
	require.NoError(t, os.Link(staged, filepath.Join(dir, "external")))

	rep := s.Reclaim(k, platform.Unlink)
	assert.Equal(t, ReclaimDemoted, rep.Outcome)
	assert.FileExists(t, staged)
	assert.Equal(t, []Key{k}, obs.demoted)

	snap, ok := s.Get(k)
	require.True(t, ok)
	assert.Equal(t, StatePartiallyOwned, snap.State)
	assert.Equal(t, int64(0), s.Reclaimable())
}

func TestReclaimGoneWhenPathsVanished(t *testing.T) {
	dir := t.TempDir()
	s := NewStore()

	path := filepath.Join(dir, "gone")
	k := stageFile(t, s, path, 4096, nil)
	require.NoError(t, os.Remove(path))

	rep := s.Reclaim(k, platform.Unlink)
	assert.Equal(t, ReclaimGone, rep.Outcome)
	_, ok := s.Get(k)
	assert.False(t, ok)
}

func TestReclaimSkipsUnknownKey(t *testing.T) {
	s := NewStore()
	rep := s.Reclaim(Key{Dev: 1, Ino: 424242}, platform.Unlink)
	assert.Equal(t, ReclaimSkipped, rep.Outcome)
}

func TestReclaimRetryOnUnlinkFailure(t *testing.T) {
	dir := t.TempDir()
	s := NewStore()

	path := filepath.Join(dir, "stuck")
	k := stageFile(t, s, path, 4096, nil)

	failing := func(string) error { return errors.New("injected") }
	rep := s.Reclaim(k, failing)
	assert.Equal(t, ReclaimRetry, rep.Outcome)
	assert.Error(t, rep.Err)

	// The entry is pending and a later pass with a working unlink
	// finishes the job.
	snap, ok := s.Get(k)
	require.True(t, ok)
	assert.Equal(t, StatePending, snap.State)

	rep = s.Reclaim(k, platform.Unlink)
	assert.Equal(t, ReclaimDone, rep.Outcome)
	assert.NoFileExists(t, path)
}

func TestAbandonReclassifiesFailedEntry(t *testing.T) {
	dir := t.TempDir()
	s := NewStore()
	obs := &recorder{}

	path := filepath.Join(dir, "stuck")
	k := stageFile(t, s, path, 4096, obs)

	failing := func(string) error { return errors.New("injected") }
	rep := s.Reclaim(k, failing)
	require.Equal(t, ReclaimRetry, rep.Outcome)

	// Retries exhausted: the entry leaves the fully-owned set so tickets
	// observing it drain instead of waiting forever.
	s.Abandon(k)
	assert.Equal(t, []Key{k}, obs.demoted)
	assert.Equal(t, int64(0), s.Reclaimable())

	snap, ok := s.Get(k)
	require.True(t, ok)
	assert.Equal(t, StatePartiallyOwned, snap.State)

	// A rescan restores ownership once the failure cleared.
	m, err := platform.Lstat(path)
	require.NoError(t, err)
	res := s.Upsert(m, path, obs)
	assert.True(t, res.BecameFullyOwned)
}

func TestAbandonUnknownKeyIsNoop(t *testing.T) {
	s := NewStore()
	s.Abandon(Key{Dev: 1, Ino: 424242})
	assert.Equal(t, 0, s.Len())
}

func TestReclaimAfterExternalLinkRemoved(t *testing.T) {
	dir := t.TempDir()
	s := NewStore()

	staged := filepath.Join(dir, "staged")
	external := filepath.Join(dir, "external")
	k := stageFile(t, s, staged, 8192, nil)
	require.NoError(t, os.Link(staged, external))

	rep := s.Reclaim(k, platform.Unlink)
	require.Equal(t, ReclaimDemoted, rep.Outcome)

	// The last external reference goes away; reclamation now succeeds.
	require.NoError(t, os.Remove(external))
	rep = s.Reclaim(k, platform.Unlink)
	assert.Equal(t, ReclaimDone, rep.Outcome)
	assert.NoFileExists(t, staged)
}
