package journal

import (
	"bytes"
	"os"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(path.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	var ticks int
	s.now = func() time.Time {
		ticks++
		return start.Add(time.Duration(ticks) * time.Second)
	}
	return s
}

func TestStore_RecordKeepsOrder(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Record("bitcoind-1", "configured", map[string]any{"rpcport": 18443}))
	require.NoError(t, s.Record("bitcoind-1", "generate", map[string]any{"blocks": 101}))
	require.NoError(t, s.Record("elementsd-2", "reorg", nil))

	events, err := s.Events()
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(1), events[0].Seq)
	assert.Equal(t, "configured", events[0].Kind)
	assert.EqualValues(t, 101, events[1].Fields["blocks"])
	assert.Equal(t, "elementsd-2", events[2].Source)
	assert.Nil(t, events[2].Fields)
	assert.True(t, events[1].Time.After(events[0].Time))
}

func TestStore_Tail(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 300; i++ {
		require.NoError(t, s.Record("bitcoind-1", "generate", map[string]any{"n": i}))
	}

	events, err := s.Tail(3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.EqualValues(t, 297, events[0].Fields["n"])
	assert.EqualValues(t, 299, events[2].Fields["n"])

	// Keys are big endian so byte order matches record order past 255.
	assert.Equal(t, uint64(300), events[2].Seq)

	events, err = s.Tail(1000)
	require.NoError(t, err)
	assert.Len(t, events, 300)
}

func TestStore_BySource(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Record("bitcoind-1", "configured", nil))
	require.NoError(t, s.Record("elementsd-2", "configured", nil))
	require.NoError(t, s.Record("bitcoind-1", "stopped", nil))

	events, err := s.BySource("bitcoind-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "stopped", events[1].Kind)
}

func TestStore_Dump(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Record("bitcoind-1", "invalidateblock", map[string]any{"hash": "00ab"}))
	require.NoError(t, s.Record("bitcoind-1", "reorg", map[string]any{"shift": 30, "fork_height": 100}))

	var buf bytes.Buffer
	require.NoError(t, s.Dump(&buf, 10))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "12:00:01.000 0001 bitcoind-1     invalidateblock hash=00ab", lines[0])
	assert.Equal(t, "12:00:02.000 0002 bitcoind-1     reorg fork_height=100 shift=30", lines[1])
}

func TestStore_Reopen(t *testing.T) {
	dbPath := path.Join(t.TempDir(), "journal.db")
	s, err := Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Record("bitcoind-1", "configured", nil))
	require.NoError(t, s.Close())

	db, err := bbolt.Open(dbPath, os.ModePerm, nil)
	require.NoError(t, err)
	s, err = NewStore(db)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Record("bitcoind-1", "stopped", nil))
	events, err := s.Events()
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(2), events[1].Seq)
}
