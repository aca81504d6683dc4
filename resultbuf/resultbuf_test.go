package resultbuf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func pushInt64(b *Buffer, seqno int, v int64) {
	buf := b.AllocTemp(8, 1)
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	b.PushTemp(seqno, 8, 1)
}

func TestQueryAndLastSeqNo(t *testing.T) {
	b := New(0)
	require.Equal(t, -1, b.LastSeqNo())

	pushInt64(b, 0, 42)
	pushInt64(b, 1, 43)

	require.Equal(t, 1, b.LastSeqNo())

	data, typeNbytes, count, ok := b.Query(0)
	require.True(t, ok)
	require.Equal(t, 8, typeNbytes)
	require.Equal(t, 1, count)
	require.Len(t, data, 8)

	_, _, _, ok = b.Query(99)
	require.False(t, ok)
}

func TestRetentionSparsity(t *testing.T) {
	const world = 4
	const replicate = 2
	round := world / replicate

	bufs := make([]*Buffer, world)
	for r := range bufs {
		bufs[r] = New(r)
		bufs[r].SetRound(round)
	}

	const n = 20
	for seqno := 0; seqno < n; seqno++ {
		for r := range bufs {
			// Matches the engine's real call order: drop the
			// previous entry if this rank's slot excludes it,
			// then push the new one.
			bufs[r].DropLast()
			pushInt64(bufs[r], seqno, int64(seqno))
		}
	}

	for seqno := 0; seqno < n; seqno++ {
		holders := 0
		for r := range bufs {
			if _, _, _, ok := bufs[r].Query(seqno); ok {
				holders++
			}
		}
		if round <= world {
			require.GreaterOrEqualf(t, holders, 1, "seqno %d should have a holder", seqno)
		}
	}
}

func TestClearResetsEverything(t *testing.T) {
	b := New(2)
	pushInt64(b, 0, 1)
	pushInt64(b, 1, 2)
	b.Clear()

	require.Equal(t, -1, b.LastSeqNo())
	_, _, _, ok := b.Query(0)
	require.False(t, ok)

	// AllocTemp must work again after Clear even though a
	// temp was never pushed following the previous entries.
	buf := b.AllocTemp(4, 1)
	require.Len(t, buf, 4)
}

func TestAllocTempPanicsWhenOutstanding(t *testing.T) {
	b := New(0)
	b.AllocTemp(4, 1)
	require.Panics(t, func() { b.AllocTemp(4, 1) })
}
