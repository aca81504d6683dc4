package action

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func randSummary(r *rand.Rand) Summary {
	seqno := MaxSeq
	if r.Intn(2) == 0 {
		seqno = uint32(r.Intn(1000))
	}
	return Summary{
		Flag:    Flag(r.Intn(8)),
		Seqno:   seqno,
		DiffSeq: r.Intn(2) == 0,
	}
}

func TestReduceAssociativeCommutative(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		a, b, c := randSummary(r), randSummary(r), randSummary(r)

		left := Reduce(Reduce(a, b), c)
		right := Reduce(a, Reduce(b, c))
		require.Equal(t, left, right, "reducer must be associative")

		require.Equal(t, Reduce(a, b), Reduce(b, a), "reducer must be commutative")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	for i := 0; i < 100; i++ {
		s := randSummary(r)
		got := Decode(s.Encode())
		require.Equal(t, s, got)
	}
}

func TestReduceMinSeqno(t *testing.T) {
	a := New(FlagCheckPoint, 5)
	b := New(FlagLoadCheck, 3)
	c := Reduce(a, b)
	require.Equal(t, uint32(3), c.Seqno)
	require.Equal(t, FlagCheckPoint|FlagLoadCheck, c.Flag)
	require.True(t, c.DiffSeq)
}

func TestReduceSameSeqnoNoDiff(t *testing.T) {
	a := New(0, 7)
	b := New(0, 7)
	c := Reduce(a, b)
	require.False(t, c.DiffSeq)
}

func TestReduceMaxSeqNeverCountsAsDiff(t *testing.T) {
	a := New(FlagCheckPoint, MaxSeq)
	b := New(FlagCheckPoint, MaxSeq)
	c := Reduce(a, b)
	require.False(t, c.DiffSeq)
	require.Equal(t, MaxSeq, c.Seqno)
}
