package engine

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/unixpickle/rabit/base"
	"github.com/unixpickle/rabit/simulator"
)

func encodeInt32s(vs []int32) []byte {
	buf := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], uint32(v))
	}
	return buf
}

func decodeInt32s(buf []byte) []int32 {
	vs := make([]int32, len(buf)/4)
	for i := range vs {
		vs[i] = int32(binary.LittleEndian.Uint32(buf[i*4 : i*4+4]))
	}
	return vs
}

type testModel struct {
	data []byte
}

func (m *testModel) Save() []byte  { return append([]byte(nil), m.data...) }
func (m *testModel) Load(d []byte) { m.data = append([]byte(nil), d...) }

// TestEngineAllreduceHealthy checks the golden path: no
// faults, so RecoverExec's first consensus round always
// agrees and every Allreduce call reduces fresh data.
func TestEngineAllreduceHealthy(t *testing.T) {
	const worldSize = 4
	loop := simulator.NewEventLoop()
	network := simulator.RandomNetwork{}

	results := make([][]int32, worldSize)
	base.SpawnCluster(loop, network, worldSize, 4096, func(b *base.Base) {
		e := New(b)
		vals := []int32{int32(b.Rank), int32(b.Rank + 1), int32(b.Rank + 2), int32(b.Rank + 3)}
		buf := encodeInt32s(vals)
		e.Allreduce(buf, 4, len(vals), base.SumInt32)
		results[b.Rank] = decodeInt32s(buf)
	})

	require.NoError(t, loop.Run())

	want := []int32{6, 10, 14, 18}
	for rank, res := range results {
		require.Equal(t, want, res, "rank %d", rank)
	}
}

// TestEngineCrashAndRejoin has rank 1 sever its only link
// before the first Allreduce call. Both ranks must recover
// through a reconnect and still land on the same, correct
// sum on their very next attempt.
func TestEngineCrashAndRejoin(t *testing.T) {
	const worldSize = 2
	loop := simulator.NewEventLoop()
	network := simulator.RandomNetwork{}

	results := make([]int32, worldSize)
	base.SpawnCluster(loop, network, worldSize, 4096, func(b *base.Base) {
		e := New(b)
		if b.Rank == 1 {
			b.KillLink(0)
		}
		buf := encodeInt32s([]int32{int32(10 + b.Rank)})
		e.Allreduce(buf, 4, 1, base.SumInt32)
		results[b.Rank] = decodeInt32s(buf)[0]
	})

	require.NoError(t, loop.Run())
	for rank, v := range results {
		require.EqualValues(t, 21, v, "rank %d", rank)
	}
}

// TestEngineLostResultReplay simulates rank 2 restarting
// with a completely empty result buffer after every other
// rank has already moved six rounds ahead. Rank 2 has to
// replay each missed round one at a time, recovering every
// value from whichever rank's retention slot still holds
// it, before it can rejoin the round everyone else is
// waiting on.
func TestEngineLostResultReplay(t *testing.T) {
	const worldSize = 4
	const rounds = 6
	loop := simulator.NewEventLoop()
	network := simulator.RandomNetwork{}

	recovered := make([]int32, rounds)
	finalResults := make([]int32, worldSize)
	base.SpawnCluster(loop, network, worldSize, 4096, func(b *base.Base) {
		e := New(b)
		e.SetParam("result_replicate", "2")

		for i := 0; i < rounds; i++ {
			buf := encodeInt32s([]int32{int32(b.Rank + i)})
			e.Allreduce(buf, 4, 1, base.SumInt32)
			if b.Rank == 0 {
				recovered[i] = decodeInt32s(buf)[0]
			}
		}

		if b.Rank == 2 {
			e = New(b)
			e.SetParam("result_replicate", "2")
			for i := 0; i < rounds; i++ {
				buf := make([]byte, 4)
				e.Allreduce(buf, 4, 1, base.SumInt32)
				require.Equal(t, recovered[i], decodeInt32s(buf)[0], "replayed round %d", i)
			}
		}

		buf := encodeInt32s([]int32{int32(b.Rank + rounds)})
		e.Allreduce(buf, 4, 1, base.SumInt32)
		finalResults[b.Rank] = decodeInt32s(buf)[0]
	})

	require.NoError(t, loop.Run())

	want := int32(0)
	for r := 0; r < worldSize; r++ {
		want += int32(r + rounds)
	}
	for rank, v := range finalResults {
		require.Equal(t, want, v, "rank %d", rank)
	}
}

// TestEngineCheckpointAndLoadAcrossCrash has every rank
// checkpoint identical model state, then simulates a
// restart in which rank 0 stays up (the moral equivalent
// of a coordinator that survives while workers reconnect)
// while every other rank comes back with a blank engine
// and must recover the blob over the network. Rank 0's own
// next ordinary collective call is what surfaces the
// mismatch: its finite sequence number, reduced alongside
// the recovering ranks' load-check requests, is what gives
// the recovery loop something to disagree about.
func TestEngineCheckpointAndLoadAcrossCrash(t *testing.T) {
	const worldSize = 4
	loop := simulator.NewEventLoop()
	network := simulator.RandomNetwork{}

	payload := make([]byte, 65536)
	for i := range payload {
		payload[i] = byte(i * 3)
	}

	versions := make([]uint32, worldSize)
	loaded := make([][]byte, worldSize)
	sums := make([]int32, worldSize)
	base.SpawnCluster(loop, network, worldSize, 8192, func(b *base.Base) {
		e := New(b)
		e.CheckPoint(&testModel{data: append([]byte(nil), payload...)})

		var model testModel
		if b.Rank == 0 {
			versions[b.Rank] = e.VersionNumber()
			model.data = append([]byte(nil), payload...)
		} else {
			e = New(b)
			versions[b.Rank] = e.LoadCheckPoint(&model)
		}
		loaded[b.Rank] = model.data

		buf := encodeInt32s([]int32{1})
		e.Allreduce(buf, 4, 1, base.SumInt32)
		sums[b.Rank] = decodeInt32s(buf)[0]
	})

	require.NoError(t, loop.Run())
	for rank := range versions {
		require.EqualValues(t, 1, versions[rank], "rank %d", rank)
		require.Equal(t, payload, loaded[rank], "rank %d", rank)
		require.EqualValues(t, worldSize, sums[rank], "rank %d", rank)
	}
}

// TestEngineLoadCheckPointFreshCluster checks that a
// cluster with no prior checkpoint agrees on that fact
// without ever attempting a network transfer: every rank's
// blob is nil, so there is no HaveData source, and
// LoadCheckPoint must report version 0 to all of them.
func TestEngineLoadCheckPointFreshCluster(t *testing.T) {
	const worldSize = 3
	loop := simulator.NewEventLoop()
	network := simulator.RandomNetwork{}

	versions := make([]uint32, worldSize)
	base.SpawnCluster(loop, network, worldSize, 4096, func(b *base.Base) {
		e := New(b)
		m := &testModel{}
		versions[b.Rank] = e.LoadCheckPoint(m)
	})

	require.NoError(t, loop.Run())
	for rank, v := range versions {
		require.EqualValues(t, 0, v, "rank %d", rank)
	}
}
