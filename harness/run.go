package harness

import (
	"encoding/binary"
	"strconv"
	"sync"

	"k8s.io/klog/v2"

	"github.com/unixpickle/rabit/base"
	"github.com/unixpickle/rabit/engine"
	"github.com/unixpickle/rabit/simulator"
)

// blobModel is the checkpoint payload the demo binary
// exercises the engine's CheckPoint/LoadCheckPoint pair
// with. Its content is irrelevant; only that every rank
// agrees on it matters.
type blobModel struct {
	data []byte
}

func (m *blobModel) Save() []byte  { return append([]byte(nil), m.data...) }
func (m *blobModel) Load(d []byte) { m.data = append([]byte(nil), d...) }

// RankReport captures one rank's observations from a Run, so
// the caller can print a per-rank summary or assert on them
// in a test.
type RankReport struct {
	Rank         int
	Sums         []int32
	Version      uint32
	CheckpointOK bool
}

// Report is the outcome of driving a Scenario to completion.
type Report struct {
	Scenario *Scenario
	Ranks    []RankReport
}

// Run drives a fresh simulated cluster through s and returns
// a report once every rank has finished. It never returns an
// error: like the engine it drives, faults are handled
// internally and a scenario either finishes or the process
// aborts on a genuine fatal condition, matching §7's
// propagation policy.
func Run(s *Scenario) *Report {
	loop := simulator.NewEventLoop()
	network := simulator.RandomNetwork{}

	report := &Report{Scenario: s, Ranks: make([]RankReport, s.WorldSize)}
	var mu sync.Mutex

	base.SpawnCluster(loop, network, s.WorldSize, s.BufferSize, func(b *base.Base) {
		e := engine.New(b)
		if s.ResultReplicate > 0 {
			e.SetParam("result_replicate", strconv.Itoa(s.ResultReplicate))
		}

		sums := make([]int32, 0, s.Rounds)
		for round := 0; round < s.Rounds; round++ {
			for _, f := range s.FaultsForRound(round, b.Rank) {
				klog.V(1).Infof("harness: scenario %q round %d: rank %d kills link to %d", s.Name, round, f.Rank, f.Peer)
				b.KillLink(f.Peer)
			}

			buf := make([]byte, 4)
			binary.LittleEndian.PutUint32(buf, uint32(b.Rank+round))
			e.Allreduce(buf, 4, 1, base.SumInt32)
			sums = append(sums, int32(binary.LittleEndian.Uint32(buf)))
		}

		rr := RankReport{Rank: b.Rank, Sums: sums}

		if s.Checkpoint {
			payload := make([]byte, 256)
			for i := range payload {
				payload[i] = byte(i)
			}
			e.CheckPoint(&blobModel{data: payload})

			var m blobModel
			rr.Version = e.LoadCheckPoint(&m)
			rr.CheckpointOK = string(m.data) == string(payload)
		}

		mu.Lock()
		report.Ranks[b.Rank] = rr
		mu.Unlock()
	})

	loop.MustRun()
	return report
}

