// Command rabitdemo drives the robust collective engine
// through a YAML-described fault scenario and prints a
// per-rank report, the fault-tolerant analog of the teacher
// package's bench_allreduce throughput matrix.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/unixpickle/essentials"

	"github.com/unixpickle/rabit/harness"
)

func defaultScenario() *harness.Scenario {
	return &harness.Scenario{
		Name:            "default",
		WorldSize:       4,
		BufferSize:      4096,
		Rounds:          6,
		ResultReplicate: 2,
		Faults: []harness.Fault{
			{Round: 3, Rank: 2, Peer: 0},
		},
		Checkpoint: true,
	}
}

func main() {
	scenarioPath := flag.String("scenario", "", "path to a YAML scenario file (default: a built-in demo scenario)")
	flag.Parse()

	scenario := defaultScenario()
	if *scenarioPath != "" {
		loaded, err := harness.Load(*scenarioPath)
		essentials.Must(err)
		scenario = loaded
	}

	report := harness.Run(scenario)

	fmt.Printf("scenario %q: %d ranks, %d rounds\n", scenario.Name, scenario.WorldSize, scenario.Rounds)
	for _, rr := range report.Ranks {
		fmt.Printf("  rank %d: sums=%v", rr.Rank, rr.Sums)
		if scenario.Checkpoint {
			fmt.Printf(" version=%d checkpoint_ok=%v", rr.Version, rr.CheckpointOK)
		}
		fmt.Println()
	}

	for _, rr := range report.Ranks[1:] {
		if !equalInt32(rr.Sums, report.Ranks[0].Sums) {
			fmt.Fprintln(os.Stderr, "ranks disagree on reduced sums")
			os.Exit(1)
		}
	}
}

func equalInt32(a, b []int32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
