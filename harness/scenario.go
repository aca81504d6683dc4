// Package harness loads YAML-described end-to-end scenarios
// for the robust collective engine and drives a simulated
// cluster through them. It plays the role a fixed benchmark
// matrix plays for a plain throughput demo, but for a
// fault-tolerance demo the interesting axis is not size and
// rate, it is which ranks fail when.
package harness

import (
	"bytes"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Fault describes one rank severing its link to a peer at the
// start of a round, before that round's Allreduce. Both ranks
// are still expected to recover and land on the same result
// for that round.
type Fault struct {
	// Round is the zero-based Allreduce round at whose start
	// this fault fires. Every fault listed for a round fires.
	Round int `yaml:"round"`

	// Rank is the node that calls KillLink.
	Rank int `yaml:"rank"`

	// Peer is the link Rank severs.
	Peer int `yaml:"peer"`
}

// Scenario describes one end-to-end run of the engine: how
// many ranks, how many Allreduce rounds to drive them
// through, which rounds inject a link fault, and whether to
// checkpoint at the end.
type Scenario struct {
	// Name identifies the scenario in the demo's report.
	Name string `yaml:"name"`

	// WorldSize is the number of simulated ranks.
	WorldSize int `yaml:"world_size"`

	// BufferSize bounds each link's ring buffer, in bytes.
	BufferSize int `yaml:"buffer_size"`

	// Rounds is the number of Allreduce calls every rank makes.
	Rounds int `yaml:"rounds"`

	// ResultReplicate configures the engine's result_replicate
	// SetParam before the first round, if non-zero.
	ResultReplicate int `yaml:"result_replicate,omitempty"`

	// Faults injects link failures at specific rounds.
	Faults []Fault `yaml:"faults,omitempty"`

	// Checkpoint, if true, has every rank checkpoint after the
	// last round and immediately load it back.
	Checkpoint bool `yaml:"checkpoint,omitempty"`
}

// Load reads and strictly decodes a scenario file: unknown
// keys are a load error rather than being silently ignored,
// the same way a typo'd YAML flag should fail loudly instead
// of quietly running the default.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "harness: read scenario")
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var s Scenario
	if err := dec.Decode(&s); err != nil {
		return nil, errors.Wrap(err, "harness: parse scenario")
	}
	if err := s.validate(); err != nil {
		return nil, errors.Wrap(err, "harness: invalid scenario")
	}
	return &s, nil
}

func (s *Scenario) validate() error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if s.WorldSize < 2 {
		return errors.New("world_size must be at least 2")
	}
	if s.BufferSize < 1 {
		return errors.New("buffer_size must be positive")
	}
	if s.Rounds < 1 {
		return errors.New("rounds must be at least 1")
	}
	for i, f := range s.Faults {
		if f.Round < 0 || f.Round >= s.Rounds {
			return errors.Errorf("faults[%d]: round %d out of range [0,%d)", i, f.Round, s.Rounds)
		}
		if f.Rank < 0 || f.Rank >= s.WorldSize || f.Peer < 0 || f.Peer >= s.WorldSize {
			return errors.Errorf("faults[%d]: rank/peer out of range", i)
		}
	}
	return nil
}

// FaultsForRound returns the faults, if any, that fire at the
// start of the given round on rank.
func (s *Scenario) FaultsForRound(round, rank int) []Fault {
	var out []Fault
	for _, f := range s.Faults {
		if f.Round == round && f.Rank == rank {
			out = append(out, f)
		}
	}
	return out
}
