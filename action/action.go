// Package action implements ActionSummary, the small
// reducible record every rank contributes each round of
// recovery to reach agreement on what the cluster should
// do next.
package action

import "encoding/binary"

// MaxSeq is the sentinel seqno meaning "no pending normal
// operation", used for checkpoint and load-checkpoint
// rounds that don't carry a collective of their own.
const MaxSeq uint32 = 1<<31 - 1

// A Flag is one of the three independent conditions a rank
// can be reporting this round. They OR-reduce across ranks.
type Flag uint8

const (
	FlagLoadCheck Flag = 1 << iota
	FlagCheckPoint
	FlagCheckAck
)

// A Summary is the packed record reduced across all ranks
// once per recovery iteration. It fits comfortably in the
// {flag: 3 bits, seqno: 31 bits, diff_seq: 1 bit} layout
// its wire format uses.
type Summary struct {
	Flag    Flag
	Seqno   uint32
	DiffSeq bool
}

// New builds the local contribution for this round.
func New(flag Flag, seqno uint32) Summary {
	return Summary{Flag: flag, Seqno: seqno}
}

func (s Summary) LoadCheck() bool  { return s.Flag&FlagLoadCheck != 0 }
func (s Summary) CheckPoint() bool { return s.Flag&FlagCheckPoint != 0 }
func (s Summary) CheckAck() bool   { return s.Flag&FlagCheckAck != 0 }

// Reduce combines two summaries. It is associative and
// commutative: flags OR together, seqno takes the minimum,
// and diff_seq records whether any two operands merged so
// far disagreed on a finite seqno.
func Reduce(a, b Summary) Summary {
	c := Summary{Flag: a.Flag | b.Flag}
	if a.Seqno < b.Seqno {
		c.Seqno = a.Seqno
	} else {
		c.Seqno = b.Seqno
	}
	disagree := a.Seqno != b.Seqno && c.Seqno != MaxSeq
	c.DiffSeq = a.DiffSeq || b.DiffSeq || disagree
	return c
}

// wireSize is the width in bytes of the little-endian
// packed word carried across the wire and reduced by the
// base engine's TryAllreduce.
const wireSize = 8

// Encode packs s into its fixed-width little-endian wire
// form.
func (s Summary) Encode() []byte {
	word := uint64(s.Flag & 0x7)
	word |= uint64(s.Seqno&0x7fffffff) << 3
	if s.DiffSeq {
		word |= 1 << 34
	}
	out := make([]byte, wireSize)
	binary.LittleEndian.PutUint64(out, word)
	return out
}

// Decode reverses Encode.
func Decode(buf []byte) Summary {
	word := binary.LittleEndian.Uint64(buf)
	return Summary{
		Flag:    Flag(word & 0x7),
		Seqno:   uint32((word >> 3) & 0x7fffffff),
		DiffSeq: word&(1<<34) != 0,
	}
}

// ReduceBytes is a base.ReduceFunction over the wire
// encoding of Summary, so a Summary can be reduced across
// the cluster with the same TryAllreduce every other
// collective uses.
func ReduceBytes(dst, src []byte, typeNbytes int) {
	c := Reduce(Decode(dst), Decode(src))
	copy(dst, c.Encode())
}
