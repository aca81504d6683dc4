// Package engine implements the robust collective engine:
// the recovery loop that keeps every rank's action log in
// agreement (RecoverExec) and the public collective API
// (Allreduce, Broadcast, CheckPoint, LoadCheckPoint,
// Shutdown, SetParam) built on top of it.
package engine

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/unixpickle/rabit/action"
	"github.com/unixpickle/rabit/base"
	"github.com/unixpickle/rabit/datarecovery"
	"github.com/unixpickle/rabit/resultbuf"
	"github.com/unixpickle/rabit/routing"
)

// A Model is the caller's globally shared state, serialized
// into the checkpoint blob and restored from it. It is
// implemented by the training loop's own model object; the
// engine treats the bytes it produces as opaque.
type Model interface {
	Save() []byte
	Load(data []byte)
}

// An Engine wraps a base collective engine with the
// fault-tolerance layer: a sequence-numbered operation log,
// a result cache, and the recovery protocol that keeps every
// rank's log in agreement after a link fault.
//
// An Engine is not safe for concurrent use. Every method is
// meant to be called from the single goroutine that owns the
// underlying Base, matching the single-threaded-per-rank
// model the whole stack is built on.
type Engine struct {
	base *base.Base

	seqCounter     uint32
	versionNumber  uint32
	checkpointBlob []byte

	resbuf          *resultbuf.Buffer
	resultReplicate int
}

// New creates an Engine on top of b. The result buffer
// starts with round 1 (every rank retains every result)
// until SetParam narrows it.
func New(b *base.Base) *Engine {
	klog.V(2).Infof("engine: rank %d/%d starting", b.Rank, b.WorldSize)
	return &Engine{
		base:            b,
		resbuf:          resultbuf.New(b.Rank),
		resultReplicate: 1,
	}
}

// VersionNumber reports the checkpoint version most recently
// loaded or saved by this rank. 0 means no checkpoint has
// ever been established.
func (e *Engine) VersionNumber() uint32 {
	return e.versionNumber
}

// SetParam applies one configuration key. The two keys this
// layer recognizes are consumed here; every other key is
// ignored and is not passed on to the base engine, which
// has no configuration surface of its own.
func (e *Engine) SetParam(name, val string) {
	switch name {
	case "result_buffer_round":
		round := atoiOrPanic(name, val)
		e.resbuf.SetRound(round)
	case "result_replicate":
		replicate := atoiOrPanic(name, val)
		if replicate < 1 {
			replicate = 1
		}
		e.resultReplicate = replicate
		round := e.base.WorldSize / replicate
		if round < 1 {
			round = 1
		}
		e.resbuf.SetRound(round)
	default:
		// Every other key is ignored.
	}
}

func atoiOrPanic(name, val string) int {
	n := 0
	neg := false
	for i, c := range val {
		if i == 0 && c == '-' {
			neg = true
			continue
		}
		if c < '0' || c > '9' {
			panic(errors.Errorf("engine: SetParam %q: invalid integer %q", name, val))
		}
		n = n*10 + int(c-'0')
	}
	if neg {
		n = -n
	}
	return n
}

// checkAndRecover reports whether ret is Success. On any
// other outcome it closes every link this rank has not
// already abandoned and reconnects, so the next round starts
// from a clean slate.
func (e *Engine) checkAndRecover(ret base.ReturnType) bool {
	if ret == base.Success {
		return true
	}
	attempt := uuid.NewString()
	klog.Warningf("engine: rank %d hit %s, reconnecting links (attempt %s)", e.base.Rank, ret, attempt)
	for _, l := range e.base.Links() {
		if !l.Bad() {
			l.Close()
		}
	}
	if err := e.base.ReConnectLinks("recover"); err != nil {
		klog.Warningf("engine: rank %d reconnect attempt %s failed: %v", e.base.Rank, attempt, err)
	}
	return false
}

// RecoverExec is the engine's synchronization point. It
// reduces an ActionSummary describing this rank's pending
// action against every other rank's, and keeps looping
// through whatever recovery the reduced result calls for
// until either the requested action is confirmed already
// done (returns true, and buf holds its result) or every
// rank agrees this is the next action to execute locally
// (returns false).
func (e *Engine) RecoverExec(buf []byte, size int, flag action.Flag, seqno uint32) bool {
	if flag != 0 && seqno != action.MaxSeq {
		panic(errors.New("engine: must only set seqno for normal operations"))
	}
	req := action.New(flag, seqno)

	for {
		wire := req.Encode()
		ret := e.base.TryAllreduce(wire, 8, 1, action.ReduceBytes)
		if !e.checkAndRecover(ret) {
			continue
		}
		act := action.Decode(wire)

		if act.CheckAck() {
			switch {
			case act.CheckPoint():
				if act.DiffSeq {
					panic(errors.New("engine: check ack & check point cannot occur together with normal ops"))
				}
				if req.CheckPoint() {
					return true
				}
			case act.LoadCheck():
				if !e.checkAndRecover(e.tryLoadCheckPoint()) {
					continue
				}
				if req.LoadCheck() {
					return true
				}
			default:
				if req.CheckAck() {
					return true
				}
			}
			continue
		}

		switch {
		case act.CheckPoint():
			if act.DiffSeq {
				if act.Seqno == action.MaxSeq {
					panic(errors.New("engine: min seq bug"))
				}
				requester := req.Seqno == act.Seqno
				if !e.checkAndRecover(e.tryGetResult(buf, act.Seqno, requester)) {
					continue
				}
				if requester {
					return true
				}
			} else if req.CheckPoint() {
				return true
			}
		case act.LoadCheck():
			if !act.DiffSeq {
				return false
			}
			if !e.checkAndRecover(e.tryLoadCheckPoint()) {
				continue
			}
			if req.LoadCheck() {
				return true
			}
		default:
			if act.Seqno == action.MaxSeq {
				panic(errors.New("engine: min seq bug"))
			}
			if !act.DiffSeq {
				return false
			}
			requester := req.Seqno == act.Seqno
			if !e.checkAndRecover(e.tryGetResult(buf, act.Seqno, requester)) {
				continue
			}
			if requester {
				return true
			}
		}
	}
}

// tryGetResult recovers the result of seqno, which some rank
// is missing while the rest of the cluster has already moved
// past it. A rank holding the result in its ResultBuffer acts
// as HaveData; the missing rank (identified by the caller as
// requester) acts as RequestData; everyone else relays.
func (e *Engine) tryGetResult(buf []byte, seqno uint32, requester bool) base.ReturnType {
	role := routing.RequestData
	haveSize := 0
	var haveData []byte
	if !requester {
		if data, typeNbytes, count, ok := e.resbuf.Query(int(seqno)); ok {
			role = routing.HaveData
			haveData = data
			haveSize = typeNbytes * count
		} else {
			role = routing.PassData
		}
	}

	plan, ret := routing.Solve(e.base, role, haveSize)
	if ret != base.Success {
		return ret
	}
	if plan.Size == 0 {
		panic(errors.New("engine: zero size result recovery is not allowed"))
	}

	switch role {
	case routing.HaveData:
		return datarecovery.TryRecoverData(e.base.Handle(), e.base.Links(), role, haveData, plan.Size, plan)
	case routing.RequestData:
		out := buf[:plan.Size]
		ret := datarecovery.TryRecoverData(e.base.Handle(), e.base.Links(), role, out, plan.Size, plan)
		if ret == base.Success {
			temp := e.resbuf.AllocTemp(1, plan.Size)
			copy(temp, out)
			e.resbuf.PushTemp(int(seqno), 1, plan.Size)
		}
		return ret
	default:
		return datarecovery.TryRecoverData(e.base.Handle(), e.base.Links(), role, nil, plan.Size, plan)
	}
}

// tryLoadCheckPoint moves the checkpoint blob from whichever
// ranks already hold one (HaveData) to whichever ranks
// currently have none (RequestData). Unlike tryGetResult,
// role is decided by local possession of the blob rather than
// by which rank issued the request: LoadCheckPoint is meant
// to be called by every rank unconditionally at startup, so
// "did I ask for it" cannot distinguish holders from the
// genuinely empty.
func (e *Engine) tryLoadCheckPoint() base.ReturnType {
	role := routing.RequestData
	haveSize := 0
	if e.checkpointBlob != nil {
		role = routing.HaveData
		haveSize = len(e.checkpointBlob)
	}

	plan, ret := routing.Solve(e.base, role, haveSize)
	if ret != base.Success {
		return ret
	}
	if plan.Size == 0 {
		return base.Success
	}

	if role == routing.HaveData {
		return datarecovery.TryRecoverData(e.base.Handle(), e.base.Links(), role, e.checkpointBlob, plan.Size, plan)
	}
	buf := make([]byte, plan.Size)
	ret = datarecovery.TryRecoverData(e.base.Handle(), e.base.Links(), role, buf, plan.Size, plan)
	if ret == base.Success {
		e.checkpointBlob = buf
	}
	return ret
}

// Allreduce combines buf across every rank in place using
// reduce, retrying through recovery until every rank sees the
// same clean result for this rank's current sequence number.
func (e *Engine) Allreduce(buf []byte, typeNbytes, count int, reduce base.ReduceFunction) {
	total := typeNbytes * count
	recovered := e.RecoverExec(buf, total, 0, e.seqCounter)

	if last := e.resbuf.LastSeqNo(); last != -1 && last%e.resbuf.Round() != e.base.Rank%e.resbuf.Round() {
		e.resbuf.DropLast()
	}
	temp := e.resbuf.AllocTemp(typeNbytes, count)

	for {
		if recovered {
			copy(temp, buf[:total])
			break
		}
		copy(temp, buf[:total])
		if e.checkAndRecover(e.base.TryAllreduce(temp, typeNbytes, count, reduce)) {
			copy(buf[:total], temp)
			break
		}
		recovered = e.RecoverExec(buf, total, 0, e.seqCounter)
	}

	e.resbuf.PushTemp(int(e.seqCounter), typeNbytes, count)
	e.seqCounter++
}

// Broadcast copies root's buf to every rank, with the same
// recovery discipline as Allreduce.
func (e *Engine) Broadcast(buf []byte, totalSize, root int) {
	recovered := e.RecoverExec(buf, totalSize, 0, e.seqCounter)

	if last := e.resbuf.LastSeqNo(); last != -1 && last%e.resbuf.Round() != e.base.Rank%e.resbuf.Round() {
		e.resbuf.DropLast()
	}
	temp := e.resbuf.AllocTemp(1, totalSize)

	for {
		if recovered {
			copy(temp, buf[:totalSize])
			break
		}
		copy(temp, buf[:totalSize])
		if e.checkAndRecover(e.base.TryBroadcast(temp, totalSize, root)) {
			copy(buf[:totalSize], temp)
			break
		}
		recovered = e.RecoverExec(buf, totalSize, 0, e.seqCounter)
	}

	e.resbuf.PushTemp(int(e.seqCounter), 1, totalSize)
	e.seqCounter++
}

// CheckPoint records model as the cluster's latest agreed
// state. Every rank is expected to call CheckPoint with an
// equivalent model at the same logical point in the program;
// the bytes are never transferred between ranks by this call,
// only agreed on and locally serialized.
func (e *Engine) CheckPoint(model Model) {
	if !e.RecoverExec(nil, 0, action.FlagCheckPoint, action.MaxSeq) {
		panic(errors.New("engine: check point must return true"))
	}

	e.versionNumber++
	payload := model.Save()
	blob := make([]byte, 4+len(payload))
	putUint32LE(blob, e.versionNumber)
	copy(blob[4:], payload)
	e.checkpointBlob = blob

	e.resbuf.Clear()
	e.seqCounter = 0

	klog.V(1).Infof("engine: rank %d checkpointed at version %d (%d bytes)", e.base.Rank, e.versionNumber, len(blob))

	if !e.RecoverExec(nil, 0, action.FlagCheckAck, action.MaxSeq) {
		panic(errors.New("engine: check ack must return true"))
	}
}

// LoadCheckPoint restores model from the cluster's most
// recent checkpoint and returns its version number, or 0 if
// no checkpoint has ever been established, in which case
// model is left untouched and the caller must initialize it.
func (e *Engine) LoadCheckPoint(model Model) uint32 {
	if e.RecoverExec(nil, 0, action.FlagLoadCheck, action.MaxSeq) {
		e.resbuf.Clear()
		e.seqCounter = 0

		if len(e.checkpointBlob) < 4 {
			panic(errors.New("engine: recovered checkpoint blob missing version prefix"))
		}
		e.versionNumber = uint32LE(e.checkpointBlob)
		if e.versionNumber == 0 {
			return 0
		}
		model.Load(e.checkpointBlob[4:])

		if !e.RecoverExec(nil, 0, action.FlagCheckAck, action.MaxSeq) {
			panic(errors.New("engine: check ack must return true"))
		}
		klog.V(1).Infof("engine: rank %d loaded checkpoint version %d", e.base.Rank, e.versionNumber)
		return e.versionNumber
	}

	e.resbuf.Clear()
	e.seqCounter = 0
	return 0
}

// Shutdown flushes any in-flight recovery state with a
// synthetic checkpoint round before the caller tears down the
// underlying links.
func (e *Engine) Shutdown() {
	if !e.RecoverExec(nil, 0, action.FlagCheckPoint, action.MaxSeq) {
		panic(errors.New("engine: check point must return true"))
	}
	e.resbuf.Clear()
	e.seqCounter = 0
	if !e.RecoverExec(nil, 0, action.FlagCheckAck, action.MaxSeq) {
		panic(errors.New("engine: check ack must return true"))
	}
	klog.V(2).Infof("engine: rank %d shut down", e.base.Rank)
}

func putUint32LE(dst []byte, v uint32) {
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v >> 16)
	dst[3] = byte(v >> 24)
}

func uint32LE(src []byte) uint32 {
	return uint32(src[0]) | uint32(src[1])<<8 | uint32(src[2])<<16 | uint32(src[3])<<24
}
