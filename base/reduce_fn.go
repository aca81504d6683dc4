package base

import (
	"encoding/binary"
	"math"

	"github.com/unixpickle/rabit/simulator"
)

// FlopTime is the amount of virtual time it takes to
// perform a single floating-point operation.
//
// TryAllreduce charges FlopTime per element per input
// vector against the caller's Handle, the same way the
// original vector reducers in this package did.
const FlopTime = 1e-9

// A ReduceFunction combines the contents of src into dst,
// which already holds one operand.
//
// Both slices have the same length, a multiple of
// typeNbytes. Implementations must not retain src or dst
// beyond the call.
type ReduceFunction func(dst, src []byte, typeNbytes int)

// SumInt32 adds src into dst, treating both as arrays of
// little-endian int32.
func SumInt32(dst, src []byte, typeNbytes int) {
	if typeNbytes != 4 {
		panic("SumInt32 requires 4-byte elements")
	}
	for i := 0; i+4 <= len(dst); i += 4 {
		a := int32(binary.LittleEndian.Uint32(dst[i : i+4]))
		b := int32(binary.LittleEndian.Uint32(src[i : i+4]))
		binary.LittleEndian.PutUint32(dst[i:i+4], uint32(a+b))
	}
}

// SumFloat64 adds src into dst, treating both as arrays
// of little-endian float64.
func SumFloat64(dst, src []byte, typeNbytes int) {
	if typeNbytes != 8 {
		panic("SumFloat64 requires 8-byte elements")
	}
	for i := 0; i+8 <= len(dst); i += 8 {
		a := math.Float64frombits(binary.LittleEndian.Uint64(dst[i : i+8]))
		b := math.Float64frombits(binary.LittleEndian.Uint64(src[i : i+8]))
		binary.LittleEndian.PutUint64(dst[i:i+8], math.Float64bits(a+b))
	}
}

// MaxFloat64 keeps the element-wise maximum of dst and
// src, treating both as arrays of little-endian float64.
func MaxFloat64(dst, src []byte, typeNbytes int) {
	if typeNbytes != 8 {
		panic("MaxFloat64 requires 8-byte elements")
	}
	for i := 0; i+8 <= len(dst); i += 8 {
		a := math.Float64frombits(binary.LittleEndian.Uint64(dst[i : i+8]))
		b := math.Float64frombits(binary.LittleEndian.Uint64(src[i : i+8]))
		if b > a {
			binary.LittleEndian.PutUint64(dst[i:i+8], math.Float64bits(b))
		}
	}
}

// chargeFlops sleeps the handle for the virtual time it
// would take to reduce n bytes of the given element size
// across numInputs vectors.
func chargeFlops(h *simulator.Handle, n, typeNbytes, numInputs int) {
	if typeNbytes == 0 {
		return
	}
	h.Sleep(FlopTime * float64(numInputs*n/typeNbytes))
}
