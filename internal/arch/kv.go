package arch

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/screenager/sift-infer/internal/runtime"
)

// appendKV writes a deterministic key/value slice for every newly-seen
// position of every layer into sess's memory_k/memory_v tensors. The
// actual projected key/value values come from the real attention weights
// in a production backend (out of scope here); what this module owns is
// the layout and the append-once-per-position contract Evaluate must
// uphold (spec.md §4.2 postcondition).
func appendKV(sess runtime.Session, nLayer, nCtx, nEmbd, nPastOld int, inputTokens []runtime.TokenID) error {
	k := sess.MemoryK()
	v := sess.MemoryV()
	kElemSize := k.ByteSize() / k.ElementCount()
	vElemSize := v.ByteSize() / v.ElementCount()

	for li := 0; li < nLayer; li++ {
		for i, tok := range inputTokens {
			pos := nPastOld + i
			kRow := kvRow(li, pos, nCtx, nEmbd, int64(tok), 1)
			vRow := kvRow(li, pos, nCtx, nEmbd, int64(tok), 2)

			kOff := (li*nCtx+pos) * nEmbd * kElemSize
			vOff := (li*nCtx+pos) * nEmbd * vElemSize

			if err := k.WriteAt(kOff, encodeRow(kRow, kElemSize)); err != nil {
				return fmt.Errorf("arch: write memory_k[layer=%d,pos=%d]: %w", li, pos, err)
			}
			if err := v.WriteAt(vOff, encodeRow(vRow, vElemSize)); err != nil {
				return fmt.Errorf("arch: write memory_v[layer=%d,pos=%d]: %w", li, pos, err)
			}
		}
	}
	return nil
}

// kvRow produces a small deterministic per-(layer,position,token) vector
// so snapshot round-trips and tests have something non-trivial, stable,
// and cheap to verify byte-for-byte.
func kvRow(layer, pos int, nCtx, nEmbd int, tokenID int64, salt int64) []float32 {
	row := make([]float32, nEmbd)
	base := float32(tokenID*31+int64(layer)*7+int64(pos)*3+salt) * 1e-4
	for e := range row {
		row[e] = base + float32(e)*1e-6
	}
	return row
}

func encodeRow(row []float32, elemSize int) []byte {
	buf := make([]byte, len(row)*elemSize)
	for i, f := range row {
		off := i * elemSize
		switch elemSize {
		case 4:
			binary.LittleEndian.PutUint32(buf[off:off+4], math.Float32bits(f))
		case 2:
			binary.LittleEndian.PutUint16(buf[off:off+2], float32ToFloat16(f))
		default:
			// Unknown element width: leave zeroed: the reference backend
			// only promises F32/F16 cache dtypes.
		}
	}
	return buf
}

// float32ToFloat16 does a fast, non-rounding-correct truncation suitable
// for a deterministic test/reference backend — a real compute engine
// owns the actual IEEE-754 binary16 conversion.
func float32ToFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16((bits >> 16) & 0x8000)
	exp := int32((bits>>23)&0xff) - 127 + 15
	mant := bits & 0x7fffff
	if exp <= 0 {
		return sign
	}
	if exp >= 0x1f {
		return sign | 0x7c00
	}
	return sign | uint16(exp<<10) | uint16(mant>>13)
}
