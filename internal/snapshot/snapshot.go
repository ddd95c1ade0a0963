// Package snapshot serializes and restores session state byte-exactly.
// The binary layout and reader/writer helpers mirror the sift HNSW graph
// codec (internal/hnsw/persist.go in the teacher repo this module grew
// from): a magic header, fixed-width scalar fields, then raw tensor
// bytes. A text encoding is deliberately not offered — it would bloat the
// KV-cache arrays roughly 4x for no benefit.
package snapshot

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/screenager/sift-infer/internal/runtime"
)

var magic = [4]byte{'S', 'I', 'N', 'F'}

const formatVersion = uint16(1)

// Snapshot is the serializable dual of a session. It is a value type: it
// outlives the session it was taken from and can be copied freely.
type Snapshot struct {
	NPast       int
	Config      runtime.SessionConfig
	Tokens      []runtime.TokenID
	LastLogits  []float32
	MemoryKBytes []byte
	MemoryVBytes []byte
	StateBytes   []byte // nil for non-RWKV sessions
}

// MemorySizeMismatch is returned by FromSnapshot when a snapshot's raw
// byte arrays don't match the freshly allocated tensors' sizes.
type MemorySizeMismatch struct {
	Tensor   string
	SelfSize int
	InputSize int
}

func (e *MemorySizeMismatch) Error() string {
	return fmt.Sprintf("snapshot: %s size mismatch: session has %d bytes, snapshot has %d", e.Tensor, e.SelfSize, e.InputSize)
}

// Write serializes the snapshot to w using the fixed binary layout:
//
//	[4]byte  magic
//	uint16   version
//	uint8    memory_k_type, memory_v_type
//	uint32   n_past
//	uint32   token count, then that many int32 token ids
//	uint32   last_logits length, then that many float32s
//	uint32   memory_k byte length, then raw bytes
//	uint32   memory_v byte length, then raw bytes
//	uint8    has_state (0/1)
//	[uint32 state byte length, then raw bytes] -- only if has_state
func (s *Snapshot) Write(w io.Writer) error {
	bw := &binaryWriter{w: w}

	bw.write(magic)
	bw.writeU16(formatVersion)
	bw.writeU8(uint8(s.Config.MemoryKType))
	bw.writeU8(uint8(s.Config.MemoryVType))
	bw.writeU32(uint32(s.NPast))

	bw.writeU32(uint32(len(s.Tokens)))
	for _, t := range s.Tokens {
		bw.writeI32(int32(t))
	}

	bw.writeU32(uint32(len(s.LastLogits)))
	for _, v := range s.LastLogits {
		bw.writeF32(v)
	}

	bw.writeU32(uint32(len(s.MemoryKBytes)))
	bw.writeBytes(s.MemoryKBytes)
	bw.writeU32(uint32(len(s.MemoryVBytes)))
	bw.writeBytes(s.MemoryVBytes)

	if s.StateBytes != nil {
		bw.writeU8(1)
		bw.writeU32(uint32(len(s.StateBytes)))
		bw.writeBytes(s.StateBytes)
	} else {
		bw.writeU8(0)
	}

	return bw.err
}

// Read deserializes a Snapshot previously written by Write.
func Read(r io.Reader) (*Snapshot, error) {
	br := &binaryReader{r: r}

	var got [4]byte
	br.read(&got)
	if got != magic {
		return nil, fmt.Errorf("snapshot: bad magic bytes — file may be corrupted or not a sift-infer snapshot")
	}
	version := br.readU16()
	if version != formatVersion {
		return nil, fmt.Errorf("snapshot: unsupported version %d (expected %d)", version, formatVersion)
	}

	s := &Snapshot{}
	s.Config.MemoryKType = runtime.DType(br.readU8())
	s.Config.MemoryVType = runtime.DType(br.readU8())
	s.NPast = int(br.readU32())

	// Zero-length arrays decode as nil, as readBytes does for raw bytes.
	tokenCount := br.readU32()
	if tokenCount > 0 {
		s.Tokens = make([]runtime.TokenID, tokenCount)
	}
	for i := range s.Tokens {
		s.Tokens[i] = runtime.TokenID(br.readI32())
	}

	logitsLen := br.readU32()
	if logitsLen > 0 {
		s.LastLogits = make([]float32, logitsLen)
	}
	for i := range s.LastLogits {
		s.LastLogits[i] = br.readF32()
	}

	kLen := br.readU32()
	s.MemoryKBytes = br.readBytes(int(kLen))
	vLen := br.readU32()
	s.MemoryVBytes = br.readBytes(int(vLen))

	hasState := br.readU8()
	if hasState == 1 {
		stLen := br.readU32()
		s.StateBytes = br.readBytes(int(stLen))
	}

	if br.err != nil {
		return nil, fmt.Errorf("snapshot: read: %w", br.err)
	}
	return s, nil
}

type binaryWriter struct {
	w   io.Writer
	err error
}

func (bw *binaryWriter) write(v interface{}) {
	if bw.err != nil {
		return
	}
	bw.err = binary.Write(bw.w, binary.LittleEndian, v)
}
func (bw *binaryWriter) writeU8(v uint8)   { bw.write(v) }
func (bw *binaryWriter) writeU16(v uint16) { bw.write(v) }
func (bw *binaryWriter) writeU32(v uint32) { bw.write(v) }
func (bw *binaryWriter) writeI32(v int32)  { bw.write(v) }
func (bw *binaryWriter) writeF32(v float32) { bw.write(v) }
func (bw *binaryWriter) writeBytes(b []byte) {
	if bw.err != nil || len(b) == 0 {
		return
	}
	_, bw.err = bw.w.Write(b)
}

type binaryReader struct {
	r   io.Reader
	err error
}

func (br *binaryReader) read(v interface{}) {
	if br.err != nil {
		return
	}
	br.err = binary.Read(br.r, binary.LittleEndian, v)
}
func (br *binaryReader) readU8() uint8 {
	var v uint8
	br.read(&v)
	return v
}
func (br *binaryReader) readU16() uint16 {
	var v uint16
	br.read(&v)
	return v
}
func (br *binaryReader) readU32() uint32 {
	var v uint32
	br.read(&v)
	return v
}
func (br *binaryReader) readI32() int32 {
	var v int32
	br.read(&v)
	return v
}
func (br *binaryReader) readF32() float32 {
	var v float32
	br.read(&v)
	return v
}
func (br *binaryReader) readBytes(n int) []byte {
	if br.err != nil || n == 0 {
		return nil
	}
	buf := make([]byte, n)
	_, br.err = io.ReadFull(br.r, buf)
	return buf
}
