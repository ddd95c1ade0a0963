package snapshot_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/screenager/sift-infer/internal/runtime"
	"github.com/screenager/sift-infer/internal/snapshot"
)

func TestWriteReadRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		snap *snapshot.Snapshot
	}{
		{
			name: "non-rwkv",
			snap: &snapshot.Snapshot{
				NPast:        3,
				Config:       runtime.SessionConfig{MemoryKType: runtime.F32, MemoryVType: runtime.F16},
				Tokens:       []runtime.TokenID{1, 2, 3},
				LastLogits:   []float32{0.1, 0.2, 0.3},
				MemoryKBytes: bytes.Repeat([]byte{0xAB}, 32),
				MemoryVBytes: bytes.Repeat([]byte{0xCD}, 32),
			},
		},
		{
			name: "rwkv-with-state",
			snap: &snapshot.Snapshot{
				NPast:        1,
				Config:       runtime.SessionConfig{MemoryKType: runtime.F32, MemoryVType: runtime.F32},
				Tokens:       []runtime.TokenID{42},
				LastLogits:   []float32{1, 2, 3, 4},
				MemoryKBytes: []byte{},
				MemoryVBytes: []byte{},
				StateBytes:   bytes.Repeat([]byte{0x11}, 20),
			},
		},
		{
			name: "empty",
			snap: &snapshot.Snapshot{},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, tc.snap.Write(&buf))

			got, err := snapshot.Read(&buf)
			require.NoError(t, err)
			require.Equal(t, tc.snap.NPast, got.NPast)
			require.Equal(t, tc.snap.Config, got.Config)
			require.Equal(t, tc.snap.Tokens, got.Tokens)
			require.Equal(t, tc.snap.LastLogits, got.LastLogits)
			require.Equal(t, tc.snap.MemoryKBytes, got.MemoryKBytes)
			require.Equal(t, tc.snap.MemoryVBytes, got.MemoryVBytes)
			require.Equal(t, tc.snap.StateBytes, got.StateBytes)
		})
	}
}

func TestReadRejectsBadMagic(t *testing.T) {
	buf := bytes.NewBufferString("nope-not-a-snapshot")
	_, err := snapshot.Read(buf)
	require.Error(t, err)
}

func TestReadRejectsWrongVersion(t *testing.T) {
	var buf bytes.Buffer
	s := &snapshot.Snapshot{}
	require.NoError(t, s.Write(&buf))

	raw := buf.Bytes()
	corrupted := append([]byte(nil), raw...)
	corrupted[4] = 0xFF // version low byte, right after the 4-byte magic
	corrupted[5] = 0xFF

	_, err := snapshot.Read(bytes.NewReader(corrupted))
	require.Error(t, err)
}
