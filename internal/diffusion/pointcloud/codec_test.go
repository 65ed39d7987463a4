package pointcloud

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/sparsediff/internal/testutil"
)

func TestCloudBlob_RoundTrip(t *testing.T) {
	t.Parallel()

	// Lattice values are exact in float32.
	c := Cloud(testutil.LatticePoints(3, 0.5, r3.Vec{X: -1, Y: 2, Z: 0.25}))
	blob := EncodeCloudBlob(c)
	assert.Len(t, blob, len(c)*CompactPointSize)
	assert.Equal(t, len(c), BlobLen(blob))

	got, err := DecodeCloudBlob(blob)
	require.NoError(t, err)
	if diff := cmp.Diff(c, got); diff != "" {
		t.Fatalf("blob round trip (-want +got):\n%s", diff)
	}
}

func TestCloudBlob_NarrowsToFloat32(t *testing.T) {
	t.Parallel()

	got, err := DecodeCloudBlob(EncodeCloudBlob(Cloud{{X: 0.1}}))
	require.NoError(t, err)
	assert.Equal(t, float64(float32(0.1)), got[0].X)
}

func TestDecodeCloudBlob_BadLength(t *testing.T) {
	t.Parallel()

	_, err := DecodeCloudBlob(make([]byte, 13))
	assert.Error(t, err)
}

func TestNPY_RoundTrip(t *testing.T) {
	t.Parallel()

	c := Cloud(testutil.LatticePoints(2, 1.5, r3.Vec{X: 3}))
	var buf bytes.Buffer
	require.NoError(t, WriteNPY(&buf, c))

	// Preamble plus header is 64-byte aligned.
	headerLen := int(buf.Bytes()[8]) | int(buf.Bytes()[9])<<8
	assert.Zero(t, (10+headerLen)%64)

	got, err := ReadNPY(&buf)
	require.NoError(t, err)
	if diff := cmp.Diff(c, got); diff != "" {
		t.Fatalf("npy round trip (-want +got):\n%s", diff)
	}
}

// npyFile builds a raw .npy file from a header dictionary and payload.
func npyFile(version byte, header string, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Write(npyMagic)
	buf.Write([]byte{version, 0})
	header += "\n"
	if version == 1 {
		buf.Write([]byte{byte(len(header)), byte(len(header) >> 8)})
	} else {
		n := len(header)
		buf.Write([]byte{byte(n), byte(n >> 8), byte(n >> 16), byte(n >> 24)})
	}
	buf.WriteString(header)
	buf.Write(payload)
	return buf.Bytes()
}

func TestReadNPY_Float64Version2(t *testing.T) {
	t.Parallel()

	payload := make([]byte, 0, 48)
	for _, v := range []float64{1, 2, 3, -4, 5.5, 6} {
		bits := math.Float64bits(v)
		for i := 0; i < 8; i++ {
			payload = append(payload, byte(bits>>(8*i)))
		}
	}
	raw := npyFile(2, "{'descr': '<f8', 'fortran_order': False, 'shape': (2, 3), }", payload)

	got, err := ReadNPY(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, Cloud{{X: 1, Y: 2, Z: 3}, {X: -4, Y: 5.5, Z: 6}}, got)
}

func TestReadNPY_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  []byte
	}{
		{"bad magic", []byte("NOTNUMPYxxxxxxxx")},
		{"big endian", npyFile(1, "{'descr': '>f4', 'fortran_order': False, 'shape': (0, 3), }", nil)},
		{"int dtype", npyFile(1, "{'descr': '<i4', 'fortran_order': False, 'shape': (0, 3), }", nil)},
		{"fortran", npyFile(1, "{'descr': '<f4', 'fortran_order': True, 'shape': (0, 3), }", nil)},
		{"wrong width", npyFile(1, "{'descr': '<f4', 'fortran_order': False, 'shape': (4, 2), }", nil)},
		{"1-d", npyFile(1, "{'descr': '<f4', 'fortran_order': False, 'shape': (6,), }", nil)},
		{"version 9", npyFile(9, "{}", nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadNPY(bytes.NewReader(tt.raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrUnsupportedNPY), "got %v", err)
		})
	}
}

func TestReadNPY_Truncated(t *testing.T) {
	t.Parallel()

	raw := npyFile(1, "{'descr': '<f4', 'fortran_order': False, 'shape': (2, 3), }", make([]byte, 12))
	_, err := ReadNPY(bytes.NewReader(raw))
	assert.Error(t, err)
}
