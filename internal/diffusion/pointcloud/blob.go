package pointcloud

import (
	"encoding/binary"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// CompactPointSize is the size in bytes of a single encoded point:
// three little-endian float32 values (x, y, z).
const CompactPointSize = 12

// maxBlobPoints bounds decoding of untrusted blobs. A full
// ShapeNetCore.v2.PC15k shape has 15000 points.
const maxBlobPoints = 1 << 20

// EncodeCloudBlob encodes a cloud to a compact binary blob. Coordinates
// are narrowed to float32, which halves resident memory for sources that
// keep every shape in memory.
func EncodeCloudBlob(c Cloud) []byte {
	blob := make([]byte, len(c)*CompactPointSize)
	for i, p := range c {
		offset := i * CompactPointSize
		binary.LittleEndian.PutUint32(blob[offset:], math.Float32bits(float32(p.X)))
		binary.LittleEndian.PutUint32(blob[offset+4:], math.Float32bits(float32(p.Y)))
		binary.LittleEndian.PutUint32(blob[offset+8:], math.Float32bits(float32(p.Z)))
	}
	return blob
}

// DecodeCloudBlob decodes a blob produced by EncodeCloudBlob.
func DecodeCloudBlob(blob []byte) (Cloud, error) {
	if len(blob)%CompactPointSize != 0 {
		return nil, fmt.Errorf("cloud blob length %d is not a multiple of %d", len(blob), CompactPointSize)
	}
	n := len(blob) / CompactPointSize
	if n > maxBlobPoints {
		return nil, fmt.Errorf("cloud blob has %d points (max %d)", n, maxBlobPoints)
	}

	c := make(Cloud, n)
	for i := range c {
		offset := i * CompactPointSize
		c[i] = r3.Vec{
			X: float64(math.Float32frombits(binary.LittleEndian.Uint32(blob[offset:]))),
			Y: float64(math.Float32frombits(binary.LittleEndian.Uint32(blob[offset+4:]))),
			Z: float64(math.Float32frombits(binary.LittleEndian.Uint32(blob[offset+8:]))),
		}
	}
	return c, nil
}

// BlobLen returns the number of points in an encoded blob without decoding it.
func BlobLen(blob []byte) int {
	return len(blob) / CompactPointSize
}
