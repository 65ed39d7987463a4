package pointcloud

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

var npyMagic = []byte("\x93NUMPY")

// ErrUnsupportedNPY is returned for .npy files this reader cannot decode.
var ErrUnsupportedNPY = errors.New("unsupported npy file")

var (
	npyDescrRe   = regexp.MustCompile(`'descr'\s*:\s*'([^']*)'`)
	npyFortranRe = regexp.MustCompile(`'fortran_order'\s*:\s*(True|False)`)
	npyShapeRe   = regexp.MustCompile(`'shape'\s*:\s*\(([^)]*)\)`)
)

// ReadNPY decodes an (N, 3) little-endian float32 or float64 C-order
// NumPy array. Format versions 1.0, 2.0 and 3.0 are accepted.
func ReadNPY(r io.Reader) (Cloud, error) {
	var prefix [8]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("read npy preamble: %w", err)
	}
	if !bytes.Equal(prefix[:6], npyMagic) {
		return nil, fmt.Errorf("%w: bad magic", ErrUnsupportedNPY)
	}

	var headerLen int
	switch prefix[6] {
	case 1:
		var b [2]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, fmt.Errorf("read npy header length: %w", err)
		}
		headerLen = int(binary.LittleEndian.Uint16(b[:]))
	case 2, 3:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, fmt.Errorf("read npy header length: %w", err)
		}
		headerLen = int(binary.LittleEndian.Uint32(b[:]))
	default:
		return nil, fmt.Errorf("%w: version %d.%d", ErrUnsupportedNPY, prefix[6], prefix[7])
	}
	if headerLen <= 0 || headerLen > 1<<16 {
		return nil, fmt.Errorf("%w: header length %d", ErrUnsupportedNPY, headerLen)
	}

	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read npy header: %w", err)
	}
	descr, rows, err := parseNPYHeader(string(header))
	if err != nil {
		return nil, err
	}
	if rows > maxBlobPoints {
		return nil, fmt.Errorf("%w: %d rows", ErrUnsupportedNPY, rows)
	}

	var width int
	switch descr {
	case "<f4":
		width = 4
	case "<f8":
		width = 8
	default:
		return nil, fmt.Errorf("%w: dtype %q", ErrUnsupportedNPY, descr)
	}

	data := make([]byte, rows*3*width)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read npy data: %w", err)
	}

	c := make(Cloud, rows)
	for i := range c {
		var v [3]float64
		for j := 0; j < 3; j++ {
			off := (i*3 + j) * width
			if width == 4 {
				v[j] = float64(math.Float32frombits(binary.LittleEndian.Uint32(data[off:])))
			} else {
				v[j] = math.Float64frombits(binary.LittleEndian.Uint64(data[off:]))
			}
		}
		c[i] = r3.Vec{X: v[0], Y: v[1], Z: v[2]}
	}
	return c, nil
}

func parseNPYHeader(h string) (descr string, rows int, err error) {
	m := npyDescrRe.FindStringSubmatch(h)
	if m == nil {
		return "", 0, fmt.Errorf("%w: missing descr", ErrUnsupportedNPY)
	}
	descr = m[1]

	if m := npyFortranRe.FindStringSubmatch(h); m == nil || m[1] != "False" {
		return "", 0, fmt.Errorf("%w: fortran order", ErrUnsupportedNPY)
	}

	m = npyShapeRe.FindStringSubmatch(h)
	if m == nil {
		return "", 0, fmt.Errorf("%w: missing shape", ErrUnsupportedNPY)
	}
	var dims []int
	for _, part := range strings.Split(m[1], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := strconv.Atoi(part)
		if err != nil {
			return "", 0, fmt.Errorf("%w: shape %q", ErrUnsupportedNPY, m[1])
		}
		dims = append(dims, d)
	}
	if len(dims) != 2 || dims[1] != 3 || dims[0] < 0 {
		return "", 0, fmt.Errorf("%w: shape %v, want (N, 3)", ErrUnsupportedNPY, dims)
	}
	return descr, dims[0], nil
}

// WriteNPY encodes a cloud as a version 1.0 (N, 3) '<f4' array.
func WriteNPY(w io.Writer, c Cloud) error {
	header := fmt.Sprintf("{'descr': '<f4', 'fortran_order': False, 'shape': (%d, 3), }", len(c))
	// Total preamble (10 bytes) + header + newline is padded to 64 bytes.
	pad := 64 - (10+len(header)+1)%64
	if pad == 64 {
		pad = 0
	}
	header += strings.Repeat(" ", pad) + "\n"

	var buf bytes.Buffer
	buf.Write(npyMagic)
	buf.Write([]byte{1, 0})
	var hl [2]byte
	binary.LittleEndian.PutUint16(hl[:], uint16(len(header)))
	buf.Write(hl[:])
	buf.WriteString(header)
	buf.Write(EncodeCloudBlob(c))

	_, err := w.Write(buf.Bytes())
	return err
}
