package train

import (
	"fmt"

	"github.com/x448/float16"
	"gonum.org/v1/gonum/mat"
)

// Precision selects the numeric precision model inputs are rounded to
// before the forward pass.
type Precision string

const (
	// PrecisionMedium rounds inputs through IEEE 754 half precision.
	PrecisionMedium Precision = "medium"
	// PrecisionHigh rounds inputs through single precision.
	PrecisionHigh Precision = "high"
	// PrecisionHighest leaves inputs in double precision.
	PrecisionHighest Precision = "highest"

	// DefaultPrecision applies when a Config leaves Precision empty.
	DefaultPrecision = PrecisionHigh
)

// ParsePrecision validates a precision name.
func ParsePrecision(s string) (Precision, error) {
	switch p := Precision(s); p {
	case PrecisionMedium, PrecisionHigh, PrecisionHighest:
		return p, nil
	}
	return "", fmt.Errorf("unknown precision %q (want medium, high or highest)", s)
}

// Round returns a copy of m rounded to p.
func (p Precision) Round(m *mat.Dense) *mat.Dense {
	out := mat.DenseCopyOf(m)
	raw := out.RawMatrix()
	switch p {
	case PrecisionMedium:
		for i, v := range raw.Data {
			raw.Data[i] = float64(float16.Fromfloat32(float32(v)).Float32())
		}
	case PrecisionHigh:
		for i, v := range raw.Data {
			raw.Data[i] = float64(float32(v))
		}
	}
	return out
}
