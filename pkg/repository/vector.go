package repository

import (
	"encoding/binary"
	"math"

	"github.com/m-mizutani/goerr/v2"
)

// cosineDistance returns 1 - cos(a, b). Zero vectors are treated as orthogonal.
func cosineDistance(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, goerr.New("vector dimension mismatch", goerr.V("a", len(a)), goerr.V("b", len(b)))
	}

	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 1, nil
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb)), nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, goerr.New("invalid vector blob", goerr.V("length", len(buf)))
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v, nil
}
