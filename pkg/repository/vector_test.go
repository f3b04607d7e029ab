package repository

import (
	"testing"

	"github.com/m-mizutani/gt"
)

func TestCosineDistance(t *testing.T) {
	d, err := cosineDistance([]float32{1, 0}, []float32{1, 0})
	gt.NoError(t, err)
	gt.True(t, d < 1e-9)

	d, err = cosineDistance([]float32{1, 0}, []float32{0, 1})
	gt.NoError(t, err)
	gt.True(t, d > 0.999 && d < 1.001)

	d, err = cosineDistance([]float32{1, 0}, []float32{-1, 0})
	gt.NoError(t, err)
	gt.True(t, d > 1.999)

	d, err = cosineDistance([]float32{0, 0}, []float32{1, 0})
	gt.NoError(t, err)
	gt.Equal(t, d, 1.0)

	_, err = cosineDistance([]float32{1}, []float32{1, 0})
	gt.Error(t, err)
}

func TestVectorBlob(t *testing.T) {
	v := []float32{0.25, -1.5, 3, 0}
	got, err := decodeVector(encodeVector(v))
	gt.NoError(t, err)
	gt.Equal(t, got, v)

	_, err = decodeVector([]byte{1, 2, 3})
	gt.Error(t, err)
}
