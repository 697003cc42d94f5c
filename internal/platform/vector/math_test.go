package vector

import (
	"math"
	"testing"
)

func TestNormalize(t *testing.T) {
	out := Normalize([]float32{3, 4})
	if out == nil {
		t.Fatalf("normalize returned nil")
	}
	var sum float64
	for _, x := range out {
		sum += float64(x) * float64(x)
	}
	if math.Abs(sum-1.0) > 1e-6 {
		t.Fatalf("norm: want=1 got=%v", sum)
	}
	if math.Abs(float64(out[0])-0.6) > 1e-6 || math.Abs(float64(out[1])-0.8) > 1e-6 {
		t.Fatalf("values: want=(0.6,0.8) got=(%v,%v)", out[0], out[1])
	}

	if Normalize([]float32{0, 0}) != nil {
		t.Fatalf("zero vector should normalize to nil")
	}
	if Normalize([]float32{float32(math.NaN()), 1}) != nil {
		t.Fatalf("NaN vector should normalize to nil")
	}
	if Normalize(nil) != nil {
		t.Fatalf("empty vector should normalize to nil")
	}
}

func TestCosine(t *testing.T) {
	if got := Cosine([]float32{1, 0}, []float32{2, 0}); math.Abs(got-1.0) > 1e-6 {
		t.Fatalf("parallel: want=1 got=%v", got)
	}
	if got := Cosine([]float32{1, 0}, []float32{0, 5}); math.Abs(got) > 1e-6 {
		t.Fatalf("orthogonal: want=0 got=%v", got)
	}
	if got := Cosine([]float32{1, 0}, []float32{-1, 0}); math.Abs(got+1.0) > 1e-6 {
		t.Fatalf("opposite: want=-1 got=%v", got)
	}
}

func TestToID(t *testing.T) {
	if got := ToID("2025-06-01/20250601_093000.jpg"); got != "2025-06-01_20250601_093000.jpg" {
		t.Fatalf("ToID: got=%q", got)
	}
	if got := ToID("flat.jpg"); got != "flat.jpg" {
		t.Fatalf("ToID flat: got=%q", got)
	}
}
