package vector

import "math"

// Normalize returns v scaled to unit L2 norm. Zero or invalid vectors come
// back nil so callers can drop them instead of indexing garbage.
func Normalize(v []float32) []float32 {
	if len(v) == 0 {
		return nil
	}
	var sum float64
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		sum += f * f
	}
	if sum == 0 {
		return nil
	}
	inv := 1.0 / math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}

func Dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Cosine is the dot product of the normalized inputs.
func Cosine(a, b []float32) float64 {
	na := Normalize(a)
	nb := Normalize(b)
	if na == nil || nb == nil {
		return 0
	}
	return Dot(na, nb)
}
