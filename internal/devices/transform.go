package devices

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/yungbote/lifelog-backend/internal/domain"
	"github.com/yungbote/lifelog-backend/internal/platform/vector"
)

// NewRotationMatrix samples a dim x dim orthonormal matrix Haar-uniform:
// fill with standard Gaussians, QR-factorize by modified Gram-Schmidt, and
// fix each column's sign by the corresponding diagonal of R. Applied to
// every vector before it reaches the index, the rotation keeps in-device
// cosine geometry intact while making embeddings mutually unintelligible
// across devices.
func NewRotationMatrix(dim int) ([][]float32, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: matrix dim %d", domain.ErrInvalidInput, dim)
	}

	cols := make([][]float64, dim)
	for j := range cols {
		col := make([]float64, dim)
		for i := range col {
			g, err := gaussian()
			if err != nil {
				return nil, err
			}
			col[i] = g
		}
		cols[j] = col
	}

	// Modified Gram-Schmidt over columns.
	for j := 0; j < dim; j++ {
		for k := 0; k < j; k++ {
			var dot float64
			for i := 0; i < dim; i++ {
				dot += cols[j][i] * cols[k][i]
			}
			for i := 0; i < dim; i++ {
				cols[j][i] -= dot * cols[k][i]
			}
		}
		var norm float64
		for i := 0; i < dim; i++ {
			norm += cols[j][i] * cols[j][i]
		}
		norm = math.Sqrt(norm)
		if norm < 1e-12 {
			// Degenerate draw; practically unreachable for dim up to a few
			// thousand but retry keeps the function total.
			return NewRotationMatrix(dim)
		}
		// MGS yields the QR factor with positive diagonal R, which is
		// exactly the convention under which Q of a Gaussian matrix is
		// Haar distributed.
		for i := 0; i < dim; i++ {
			cols[j][i] /= norm
		}
	}

	out := make([][]float32, dim)
	for i := range out {
		row := make([]float32, dim)
		for j := range row {
			row[j] = float32(cols[j][i])
		}
		out[i] = row
	}
	return out, nil
}

// ApplyMatrix computes M·v and renormalizes to absorb float drift.
func ApplyMatrix(m [][]float32, v []float32) []float32 {
	if len(m) == 0 || len(m) != len(v) {
		return vector.Normalize(v)
	}
	out := make([]float32, len(m))
	for i, row := range m {
		if len(row) != len(v) {
			return vector.Normalize(v)
		}
		var sum float64
		for j, x := range row {
			sum += float64(x) * float64(v[j])
		}
		out[i] = float32(sum)
	}
	return vector.Normalize(out)
}

// gaussian draws one standard normal via Box-Muller over crypto/rand
// uniforms. Matrix generation happens once per device so throughput is
// irrelevant; unpredictability is the point.
func gaussian() (float64, error) {
	u1, err := uniform()
	if err != nil {
		return 0, err
	}
	u2, err := uniform()
	if err != nil {
		return 0, err
	}
	if u1 < 1e-300 {
		u1 = 1e-300
	}
	return math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2), nil
}

func uniform() (float64, error) {
	var buf [8]byte
	if _, err := crand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("read entropy: %w", err)
	}
	u := binary.LittleEndian.Uint64(buf[:])
	return float64(u>>11) / float64(1<<53), nil
}
