package vision

import "github.com/yungbote/lifelog-backend/internal/domain"

type embedImageRequest struct {
	Model    string `json:"model"`
	ImageB64 string `json:"image_b64"`
}

type embedTextRequest struct {
	Model string `json:"model"`
	Text  string `json:"text"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

type detectRequest struct {
	ImageB64 string `json:"image_b64"`
}

type detectResponse struct {
	Detections []domain.Detection `json:"detections"`
}

type faceRequest struct {
	ImageB64 string `json:"image_b64"`
}

type faceResponse struct {
	Faces []faceItem `json:"faces"`
}

type faceItem struct {
	BBox       [4]int    `json:"bbox"`
	Confidence float64   `json:"confidence"`
	Embedding  []float32 `json:"embedding"`
}

type maskRequest struct {
	ImageB64 string   `json:"image_b64"`
	Labels   []string `json:"labels"`
}

type maskResponse struct {
	// Binary mask as a base64 PNG; nonzero luminance means masked.
	MaskPNGB64 string `json:"mask_png_b64"`
}

// Mask is a dense binary mask in image coordinates.
type Mask struct {
	W, H int
	Bits []bool
}

func NewMask(w, h int) *Mask {
	return &Mask{W: w, H: h, Bits: make([]bool, w*h)}
}

func (m *Mask) At(x, y int) bool {
	if m == nil || x < 0 || y < 0 || x >= m.W || y >= m.H {
		return false
	}
	return m.Bits[y*m.W+x]
}

func (m *Mask) Set(x, y int, v bool) {
	if m == nil || x < 0 || y < 0 || x >= m.W || y >= m.H {
		return
	}
	m.Bits[y*m.W+x] = v
}

// SetRect marks an axis-aligned rectangle, clipped to the mask bounds.
func (m *Mask) SetRect(x1, y1, x2, y2 int, v bool) {
	if m == nil {
		return
	}
	if x1 < 0 {
		x1 = 0
	}
	if y1 < 0 {
		y1 = 0
	}
	if x2 > m.W {
		x2 = m.W
	}
	if y2 > m.H {
		y2 = m.H
	}
	for y := y1; y < y2; y++ {
		for x := x1; x < x2; x++ {
			m.Bits[y*m.W+x] = v
		}
	}
}

// SetOval marks the axis-aligned ellipse inscribed in the given box.
func (m *Mask) SetOval(x1, y1, x2, y2 int, v bool) {
	if m == nil || x2 <= x1 || y2 <= y1 {
		return
	}
	cx := float64(x1+x2) / 2
	cy := float64(y1+y2) / 2
	rx := float64(x2-x1) / 2
	ry := float64(y2-y1) / 2
	for y := y1; y < y2; y++ {
		for x := x1; x < x2; x++ {
			if x < 0 || y < 0 || x >= m.W || y >= m.H {
				continue
			}
			dx := (float64(x) + 0.5 - cx) / rx
			dy := (float64(y) + 0.5 - cy) / ry
			if dx*dx+dy*dy <= 1.0 {
				m.Bits[y*m.W+x] = v
			}
		}
	}
}

func (m *Mask) Any() bool {
	if m == nil {
		return false
	}
	for _, b := range m.Bits {
		if b {
			return true
		}
	}
	return false
}

// Union folds other into m in place. Dimension mismatches are ignored
// rather than resampled; masks always come from the same source image.
func (m *Mask) Union(other *Mask) {
	if m == nil || other == nil || m.W != other.W || m.H != other.H {
		return
	}
	for i, b := range other.Bits {
		if b {
			m.Bits[i] = true
		}
	}
}
