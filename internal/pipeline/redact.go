package pipeline

import (
	"image"
	"math"

	"github.com/fogleman/gg"

	"github.com/yungbote/lifelog-backend/internal/domain"
	"github.com/yungbote/lifelog-backend/internal/vision"
)

// RedactedFaceLabel marks a face that failed the whitelist match and must
// be mosaiced.
const RedactedFaceLabel = "redacted face"

const (
	// faceExpandFraction grows each face box before the oval is drawn so
	// hairline and jaw stay covered.
	faceExpandFraction = 0.10
	// mosaicDiagonalFraction sets the hexagon circumradius relative to the
	// image diagonal.
	mosaicDiagonalFraction = 0.0075
	minTileRadius          = 4.0
)

// BuildRedactionMask combines the face ovals with the prompted
// segmentation mask and then punches whitelisted face boxes back out, so
// a known person standing in front of a screen keeps their face.
func BuildRedactionMask(w, h int, faces []domain.FaceDetection, sam *vision.Mask) *vision.Mask {
	m := vision.NewMask(w, h)
	for _, f := range faces {
		if f.Label != RedactedFaceLabel {
			continue
		}
		x1, y1, x2, y2 := expandBox(f.BBox, faceExpandFraction)
		m.SetOval(x1, y1, x2, y2, true)
	}
	m.Union(sam)
	for _, f := range faces {
		if f.Label == RedactedFaceLabel || f.Label == "" {
			continue
		}
		m.SetRect(f.BBox[0], f.BBox[1], f.BBox[2], f.BBox[3], false)
	}
	return m
}

func expandBox(b [4]int, frac float64) (int, int, int, int) {
	dx := int(float64(b[2]-b[0]) * frac / 2)
	dy := int(float64(b[3]-b[1]) * frac / 2)
	return b[0] - dx, b[1] - dy, b[2] + dx, b[3] + dy
}

// ApplyHexMosaic tiles the image with pointy-top hexagons and flattens
// every tile whose center falls inside the mask to its center pixel's
// color. Tile geometry scales with the image so the mosaic reads the
// same at any resolution.
func ApplyHexMosaic(src image.Image, mask *vision.Mask) image.Image {
	if mask == nil || !mask.Any() {
		return src
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return src
	}

	size := math.Hypot(float64(w), float64(h)) * mosaicDiagonalFraction
	if size < minTileRadius {
		size = minTileRadius
	}
	vStep := 1.5 * size
	hStep := math.Sqrt(3) * size

	dc := gg.NewContextForImage(src)
	for row := 0; ; row++ {
		cy := float64(row) * vStep
		if cy > float64(h)+size {
			break
		}
		xOff := 0.0
		if row%2 == 1 {
			xOff = hStep / 2
		}
		for col := 0; ; col++ {
			cx := xOff + float64(col)*hStep
			if cx > float64(w)+size {
				break
			}
			px, py := int(cx), int(cy)
			if !mask.At(px, py) {
				continue
			}
			cpx, cpy := px, py
			if cpx >= w {
				cpx = w - 1
			}
			if cpy >= h {
				cpy = h - 1
			}
			dc.SetColor(src.At(b.Min.X+cpx, b.Min.Y+cpy))
			fillHexagon(dc, cx, cy, size)
		}
	}
	return dc.Image()
}

func fillHexagon(dc *gg.Context, cx, cy, r float64) {
	for k := 0; k < 6; k++ {
		ang := math.Pi / 180 * float64(60*k+30)
		x := cx + r*math.Cos(ang)
		y := cy + r*math.Sin(ang)
		if k == 0 {
			dc.MoveTo(x, y)
		} else {
			dc.LineTo(x, y)
		}
	}
	dc.ClosePath()
	dc.Fill()
}
